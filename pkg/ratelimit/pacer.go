package ratelimit

import (
	"go.uber.org/ratelimit"
)

// Pacer blocks until the caller may issue its next request.
type Pacer interface {
	Take()
}

type limiterPacer struct {
	l ratelimit.Limiter
}

func (p *limiterPacer) Take() {
	p.l.Take()
}

// NewPacer returns a pacer allowing rps requests per second. A non-positive rps disables pacing.
func NewPacer(rps int) Pacer {
	if rps <= 0 {
		return NoopPacer{}
	}
	return &limiterPacer{l: ratelimit.New(rps, ratelimit.WithoutSlack)}
}

type NoopPacer struct{}

func (NoopPacer) Take() {}
