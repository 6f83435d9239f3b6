package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultMarker = "rate limit"

// Description is the rate limit state reported by a remote API.
type Description struct {
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Error is returned by service bindings when the remote API throttled the request.
type Error struct {
	Description *Description
	Message     string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limited"
	}
	if e.Description != nil && !e.Description.ResetAt.IsZero() {
		return fmt.Sprintf("%s: rate limit resets at %s", msg, e.Description.ResetAt.UTC().Format(time.RFC3339))
	}
	return msg
}

// Predicate reports whether err signals that the caller has been throttled.
type Predicate func(err error) bool

// NewMarkerPredicate matches typed rate limit errors, gRPC ResourceExhausted
// statuses, and any error whose text contains marker (case-insensitively).
func NewMarkerPredicate(marker string) Predicate {
	if marker == "" {
		marker = DefaultMarker
	}
	folded := cases.Fold().String(marker)

	return func(err error) bool {
		if err == nil {
			return false
		}

		var rlErr *Error
		if errors.As(err, &rlErr) {
			return true
		}

		if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
			return true
		}

		// cases.Caser carries state, so each call gets its own.
		return strings.Contains(cases.Fold().String(err.Error()), folded)
	}
}

// MatchText applies p to a free-text error message, as found on per-item results.
func (p Predicate) MatchText(msg string) bool {
	if msg == "" {
		return false
	}
	return p(errors.New(msg))
}

var Default = NewMarkerPredicate(DefaultMarker)
