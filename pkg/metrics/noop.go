package metrics

import "context"

// discard satisfies every instrument interface and drops what it is given.
type discard struct{}

func (discard) Add(context.Context, int64, map[string]string)     {}
func (discard) Record(context.Context, int64, map[string]string)  {}
func (discard) Observe(context.Context, int64, map[string]string) {}

type noopHandler struct{}

func (noopHandler) Int64Counter(string, string, Unit) Int64Counter     { return discard{} }
func (noopHandler) Int64Gauge(string, string, Unit) Int64Gauge         { return discard{} }
func (noopHandler) Int64Histogram(string, string, Unit) Int64Histogram { return discard{} }
func (h noopHandler) WithTags(map[string]string) Handler               { return h }

var (
	_ Int64Counter   = discard{}
	_ Int64Histogram = discard{}
	_ Int64Gauge     = discard{}
	_ Handler        = noopHandler{}
)

// NewNoOpHandler is used when no metrics backend is configured. Runs record
// into it exactly as they would into a real one.
func NewNoOpHandler(context.Context) Handler {
	return noopHandler{}
}
