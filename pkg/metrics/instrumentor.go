package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/conductorone/baton-rolebatch/pkg/events"
)

const (
	mutationSuccessCounterName = "rolebatch.mutation_success"
	mutationFailureCounterName = "rolebatch.mutation_failure"
	mutationNoopCounterName    = "rolebatch.mutation_noop"
	runDurationHistoName       = "rolebatch.run_latency"
	rateLimitCounterName       = "rolebatch.rate_limited"
	retryExhaustedCounterName  = "rolebatch.retry_exhausted"
	chunkCounterName           = "rolebatch.chunks"
	queueBatchCounterName      = "rolebatch.queue_batches"
	queueDepthGaugeName        = "rolebatch.queue_depth"

	mutationSuccessCounterDesc = "number of principals successfully mutated by direction"
	mutationFailureCounterDesc = "number of principals that failed to mutate by direction"
	mutationNoopCounterDesc    = "number of principals skipped because they were already in the requested state"
	runDurationHistoDesc       = "duration of bulk runs by direction"
	rateLimitCounterDesc       = "number of rate limit backoffs"
	retryExhaustedCounterDesc  = "number of operations that ran out of retries"
	chunkCounterDesc           = "number of chunks processed by outcome"
	queueBatchCounterDesc      = "number of queued batches dispatched by operation and outcome"
	queueDepthGaugeDesc        = "items left in a queue after a batch was dispatched"
)

type M struct {
	underlying Handler
}

func (m *M) RecordRun(ctx context.Context, direction string, succeeded int, failed int, noops int, dur time.Duration) {
	tags := map[string]string{"direction": direction}

	m.underlying.Int64Counter(mutationSuccessCounterName, mutationSuccessCounterDesc, Dimensionless).Add(ctx, int64(succeeded), tags)
	m.underlying.Int64Counter(mutationFailureCounterName, mutationFailureCounterDesc, Dimensionless).Add(ctx, int64(failed), tags)
	m.underlying.Int64Counter(mutationNoopCounterName, mutationNoopCounterDesc, Dimensionless).Add(ctx, int64(noops), tags)
	m.underlying.Int64Histogram(runDurationHistoName, runDurationHistoDesc, Milliseconds).Record(ctx, dur.Milliseconds(), tags)
}

func (m *M) RecordRateLimited(ctx context.Context) {
	m.underlying.Int64Counter(rateLimitCounterName, rateLimitCounterDesc, Dimensionless).Add(ctx, 1, nil)
}

func (m *M) RecordRetryExhausted(ctx context.Context, items int) {
	m.underlying.Int64Counter(retryExhaustedCounterName, retryExhaustedCounterDesc, Dimensionless).Add(ctx, int64(items), nil)
}

func (m *M) RecordChunk(ctx context.Context, failed bool) {
	m.underlying.Int64Counter(chunkCounterName, chunkCounterDesc, Dimensionless).Add(ctx, 1, map[string]string{
		"chunk_failed": strconv.FormatBool(failed),
	})
}

func (m *M) RecordQueueBatch(ctx context.Context, operation string, remaining int, err error) {
	m.underlying.Int64Counter(queueBatchCounterName, queueBatchCounterDesc, Dimensionless).Add(ctx, 1, map[string]string{
		"operation": operation,
		"success":   strconv.FormatBool(err == nil),
	})
	m.underlying.Int64Gauge(queueDepthGaugeName, queueDepthGaugeDesc, Dimensionless).Observe(ctx, int64(remaining), map[string]string{
		"operation": operation,
	})
}

// Subscriber records the events that are not already covered by RecordRun.
func (m *M) Subscriber() events.Subscriber {
	return func(ctx context.Context, e events.Event) {
		switch ev := e.(type) {
		case events.RateLimited:
			m.RecordRateLimited(ctx)
		case events.RetryExhausted:
			m.RecordRetryExhausted(ctx, ev.Items)
		case events.ChunkCompleted:
			m.RecordChunk(ctx, ev.Err != nil)
		case events.BatchDispatched:
			m.RecordQueueBatch(ctx, ev.Operation, ev.Remaining, ev.Err)
		}
	}
}

func New(handler Handler) *M {
	if handler == nil {
		handler = noopHandler{}
	}
	return &M{underlying: handler}
}
