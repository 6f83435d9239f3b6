package events

import (
	"context"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/progress"
)

// NewLogSubscriber writes events to the logger carried on the context.
func NewLogSubscriber() Subscriber {
	counts := progress.NewProgressCounts()

	return func(ctx context.Context, e Event) {
		l := ctxzap.Extract(ctx)

		switch ev := e.(type) {
		case ChunkStarted:
			if ev.Index == 0 {
				counts.StartRun(ev.RunID, ev.Total)
			}
			l.Debug("chunk started",
				zap.String("run_id", ev.RunID),
				zap.Int("chunk", ev.Index+1),
				zap.Int("total", ev.Total),
				zap.Int("size", ev.Size),
			)
		case ChunkCompleted:
			if ev.Err != nil {
				l.Error("chunk failed",
					zap.String("run_id", ev.RunID),
					zap.Int("chunk", ev.Index+1),
					zap.Int("size", ev.Size),
					zap.Error(ev.Err),
				)
			}
			counts.AddChunk(ev.RunID, ev.Size)
			counts.LogChunkProgress(ctx, ev.RunID)
		case RateLimited:
			l.Warn("rate limited, backing off",
				zap.Int("attempt", ev.Attempt),
				zap.Duration("wait", ev.Wait),
				zap.String("error", ev.Message),
			)
		case RetryExhausted:
			l.Error("retries exhausted",
				zap.Int("attempts", ev.Attempts),
				zap.Int("items", ev.Items),
				zap.String("error", ev.Message),
			)
		case BatchDispatched:
			if ev.Err != nil {
				l.Error("queued batch failed",
					zap.String("queue_key", ev.QueueKey),
					zap.String("operation", ev.Operation),
					zap.Int("size", ev.Size),
					zap.Error(ev.Err),
				)
			}
			counts.LogQueueProgress(ctx, ev.QueueKey, ev.Size, ev.Remaining)
		}
	}
}
