package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/events"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

// ChunkedExecutor splits very large requests into sequential chunks so that a
// failing chunk never aborts the ones after it.
type ChunkedExecutor struct {
	runner  Runner
	config  Config
	emitter events.Emitter
}

type ChunkedOption func(*ChunkedExecutor)

func WithChunkEmitter(em events.Emitter) ChunkedOption {
	return func(c *ChunkedExecutor) {
		c.emitter = em
	}
}

func NewChunkedExecutor(runner Runner, config Config, opts ...ChunkedOption) *ChunkedExecutor {
	c := &ChunkedExecutor{
		runner: runner,
		config: config.withDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.emitter = events.OrNop(c.emitter)
	return c
}

func (c *ChunkedExecutor) ExecuteRoleOperation(ctx context.Context, req membership.BulkRequest) *RunSummary {
	if len(req.PrincipalIDs) < c.config.LargeOperationThreshold {
		summary, err := c.runner.Run(ctx, req)
		if summary == nil {
			summary = NewSummary(req, c.config.MaxErrors)
		}
		if err != nil {
			summary.FailRemaining(err)
		}
		return summary
	}

	ctx, span := tracer.Start(ctx, "ChunkedExecutor.ExecuteRoleOperation")
	defer span.End()

	start := time.Now()
	summary := NewSummary(req, c.config.MaxErrors)

	if err := req.Validate(); err != nil {
		summary.FailRemaining(fmt.Errorf("bulk: invalid request: %w", err))
		return summary
	}

	// De-duplicate across the whole request so a principal never lands in two chunks.
	ids := uniqueIDs(req.PrincipalIDs)
	dropped := len(req.PrincipalIDs) - len(ids)
	summary.NoOps += dropped
	summary.Processed += dropped

	chunks := chunkIDs(ids, c.config.ChunkSize)
	summary.Chunks = len(chunks)
	span.SetAttributes(attribute.String("run_id", summary.RunID), attribute.Int("chunks", len(chunks)))

	l := ctxzap.Extract(ctx).With(zap.String("run_id", summary.RunID), zap.String("group_id", req.GroupID))
	l.Info("starting chunked operation",
		zap.Int("principals", len(ids)),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", c.config.ChunkSize),
		zap.Stringer("direction", req.Direction),
	)

	for i, chunk := range chunks {
		last := i == len(chunks)-1
		chunkStart := time.Now()

		if err := ctx.Err(); err != nil {
			c.failChunk(ctx, summary, nil, i, len(chunks), len(chunk), time.Since(chunkStart), err)
			continue
		}

		c.emitter.Emit(ctx, events.ChunkStarted{
			RunID:  summary.RunID,
			Index:  i,
			Total:  len(chunks),
			Size:   len(chunk),
			Offset: i * c.config.ChunkSize,
		})

		cs, err := c.runner.Run(ctx, req.WithPrincipals(chunk))
		if err != nil {
			c.failChunk(ctx, summary, cs, i, len(chunks), len(chunk), time.Since(chunkStart), err)
			if !last {
				_ = sleep(ctx, c.config.ChunkFailureBackoff)
			}
			continue
		}

		summary.Merge(cs)
		c.emitter.Emit(ctx, events.ChunkCompleted{
			RunID:     summary.RunID,
			Index:     i,
			Total:     len(chunks),
			Size:      len(chunk),
			Succeeded: cs.SuccessCount,
			Failed:    cs.FailedCount,
			Duration:  time.Since(chunkStart),
		})

		if !last {
			_ = sleep(ctx, c.config.chunkDelay(len(chunk)))
		}
	}

	summary.Duration = time.Since(start)
	l.Info("chunked operation complete",
		zap.Int("succeeded", summary.SuccessCount),
		zap.Int("failed", summary.FailedCount),
		zap.Int("no_ops", summary.NoOps),
		zap.Duration("duration", summary.Duration),
	)

	return summary
}

// failChunk records a chunk that failed as a whole under one error entry.
// Successes, no-ops and skips already in partial are kept; every other
// principal of the chunk counts as failed.
func (c *ChunkedExecutor) failChunk(ctx context.Context, summary *RunSummary, partial *RunSummary, index int, total int, size int, dur time.Duration, err error) {
	failed, succeeded := size, 0
	if partial != nil {
		succeeded = partial.SuccessCount
		summary.SuccessCount += partial.SuccessCount
		summary.NoOps += partial.NoOps
		summary.Skipped += partial.Skipped
		failed = max(0, size-partial.SuccessCount-partial.NoOps-partial.Skipped)
	}

	summary.FailedCount += failed
	summary.Processed += size
	summary.AddError(fmt.Sprintf("chunk %d/%d failed: %v", index+1, total, err))
	c.emitter.Emit(ctx, events.ChunkCompleted{
		RunID:     summary.RunID,
		Index:     index,
		Total:     total,
		Size:      size,
		Succeeded: succeeded,
		Failed:    failed,
		Duration:  dur,
		Err:       err,
	})
}

func chunkIDs(ids []string, size int) [][]string {
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		chunks = append(chunks, ids[start:min(start+size, len(ids))])
	}
	return chunks
}
