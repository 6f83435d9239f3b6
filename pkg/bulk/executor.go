package bulk

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductorone/baton-rolebatch/pkg/events"
	"github.com/conductorone/baton-rolebatch/pkg/metrics"
	"github.com/conductorone/baton-rolebatch/pkg/principalcache"
	"github.com/conductorone/baton-rolebatch/pkg/ratelimit"
	"github.com/conductorone/baton-rolebatch/pkg/retry"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

var tracer = otel.Tracer("baton-rolebatch/bulk")

// Runner executes one bulk request. A returned error means the run as a whole failed.
type Runner interface {
	Run(ctx context.Context, req membership.BulkRequest) (*RunSummary, error)
}

// BatchExecutor resolves principals, drops the ones already in the requested
// state and dispatches the rest as one grant batch and one revoke batch.
type BatchExecutor struct {
	lookup  membership.Lookup
	mutator membership.Mutator
	config  Config

	retryer *retry.Retryer
	emitter events.Emitter
	metrics *metrics.M
	pacer   ratelimit.Pacer
}

type Option func(*BatchExecutor)

func WithRetryer(r *retry.Retryer) Option {
	return func(e *BatchExecutor) {
		e.retryer = r
	}
}

func WithEmitter(em events.Emitter) Option {
	return func(e *BatchExecutor) {
		e.emitter = em
	}
}

func WithMetrics(m *metrics.M) Option {
	return func(e *BatchExecutor) {
		e.metrics = m
	}
}

func NewBatchExecutor(lookup membership.Lookup, mutator membership.Mutator, config Config, opts ...Option) *BatchExecutor {
	e := &BatchExecutor{
		lookup:  lookup,
		mutator: mutator,
		config:  config.withDefaults(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.emitter = events.OrNop(e.emitter)
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	if e.retryer == nil {
		e.retryer = retry.NewRetryer(retry.RetryConfig{Emitter: e.emitter})
	}
	// The pacer outlives a single run so the lookup rate holds across runs.
	e.pacer = ratelimit.NewPacer(e.config.LookupRatePerSecond)

	return e
}

// Execute runs req and never fails: run-level errors are folded into the summary.
func (e *BatchExecutor) Execute(ctx context.Context, req membership.BulkRequest) *RunSummary {
	summary, err := e.Run(ctx, req)
	if err != nil {
		summary.FailRemaining(err)
	}
	return summary
}

func (e *BatchExecutor) Run(ctx context.Context, req membership.BulkRequest) (summary *RunSummary, err error) {
	ctx, span := tracer.Start(ctx, "BatchExecutor.Run")
	defer span.End()

	start := time.Now()
	summary = NewSummary(req, e.config.MaxErrors)
	summary.Processed = len(req.PrincipalIDs)

	l := ctxzap.Extract(ctx).With(
		zap.String("run_id", summary.RunID),
		zap.String("group_id", req.GroupID),
		zap.String("tag", req.Tag),
		zap.Stringer("direction", req.Direction),
	)

	span.SetAttributes(
		attribute.String("run_id", summary.RunID),
		attribute.Int("principals", len(req.PrincipalIDs)),
		attribute.String("direction", req.Direction.String()),
	)

	if err := req.Validate(); err != nil {
		return summary, fmt.Errorf("bulk: invalid request: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bulk: run %s panicked: %v", summary.RunID, r)
		}
		summary.Duration = time.Since(start)
		if err != nil {
			span.RecordError(err)
		}
		e.metrics.RecordRun(ctx, req.Direction.String(), summary.SuccessCount, summary.FailedCount, summary.NoOps, summary.Duration)
	}()

	ids := uniqueIDs(req.PrincipalIDs)

	cache, err := principalcache.New(e.lookup,
		principalcache.WithMaximumSize(len(ids)),
		principalcache.WithPacer(e.pacer),
	)
	if err != nil {
		return summary, fmt.Errorf("bulk: creating principal cache: %w", err)
	}

	principals, err := e.resolve(ctx, cache, req.GroupID, ids)
	if err != nil {
		return summary, err
	}
	summary.Skipped = len(ids) - len(principals)

	grants, revokes := split(principals, req.Tag, req.Direction)
	// Repeated or empty IDs count as no-ops alongside principals already in the requested state.
	summary.NoOps = (len(req.PrincipalIDs) - len(ids)) + (len(principals) - len(grants) - len(revokes))

	if len(grants) == 0 && len(revokes) == 0 {
		l.Info("all principals already in requested state",
			zap.Int("principals", len(ids)),
			zap.Int("skipped", summary.Skipped),
		)
		return summary, nil
	}

	// A dispatch that never got through to the service fails the run; the
	// revoke dispatch is not attempted after a failed grant dispatch.
	if len(grants) > 0 {
		results, err := e.dispatch(ctx, req, grants, membership.Grant)
		if err != nil {
			return summary, err
		}
		summary.addResults(results)
	}

	if len(grants) > 0 && len(revokes) > 0 {
		// A cancelled context only shortens the pause; the revoke dispatch still runs.
		_ = sleep(ctx, 2*e.config.BatchDelay)
	}

	if len(revokes) > 0 {
		results, err := e.dispatch(ctx, req, revokes, membership.Revoke)
		if err != nil {
			return summary, err
		}
		summary.addResults(results)
	}

	stats := cache.Stats()
	l.Info("bulk run complete",
		zap.Int("succeeded", summary.SuccessCount),
		zap.Int("failed", summary.FailedCount),
		zap.Int("no_ops", summary.NoOps),
		zap.Int("skipped", summary.Skipped),
		zap.Int64("lookups", stats.Misses),
	)

	return summary, nil
}

func (e *BatchExecutor) resolve(ctx context.Context, cache *principalcache.Cache, groupID string, ids []string) ([]*membership.Principal, error) {
	ctx, span := tracer.Start(ctx, "BatchExecutor.resolve")
	defer span.End()

	resolved := make([]*membership.Principal, len(ids))

	for start := 0; start < len(ids); start += e.config.LookupBatchSize {
		if start > 0 {
			if err := sleep(ctx, e.config.LookupBatchDelay); err != nil {
				return nil, fmt.Errorf("bulk: resolving principals: %w", err)
			}
		} else if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("bulk: resolving principals: %w", err)
		}

		end := min(start+e.config.LookupBatchSize, len(ids))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.config.LookupConcurrency)
		for i := start; i < end; i++ {
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("bulk: lookup of %s panicked: %v", ids[i], r)
					}
				}()
				resolved[i] = cache.Get(gctx, groupID, ids[i])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	rv := make([]*membership.Principal, 0, len(resolved))
	for _, p := range resolved {
		if p != nil {
			rv = append(rv, p)
		}
	}
	return rv, nil
}

func (e *BatchExecutor) dispatch(ctx context.Context, req membership.BulkRequest, ids []string, d membership.Direction) ([]membership.OperationResult, error) {
	ctx, span := tracer.Start(ctx, "BatchExecutor.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("direction", d.String()), attribute.Int("principals", len(ids)))

	pairs := make([]membership.Pair, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, membership.Pair{PrincipalID: id, Tag: req.Tag})
	}

	call := e.mutator.BulkGrant
	if d == membership.Revoke {
		call = e.mutator.BulkRevoke
	}

	results, err := e.retryer.Try(ctx, ids, func(ctx context.Context) ([]membership.OperationResult, error) {
		return call(ctx, req.GroupID, pairs, req.Reason)
	})
	if err != nil {
		return nil, fmt.Errorf("bulk: %s dispatch failed: %w", d, err)
	}

	return reconcile(ids, results), nil
}

// split partitions principals into those needing a grant and those needing a revoke.
func split(principals []*membership.Principal, tag string, d membership.Direction) ([]string, []string) {
	var grants, revokes []string
	for _, p := range principals {
		switch p.Resolve(tag, d) {
		case membership.Grant:
			grants = append(grants, p.ID)
		case membership.Revoke:
			revokes = append(revokes, p.ID)
		}
	}
	return grants, revokes
}

// reconcile returns exactly one result per expected principal, in order.
// Principals the service did not report on are counted as failed.
func reconcile(expected []string, results []membership.OperationResult) []membership.OperationResult {
	byID := make(map[string]membership.OperationResult, len(results))
	for _, r := range results {
		byID[r.PrincipalID] = r
	}

	rv := make([]membership.OperationResult, 0, len(expected))
	for _, id := range expected {
		r, ok := byID[id]
		if !ok {
			r = membership.OperationResult{PrincipalID: id, Error: "no result returned by mutation service"}
		}
		rv = append(rv, r)
	}
	return rv
}

func uniqueIDs(ids []string) []string {
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(ids))
	rv := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || !seen.Add(id) {
			continue
		}
		rv = append(rv, id)
	}
	return rv
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
