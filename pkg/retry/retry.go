package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/events"
	"github.com/conductorone/baton-rolebatch/pkg/ratelimit"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

var tracer = otel.Tracer("baton-rolebatch/retry")

// ErrExhausted is wrapped by Try when the final attempt failed outright instead
// of returning per-principal results.
var ErrExhausted = errors.New("retries exhausted")

type Operation func(ctx context.Context) ([]membership.OperationResult, error)

type Retryer struct {
	maxAttempts      int
	retryDelay       time.Duration
	rateLimitBackoff time.Duration
	isRateLimited    ratelimit.Predicate
	emitter          events.Emitter
}

type RetryConfig struct {
	MaxAttempts      int           // Default is 3.
	RetryDelay       time.Duration // Linear step for generic errors. Default is 1 second.
	RateLimitBackoff time.Duration // Linear step for rate limit signals. Default is 5 seconds.
	IsRateLimited    ratelimit.Predicate
	Emitter          events.Emitter
}

func NewRetryer(config RetryConfig) *Retryer {
	r := &Retryer{
		maxAttempts:      config.MaxAttempts,
		retryDelay:       config.RetryDelay,
		rateLimitBackoff: config.RateLimitBackoff,
		isRateLimited:    config.IsRateLimited,
		emitter:          events.OrNop(config.Emitter),
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 3
	}
	if r.retryDelay <= 0 {
		r.retryDelay = time.Second
	}
	if r.rateLimitBackoff <= 0 {
		r.rateLimitBackoff = 5 * time.Second
	}
	if r.isRateLimited == nil {
		r.isRateLimited = ratelimit.Default
	}
	return r
}

// Do runs op until it succeeds without a rate limit signal or attempts run out.
// It never fails: on exhaustion it returns one failed result per expected principal.
func (r *Retryer) Do(ctx context.Context, expected []string, op Operation) []membership.OperationResult {
	results, _ := r.Try(ctx, expected, op)
	return results
}

// Try behaves like Do and also reports calls that never reached the service.
// The error wraps ErrExhausted when the last attempt returned an error, or the
// context error when a wait was interrupted. Results are always populated.
func (r *Retryer) Try(ctx context.Context, expected []string, op Operation) ([]membership.OperationResult, error) {
	ctx, span := tracer.Start(ctx, "Retryer.Do")
	defer span.End()

	l := ctxzap.Extract(ctx)

	var lastErr string
	var thrown error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		span.SetAttributes(attribute.Int("attempt", attempt))

		results, err := op(ctx)
		thrown = err

		var wait time.Duration
		switch {
		case err != nil && r.isRateLimited(err):
			lastErr = err.Error()
			wait = r.rateLimitBackoff * time.Duration(attempt)
			r.emitter.Emit(ctx, events.RateLimited{Attempt: attempt, Wait: wait, Message: lastErr})
		case err != nil:
			lastErr = err.Error()
			wait = r.retryDelay * time.Duration(attempt)
			l.Warn("retrying operation", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("wait", wait))
		default:
			msg, limited := r.rateLimitedResult(results)
			if !limited {
				return results, nil
			}
			lastErr = msg
			wait = r.rateLimitBackoff * time.Duration(attempt)
			r.emitter.Emit(ctx, events.RateLimited{Attempt: attempt, Wait: wait, Message: lastErr})
		}

		if attempt == r.maxAttempts {
			break
		}

		if err := sleep(ctx, wait); err != nil {
			l.Warn("retry wait interrupted", zap.Error(err))
			span.RecordError(err)
			return membership.FailedResults(expected, err.Error()), fmt.Errorf("retry: wait interrupted: %w", err)
		}
	}

	l.Warn("max attempts reached", zap.String("error", lastErr), zap.Int("max_attempts", r.maxAttempts))
	r.emitter.Emit(ctx, events.RetryExhausted{Attempts: r.maxAttempts, Items: len(expected), Message: lastErr})

	results := membership.FailedResults(expected, fmt.Sprintf("retries exhausted after %d attempts: %s", r.maxAttempts, lastErr))
	if thrown != nil {
		err := fmt.Errorf("%w after %d attempts: %w", ErrExhausted, r.maxAttempts, thrown)
		span.RecordError(err)
		return results, err
	}
	return results, nil
}

func (r *Retryer) rateLimitedResult(results []membership.OperationResult) (string, bool) {
	for _, res := range results {
		if !res.Success && r.isRateLimited.MatchText(res.Error) {
			return res.Error, true
		}
	}
	return "", false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
