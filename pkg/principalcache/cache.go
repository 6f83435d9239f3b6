package principalcache

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/maypok86/otter/v2"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/ratelimit"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

const defaultMaximumSize = 10_000

// Cache memoizes principal lookups for a single executor run. Failed lookups are
// remembered as nil and never retried.
type Cache struct {
	lookup membership.Lookup
	pacer  ratelimit.Pacer
	cache  *otter.Cache[string, *membership.Principal]

	requests atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

type Stats struct {
	Hits     int64
	Misses   int64
	Failures int64
}

type Option func(*options)

type options struct {
	maximumSize int
	pacer       ratelimit.Pacer
}

func WithMaximumSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.maximumSize = size
		}
	}
}

// WithPacer paces calls to the underlying lookup. Cache hits are never paced.
func WithPacer(p ratelimit.Pacer) Option {
	return func(o *options) {
		if p != nil {
			o.pacer = p
		}
	}
}

func New(lookup membership.Lookup, opts ...Option) (*Cache, error) {
	o := &options{
		maximumSize: defaultMaximumSize,
		pacer:       ratelimit.NoopPacer{},
	}
	for _, opt := range opts {
		opt(o)
	}

	c, err := otter.New(&otter.Options[string, *membership.Principal]{
		MaximumSize: o.maximumSize,
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		lookup: lookup,
		pacer:  o.pacer,
		cache:  c,
	}, nil
}

func cacheKey(groupID string, principalID string) string {
	return groupID + "\x00" + principalID
}

// Get returns the principal, or nil when it could not be resolved.
func (c *Cache) Get(ctx context.Context, groupID string, principalID string) *membership.Principal {
	c.requests.Add(1)

	p, err := c.cache.Get(ctx, cacheKey(groupID, principalID), otter.LoaderFunc[string, *membership.Principal](
		func(ctx context.Context, _ string) (*membership.Principal, error) {
			c.misses.Add(1)
			c.pacer.Take()

			p, err := c.lookup.FetchPrincipal(ctx, groupID, principalID)
			if err != nil {
				c.failures.Add(1)
				l := ctxzap.Extract(ctx)
				if errors.Is(err, membership.ErrNotFound) {
					l.Debug("principal not found", zap.String("group_id", groupID), zap.String("principal_id", principalID))
				} else {
					l.Debug("principal lookup failed", zap.String("group_id", groupID), zap.String("principal_id", principalID), zap.Error(err))
				}
				return nil, nil
			}
			return p, nil
		}))
	if err != nil {
		// Only reachable if the context is cancelled while another caller is loading the same key.
		ctxzap.Extract(ctx).Debug("principal cache load failed", zap.String("principal_id", principalID), zap.Error(err))
		return nil
	}

	return p
}

func (c *Cache) Stats() Stats {
	misses := c.misses.Load()
	return Stats{
		Hits:     c.requests.Load() - misses,
		Misses:   misses,
		Failures: c.failures.Load(),
	}
}

func (c *Cache) Len() int {
	return c.cache.EstimatedSize()
}
