package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/membership/restapi"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

const (
	defaultTTL    = 5 * time.Minute
	defaultPrefix = "rolebatch:principal:"
)

// entry is the stored form of a lookup. A nil Principal is a not-found tombstone.
type entry struct {
	Principal *restapi.PrincipalView `json:"principal,omitempty"`
}

// Lookup caches principal snapshots in Redis across runs. Redis failures are
// logged and fall through to the wrapped lookup.
type Lookup struct {
	next   membership.Lookup
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

var _ membership.Lookup = (*Lookup)(nil)

type Option func(*Lookup)

func WithTTL(ttl time.Duration) Option {
	return func(l *Lookup) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(l *Lookup) {
		l.prefix = prefix
	}
}

func New(next membership.Lookup, client redis.UniversalClient, opts ...Option) *Lookup {
	l := &Lookup{
		next:   next,
		client: client,
		ttl:    defaultTTL,
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lookup) key(groupID string, principalID string) string {
	return l.prefix + groupID + ":" + principalID
}

func (l *Lookup) FetchPrincipal(ctx context.Context, groupID string, principalID string) (*membership.Principal, error) {
	log := ctxzap.Extract(ctx).With(zap.String("group_id", groupID), zap.String("principal_id", principalID))
	key := l.key(groupID, principalID)

	raw, err := l.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Warn("discarding corrupt cache entry", zap.Error(err))
			break
		}
		if e.Principal == nil {
			return nil, fmt.Errorf("%w: %s in %s (cached)", membership.ErrNotFound, principalID, groupID)
		}
		return e.Principal.Principal(), nil
	case errors.Is(err, redis.Nil):
	default:
		log.Warn("principal cache read failed", zap.Error(err))
	}

	p, err := l.next.FetchPrincipal(ctx, groupID, principalID)
	switch {
	case err == nil:
		view := restapi.NewPrincipalView(p)
		l.store(ctx, key, entry{Principal: &view})
	case errors.Is(err, membership.ErrNotFound):
		l.store(ctx, key, entry{})
	}
	return p, err
}

func (l *Lookup) store(ctx context.Context, key string, e entry) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := l.client.Set(ctx, key, b, l.ttl).Err(); err != nil {
		ctxzap.Extract(ctx).Warn("principal cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops cached snapshots for principalIDs in groupID, typically
// after they were mutated.
func (l *Lookup) Invalidate(ctx context.Context, groupID string, principalIDs ...string) error {
	if len(principalIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(principalIDs))
	for _, id := range principalIDs {
		keys = append(keys, l.key(groupID, id))
	}
	return l.client.Del(ctx, keys...).Err()
}

type invalidatingMutator struct {
	next  membership.Mutator
	cache *Lookup
}

// Mutator wraps next so that every principal it touches is invalidated afterwards.
func (l *Lookup) Mutator(next membership.Mutator) membership.Mutator {
	return &invalidatingMutator{next: next, cache: l}
}

func (m *invalidatingMutator) BulkGrant(ctx context.Context, groupID string, pairs []membership.Pair, reason string) ([]membership.OperationResult, error) {
	defer m.invalidate(ctx, groupID, pairs)
	return m.next.BulkGrant(ctx, groupID, pairs, reason)
}

func (m *invalidatingMutator) BulkRevoke(ctx context.Context, groupID string, pairs []membership.Pair, reason string) ([]membership.OperationResult, error) {
	defer m.invalidate(ctx, groupID, pairs)
	return m.next.BulkRevoke(ctx, groupID, pairs, reason)
}

func (m *invalidatingMutator) invalidate(ctx context.Context, groupID string, pairs []membership.Pair) {
	ids := make([]string, 0, len(pairs))
	for _, p := range pairs {
		ids = append(ids, p.PrincipalID)
	}
	if err := m.cache.Invalidate(ctx, groupID, ids...); err != nil {
		ctxzap.Extract(ctx).Warn("principal cache invalidation failed", zap.String("group_id", groupID), zap.Error(err))
	}
}
