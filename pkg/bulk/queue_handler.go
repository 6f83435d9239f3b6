package bulk

import (
	"context"
	"errors"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/principalcache"
	"github.com/conductorone/baton-rolebatch/pkg/queue"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

type groupKey struct {
	groupID   string
	tag       string
	direction membership.Direction
	reason    string
}

// NewQueueHandler turns a batch of queued single mutations into one run per
// distinct group, tag, direction and reason. Runs happen in the order each
// group first appears in the batch. onComplete may be nil.
func NewQueueHandler(exec *BatchExecutor, onComplete func(ctx context.Context, key queue.Key, summary *RunSummary)) queue.BatchHandler {
	return func(ctx context.Context, key queue.Key, items []*queue.Item) error {
		var order []groupKey
		grouped := make(map[groupKey][]string)
		for _, it := range items {
			gk := groupKey{groupID: it.GroupID, tag: it.Tag, direction: it.Direction, reason: it.Reason}
			if gk.groupID == "" {
				gk.groupID = key.GroupID
			}
			if _, ok := grouped[gk]; !ok {
				order = append(order, gk)
			}
			grouped[gk] = append(grouped[gk], it.PrincipalID)
		}

		var errs []error
		for _, gk := range order {
			summary, err := exec.Run(ctx, membership.BulkRequest{
				GroupID:      gk.groupID,
				PrincipalIDs: grouped[gk],
				Tag:          gk.tag,
				Direction:    gk.direction,
				Reason:       gk.reason,
			})
			if err != nil {
				summary.FailRemaining(err)
				errs = append(errs, fmt.Errorf("%s %s on %s: %w", gk.direction, gk.tag, gk.groupID, err))
			}
			if onComplete != nil {
				onComplete(ctx, key, summary)
			}
		}
		return errors.Join(errs...)
	}
}

// NewLookupHandler resolves queued lookups through a shared principal cache and
// hands each result to onResolved. A nil principal means the lookup failed.
func NewLookupHandler(cache *principalcache.Cache, onResolved func(ctx context.Context, item *queue.Item, p *membership.Principal)) queue.BatchHandler {
	return func(ctx context.Context, key queue.Key, items []*queue.Item) error {
		l := ctxzap.Extract(ctx)
		missing := 0
		for _, it := range items {
			groupID := it.GroupID
			if groupID == "" {
				groupID = key.GroupID
			}
			p := cache.Get(ctx, groupID, it.PrincipalID)
			if p == nil {
				missing++
			}
			if onResolved != nil {
				onResolved(ctx, it, p)
			}
		}
		if missing > 0 {
			l.Debug("queued lookups unresolved", zap.Stringer("queue_key", key), zap.Int("missing", missing))
		}
		return nil
	}
}
