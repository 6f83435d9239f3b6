package bulk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-rolebatch/pkg/events"
	"github.com/conductorone/baton-rolebatch/pkg/retry"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

type eventLog struct {
	mtx    sync.Mutex
	events []events.Event
}

func (e *eventLog) subscriber(_ context.Context, ev events.Event) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) completed() []events.ChunkCompleted {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	var rv []events.ChunkCompleted
	for _, ev := range e.events {
		if c, ok := ev.(events.ChunkCompleted); ok {
			rv = append(rv, c)
		}
	}
	return rv
}

func (e *eventLog) started() []events.ChunkStarted {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	var rv []events.ChunkStarted
	for _, ev := range e.events {
		if c, ok := ev.(events.ChunkStarted); ok {
			rv = append(rv, c)
		}
	}
	return rv
}

func newChunkedFixture(t *testing.T, n int, maxAttempts int) (*fakeService, *ChunkedExecutor, *events.Bus, *eventLog, []string) {
	t.Helper()
	svc := newFakeService()
	ids := svc.addN("g1", n, "user")

	bus := events.NewBus()
	log := &eventLog{}
	bus.Subscribe(log.subscriber)

	cfg := testConfig()
	exec := NewBatchExecutor(svc, svc, cfg,
		WithRetryer(testRetryer(maxAttempts, time.Millisecond)),
		WithEmitter(bus),
	)
	return svc, NewChunkedExecutor(exec, cfg, WithChunkEmitter(bus)), bus, log, ids
}

func grantVIP(ids []string) membership.BulkRequest {
	return membership.BulkRequest{GroupID: "g1", PrincipalIDs: ids, Tag: "vip", Direction: membership.Grant}
}

func TestChunkedExecutor_SmallRequestRunsDirectly(t *testing.T) {
	svc, chunked, _, log, ids := newChunkedFixture(t, 10, 3)

	summary := chunked.ExecuteRoleOperation(context.Background(), grantVIP(ids))
	require.Equal(t, 10, summary.SuccessCount)
	require.Equal(t, 0, summary.Chunks)
	require.Len(t, svc.mutationCalls(), 1)
	require.Empty(t, log.started())
}

func TestChunkedExecutor_FailedChunkDoesNotStopOthers(t *testing.T) {
	svc, chunked, _, log, ids := newChunkedFixture(t, 1500, 1)
	svc.onMutate = func(call int, _ membership.Direction, _ []membership.Pair) ([]membership.OperationResult, error) {
		if call == 2 {
			return nil, errors.New("service unavailable")
		}
		return nil, nil
	}

	summary := chunked.ExecuteRoleOperation(context.Background(), grantVIP(ids))

	require.Equal(t, 1500, summary.TotalRequested)
	require.Equal(t, 1500, summary.Processed)
	require.Equal(t, 3, summary.Chunks)
	require.Equal(t, 500, summary.FailedCount)
	require.Equal(t, 1000, summary.SuccessCount)
	require.Len(t, svc.mutationCalls(), 3)
	require.Equal(t, []string{"chunk 2/3 failed: bulk: grant dispatch failed: retries exhausted after 1 attempts: service unavailable"}, summary.Errors)

	calls := svc.mutationCalls()
	require.Equal(t, ids[0], calls[0].Pairs[0].PrincipalID)
	require.Equal(t, ids[500], calls[1].Pairs[0].PrincipalID)
	require.Equal(t, ids[1000], calls[2].Pairs[0].PrincipalID)
	require.Len(t, log.completed(), 3)
}

func TestChunkedExecutor_UnreachableServiceFailsChunk(t *testing.T) {
	svc := newFakeService()
	ids := svc.addN("g1", 1500, "user")
	svc.onMutate = func(_ int, _ membership.Direction, pairs []membership.Pair) ([]membership.OperationResult, error) {
		switch pairs[0].PrincipalID {
		case ids[500]:
			return nil, errors.New("dial tcp: connection refused")
		case ids[1000]:
			rv := make([]membership.OperationResult, 0, len(pairs))
			for i, p := range pairs {
				if i == 0 {
					rv = append(rv, membership.OperationResult{PrincipalID: p.PrincipalID, Error: "principal is suspended"})
					continue
				}
				rv = append(rv, membership.OperationResult{PrincipalID: p.PrincipalID, Success: true})
			}
			return rv, nil
		}
		return nil, nil
	}

	cfg := testConfig()
	cfg.ChunkFailureBackoff = 50 * time.Millisecond
	log := &eventLog{}
	bus := events.NewBus()
	bus.Subscribe(log.subscriber)
	exec := NewBatchExecutor(svc, svc, cfg, WithRetryer(testRetryer(3, time.Millisecond)))
	chunked := NewChunkedExecutor(exec, cfg, WithChunkEmitter(bus))

	summary := chunked.ExecuteRoleOperation(context.Background(), grantVIP(ids))

	require.Equal(t, 1500, summary.Processed)
	require.Equal(t, 999, summary.SuccessCount)
	require.Equal(t, 501, summary.FailedCount)
	require.Equal(t, []string{
		"chunk 2/3 failed: bulk: grant dispatch failed: retries exhausted after 3 attempts: dial tcp: connection refused",
		ids[1000] + ": principal is suspended",
	}, summary.Errors)

	// One call for chunk 1, three attempts for chunk 2, one call for chunk 3.
	calls := svc.mutationCalls()
	require.Len(t, calls, 5)
	require.GreaterOrEqual(t, calls[4].At.Sub(calls[3].At), cfg.ChunkFailureBackoff)

	completed := log.completed()
	require.Len(t, completed, 3)
	require.ErrorIs(t, completed[1].Err, retry.ErrExhausted)
	require.Equal(t, 500, completed[1].Failed)
}

func TestChunkedExecutor_PanickingChunkIsIsolated(t *testing.T) {
	svc, chunked, _, log, ids := newChunkedFixture(t, 1500, 3)
	svc.onMutate = func(call int, _ membership.Direction, _ []membership.Pair) ([]membership.OperationResult, error) {
		if call == 2 {
			panic("connection reset")
		}
		return nil, nil
	}

	summary := chunked.ExecuteRoleOperation(context.Background(), grantVIP(ids))

	require.Equal(t, 1500, summary.TotalRequested)
	require.Equal(t, 500, summary.FailedCount)
	require.Equal(t, 1000, summary.SuccessCount)
	require.Len(t, svc.mutationCalls(), 3)
	require.Len(t, summary.Errors, 1)
	require.Contains(t, summary.Errors[0], "chunk 2/3 failed")

	completed := log.completed()
	require.Len(t, completed, 3)
	require.NoError(t, completed[0].Err)
	require.Error(t, completed[1].Err)
	require.Equal(t, 500, completed[1].Failed)
	require.NoError(t, completed[2].Err)

	started := log.started()
	require.Len(t, started, 3)
	require.Equal(t, 1000, started[2].Offset)
}

func TestChunkedExecutor_CancelFailsRemainingChunks(t *testing.T) {
	svc, chunked, bus, _, ids := newChunkedFixture(t, 1500, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Subscribe(func(_ context.Context, ev events.Event) {
		if c, ok := ev.(events.ChunkCompleted); ok && c.Index == 0 {
			cancel()
		}
	})

	summary := chunked.ExecuteRoleOperation(ctx, grantVIP(ids))

	require.Len(t, svc.mutationCalls(), 1)
	require.Equal(t, 500, summary.SuccessCount)
	require.Equal(t, 1000, summary.FailedCount)
	require.Equal(t, 1500, summary.Processed)
	require.Equal(t, []string{
		"chunk 2/3 failed: context canceled",
		"chunk 3/3 failed: context canceled",
	}, summary.Errors)
}

func TestChunkedExecutor_DeduplicatesAcrossChunks(t *testing.T) {
	svc, chunked, _, _, ids := newChunkedFixture(t, 1000, 3)

	req := grantVIP(append(append([]string{}, ids...), ids[0]))
	summary := chunked.ExecuteRoleOperation(context.Background(), req)

	require.Equal(t, 1001, summary.TotalRequested)
	require.Equal(t, 1001, summary.Processed)
	require.Equal(t, 2, summary.Chunks)
	require.Equal(t, 1000, summary.SuccessCount)
	require.Equal(t, 1, summary.NoOps)
	require.Len(t, svc.mutationCalls(), 2)
}

func TestChunkedExecutor_PausesBetweenChunks(t *testing.T) {
	svc := newFakeService()
	ids := svc.addN("g1", 1200, "user")

	cfg := testConfig()
	cfg.ChunkDelayBase = 20 * time.Millisecond
	cfg.ChunkDelayMax = time.Second
	exec := NewBatchExecutor(svc, svc, cfg, WithRetryer(testRetryer(3, time.Millisecond)))
	chunked := NewChunkedExecutor(exec, cfg)

	summary := chunked.ExecuteRoleOperation(context.Background(), grantVIP(ids))
	require.Equal(t, 3, summary.Chunks)
	require.Equal(t, 1200, summary.SuccessCount)

	calls := svc.mutationCalls()
	require.Len(t, calls, 3)
	require.Len(t, calls[2].Pairs, 200)
	require.GreaterOrEqual(t, calls[1].At.Sub(calls[0].At), 20*time.Millisecond)
}

func TestChunkedExecutor_InvalidLargeRequest(t *testing.T) {
	svc, chunked, _, _, ids := newChunkedFixture(t, 1000, 3)
	req := grantVIP(ids)
	req.Tag = ""

	summary := chunked.ExecuteRoleOperation(context.Background(), req)
	require.Equal(t, 1000, summary.FailedCount)
	require.Equal(t, 1000, summary.Processed)
	require.Empty(t, svc.mutationCalls())
}

func TestChunkDelay(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 500*time.Millisecond+100*2*time.Millisecond, cfg.chunkDelay(100))
	require.Equal(t, 2*time.Second, cfg.chunkDelay(5000))
}

func TestChunkIDs(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunkIDs(ids, 2))
	require.Empty(t, chunkIDs(nil, 2))
}
