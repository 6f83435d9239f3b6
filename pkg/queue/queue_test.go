package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-rolebatch/pkg/events"
)

// recorder collects batches and can hold the first batch until released, so
// tests can fill a queue while its drain loop is busy.
type recorder struct {
	mtx     sync.Mutex
	batches [][]string
	times   []time.Time

	hold    bool
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newRecorder(hold bool) *recorder {
	return &recorder{
		hold:    hold,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *recorder) handle(_ context.Context, _ Key, items []*Item) error {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.PrincipalID)
	}

	r.mtx.Lock()
	r.batches = append(r.batches, ids)
	r.times = append(r.times, time.Now())
	r.mtx.Unlock()

	if r.hold {
		r.once.Do(func() {
			close(r.started)
			<-r.release
		})
	}
	return nil
}

func (r *recorder) snapshot() [][]string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rv := make([][]string, len(r.batches))
	copy(rv, r.batches)
	return rv
}

func zeroDelayConfig(mutationBatch int) Config {
	return Config{
		BatchSize:  map[Kind]int{KindMutation: mutationBatch, KindLookup: 10},
		BatchDelay: map[Kind]time.Duration{},
	}
}

func TestRegistry_PriorityOrdering(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(ctx, zeroDelayConfig(10))
	defer reg.Close()

	rec := newRecorder(true)
	reg.Handle(KindMutation, rec.handle)

	key := Key{Operation: "grant", GroupID: "g1"}
	require.True(t, reg.Enqueue(key, &Item{PrincipalID: "blocker"}, KindMutation))
	<-rec.started

	for _, it := range []*Item{
		{PrincipalID: "a", Priority: 1},
		{PrincipalID: "b", Priority: 5},
		{PrincipalID: "c", Priority: 1},
		{PrincipalID: "d", Priority: 3},
	} {
		require.True(t, reg.Enqueue(key, it, KindMutation))
	}
	require.Equal(t, 4, reg.Len(key))
	require.True(t, reg.Draining(key))

	close(rec.release)
	reg.Wait()

	want := [][]string{{"blocker"}, {"b", "d", "a", "c"}}
	if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
		t.Fatalf("unexpected batches (-want +got):\n%s", diff)
	}
	require.False(t, reg.Draining(key))
	require.Equal(t, 0, reg.Len(key))
}

func TestRegistry_PriorityFuncByCaller(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(ctx, zeroDelayConfig(10), WithPriorityFunc(func(item *Item) int {
		if item.RequestedBy == "admin" {
			return 10
		}
		return 0
	}))
	defer reg.Close()

	rec := newRecorder(true)
	reg.Handle(KindMutation, rec.handle)

	key := Key{Operation: "grant", GroupID: "g1"}
	reg.Enqueue(key, &Item{PrincipalID: "blocker"}, KindMutation)
	<-rec.started

	reg.Enqueue(key, &Item{PrincipalID: "member-1", RequestedBy: "member", Priority: 99}, KindMutation)
	reg.Enqueue(key, &Item{PrincipalID: "admin-1", RequestedBy: "admin"}, KindMutation)
	reg.Enqueue(key, &Item{PrincipalID: "member-2", RequestedBy: "member"}, KindMutation)

	close(rec.release)
	reg.Wait()

	require.Equal(t, [][]string{{"blocker"}, {"admin-1", "member-1", "member-2"}}, rec.snapshot())
}

func TestRegistry_BatchSizePerKind(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(ctx, zeroDelayConfig(5))
	defer reg.Close()

	rec := newRecorder(true)
	reg.Handle(KindMutation, rec.handle)

	key := Key{Operation: "grant", GroupID: "g1"}
	reg.Enqueue(key, &Item{PrincipalID: "blocker"}, KindMutation)
	<-rec.started

	for range 12 {
		reg.Enqueue(key, &Item{PrincipalID: "p"}, KindMutation)
	}
	close(rec.release)
	reg.Wait()

	var sizes []int
	for _, b := range rec.snapshot() {
		sizes = append(sizes, len(b))
	}
	require.Equal(t, []int{1, 5, 5, 2}, sizes)
}

func TestRegistry_MixedKindsBatchSeparately(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(ctx, zeroDelayConfig(5))
	defer reg.Close()

	rec := newRecorder(true)
	lookups := newRecorder(false)
	reg.Handle(KindMutation, rec.handle)
	reg.Handle(KindLookup, lookups.handle)

	key := Key{Operation: "sync", GroupID: "g1"}
	reg.Enqueue(key, &Item{PrincipalID: "blocker"}, KindMutation)
	<-rec.started

	reg.Enqueue(key, &Item{PrincipalID: "m1"}, KindMutation)
	reg.Enqueue(key, &Item{PrincipalID: "l1"}, KindLookup)
	reg.Enqueue(key, &Item{PrincipalID: "m2"}, KindMutation)
	close(rec.release)
	reg.Wait()

	require.Equal(t, [][]string{{"blocker"}, {"m1"}, {"m2"}}, rec.snapshot())
	require.Equal(t, [][]string{{"l1"}}, lookups.snapshot())
}

func TestRegistry_BatchDelay(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		BatchSize:  map[Kind]int{KindMutation: 1},
		BatchDelay: map[Kind]time.Duration{KindMutation: 50 * time.Millisecond},
	}
	reg := NewRegistry(ctx, cfg)
	defer reg.Close()

	rec := newRecorder(true)
	reg.Handle(KindMutation, rec.handle)

	key := Key{Operation: "grant", GroupID: "g1"}
	reg.Enqueue(key, &Item{PrincipalID: "p0"}, KindMutation)
	<-rec.started
	reg.Enqueue(key, &Item{PrincipalID: "p1"}, KindMutation)
	reg.Enqueue(key, &Item{PrincipalID: "p2"}, KindMutation)
	close(rec.release)
	reg.Wait()

	rec.mtx.Lock()
	defer rec.mtx.Unlock()
	require.Len(t, rec.times, 3)
	require.GreaterOrEqual(t, rec.times[2].Sub(rec.times[1]), 50*time.Millisecond)
}

func TestRegistry_OneDrainLoopPerKey(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(ctx, zeroDelayConfig(2))
	defer reg.Close()

	var mtx sync.Mutex
	active := map[Key]int{}
	maxActive := map[Key]int{}
	processed := 0

	reg.Handle(KindMutation, func(_ context.Context, key Key, items []*Item) error {
		mtx.Lock()
		active[key]++
		if active[key] > maxActive[key] {
			maxActive[key] = active[key]
		}
		mtx.Unlock()

		time.Sleep(time.Millisecond)

		mtx.Lock()
		active[key]--
		processed += len(items)
		mtx.Unlock()
		return nil
	})

	keys := []Key{{Operation: "grant", GroupID: "g1"}, {Operation: "grant", GroupID: "g2"}}
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				reg.Enqueue(keys[w%2], &Item{PrincipalID: "p"}, KindMutation)
			}
		}()
	}
	wg.Wait()
	reg.Wait()

	mtx.Lock()
	defer mtx.Unlock()
	require.Equal(t, 40, processed)
	for _, k := range keys {
		require.Equal(t, 1, maxActive[k], "key %s", k)
	}
}

func TestRegistry_HandlerErrorsDoNotStopDraining(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	var mtx sync.Mutex
	var dispatched []events.BatchDispatched
	bus.Subscribe(func(_ context.Context, e events.Event) {
		if ev, ok := e.(events.BatchDispatched); ok {
			mtx.Lock()
			dispatched = append(dispatched, ev)
			mtx.Unlock()
		}
	})

	reg := NewRegistry(ctx, zeroDelayConfig(1), WithEmitter(bus))
	defer reg.Close()

	calls := 0
	gate := newRecorder(true)
	reg.Handle(KindMutation, func(ctx context.Context, key Key, items []*Item) error {
		calls++
		switch calls {
		case 1:
			_ = gate.handle(ctx, key, items)
			return errors.New("mutation service unavailable")
		case 2:
			panic("boom")
		default:
			return nil
		}
	})

	key := Key{Operation: "grant", GroupID: "g1"}
	reg.Enqueue(key, &Item{PrincipalID: "p1"}, KindMutation)
	<-gate.started
	reg.Enqueue(key, &Item{PrincipalID: "p2"}, KindMutation)
	reg.Enqueue(key, &Item{PrincipalID: "p3"}, KindMutation)
	close(gate.release)
	reg.Wait()

	require.Equal(t, 3, calls)
	mtx.Lock()
	defer mtx.Unlock()
	require.Len(t, dispatched, 3)
	require.Error(t, dispatched[0].Err)
	require.ErrorContains(t, dispatched[1].Err, "panicked")
	require.NoError(t, dispatched[2].Err)
	require.Equal(t, 0, dispatched[2].Remaining)
}

func TestRegistry_MissingHandler(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	errs := make(chan error, 1)
	bus.Subscribe(func(_ context.Context, e events.Event) {
		if ev, ok := e.(events.BatchDispatched); ok {
			errs <- ev.Err
		}
	})

	reg := NewRegistry(ctx, zeroDelayConfig(5), WithEmitter(bus))
	defer reg.Close()

	reg.Enqueue(Key{Operation: "lookup", GroupID: "g1"}, &Item{PrincipalID: "p1"}, KindLookup)
	reg.Wait()

	require.ErrorContains(t, <-errs, "no handler registered")
}

func TestRegistry_RestartsAfterDrained(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(ctx, zeroDelayConfig(5))
	defer reg.Close()

	rec := newRecorder(false)
	reg.Handle(KindMutation, rec.handle)
	key := Key{Operation: "grant", GroupID: "g1"}

	reg.Enqueue(key, &Item{PrincipalID: "p1"}, KindMutation)
	reg.Wait()
	require.False(t, reg.Draining(key))

	reg.Enqueue(key, &Item{PrincipalID: "p2"}, KindMutation)
	reg.Wait()

	require.Equal(t, [][]string{{"p1"}, {"p2"}}, rec.snapshot())
}

func TestRegistry_CloseDropsQueuedItems(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(ctx, zeroDelayConfig(1))

	rec := newRecorder(true)
	reg.Handle(KindMutation, rec.handle)
	key := Key{Operation: "grant", GroupID: "g1"}

	item := &Item{PrincipalID: "p1"}
	reg.Enqueue(key, item, KindMutation)
	<-rec.started
	reg.Enqueue(key, &Item{PrincipalID: "p2"}, KindMutation)

	done := make(chan struct{})
	go func() {
		reg.Close()
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !reg.Enqueue(key, &Item{PrincipalID: "late"}, KindMutation)
	}, time.Second, time.Millisecond)

	close(rec.release)
	<-done

	require.Equal(t, [][]string{{"p1"}}, rec.snapshot())
	require.NotEmpty(t, item.ID)
	require.Equal(t, KindMutation, item.Kind())
}
