package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/events"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

var tracer = otel.Tracer("baton-rolebatch/queue")

type Kind string

const (
	KindMutation Kind = "mutation"
	KindLookup   Kind = "lookup"
)

// Key identifies an independent queue: one per operation and target group.
type Key struct {
	Operation string
	GroupID   string
}

func (k Key) String() string {
	return k.Operation + ":" + k.GroupID
}

// Item is a single queued operation against one principal.
type Item struct {
	ID          string
	GroupID     string
	PrincipalID string
	Tag         string
	Direction   membership.Direction
	Reason      string
	// RequestedBy identifies the caller, for priority functions that rank by caller.
	RequestedBy string

	Priority   int
	EnqueuedAt time.Time

	kind Kind
	seq  uint64
}

func (i *Item) Kind() Kind {
	return i.kind
}

// PriorityFunc assigns a priority to an item at enqueue time. Higher is served first.
type PriorityFunc func(item *Item) int

// BatchHandler processes one batch of items taken from the queue for key.
type BatchHandler func(ctx context.Context, key Key, items []*Item) error

type Config struct {
	BatchSize  map[Kind]int
	BatchDelay map[Kind]time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize: map[Kind]int{
			KindMutation: 5,
			KindLookup:   10,
		},
		BatchDelay: map[Kind]time.Duration{
			KindMutation: time.Second,
			KindLookup:   time.Second,
		},
	}
}

const defaultBatchSize = 5

func (c Config) batchSize(k Kind) int {
	if n, ok := c.BatchSize[k]; ok && n > 0 {
		return n
	}
	return defaultBatchSize
}

func (c Config) batchDelay(k Kind) time.Duration {
	return c.BatchDelay[k]
}

type keyQueue struct {
	items    []*Item
	draining bool
}

// Registry owns every queue and its drain loop. At most one drain loop runs per key.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	mtx      sync.Mutex
	queues   map[Key]*keyQueue
	handlers map[Kind]BatchHandler
	seq      uint64
	closed   bool

	config   Config
	priority PriorityFunc
	emitter  events.Emitter
	now      func() time.Time

	wg sync.WaitGroup
}

type Option func(*Registry)

func WithPriorityFunc(fn PriorityFunc) Option {
	return func(r *Registry) {
		r.priority = fn
	}
}

func WithEmitter(em events.Emitter) Option {
	return func(r *Registry) {
		r.emitter = em
	}
}

// NewRegistry creates a registry whose drain loops run under ctx. The logger on
// ctx is used for every batch.
func NewRegistry(ctx context.Context, config Config, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[Key]*keyQueue),
		handlers: make(map[Kind]BatchHandler),
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.priority == nil {
		r.priority = func(item *Item) int { return item.Priority }
	}
	r.emitter = events.OrNop(r.emitter)
	return r
}

// Handle registers the handler used for batches of kind.
func (r *Registry) Handle(kind Kind, h BatchHandler) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.handlers[kind] = h
}

func less(a *Item, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}

// Enqueue adds item to the queue for key and starts a drain loop if none is
// running. It returns false only once the registry has been closed.
func (r *Registry) Enqueue(key Key, item *Item, kind Kind) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.closed {
		return false
	}

	if item.ID == "" {
		item.ID = ksuid.New().String()
	}
	item.kind = kind
	item.Priority = r.priority(item)
	item.EnqueuedAt = r.now()
	r.seq++
	item.seq = r.seq

	q, ok := r.queues[key]
	if !ok {
		q = &keyQueue{}
		r.queues[key] = q
	}
	q.items = append(q.items, item)
	sort.SliceStable(q.items, func(i, j int) bool {
		return less(q.items[i], q.items[j])
	})

	if !q.draining {
		q.draining = true
		r.wg.Add(1)
		go r.drain(key, q)
	}

	return true
}

// next slices the next batch off q. Only contiguous items of the head's kind are taken.
func (r *Registry) next(q *keyQueue) (Kind, []*Item, BatchHandler) {
	kind := q.items[0].kind
	size := r.config.batchSize(kind)

	n := 0
	for n < len(q.items) && n < size && q.items[n].kind == kind {
		n++
	}

	batch := make([]*Item, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)

	return kind, batch, r.handlers[kind]
}

func (r *Registry) drain(key Key, q *keyQueue) {
	defer r.wg.Done()

	l := ctxzap.Extract(r.ctx).With(zap.Stringer("queue_key", key))

	for {
		r.mtx.Lock()
		if len(q.items) == 0 {
			q.draining = false
			delete(r.queues, key)
			r.mtx.Unlock()
			return
		}
		if r.ctx.Err() != nil {
			l.Warn("registry closed, dropping queued items", zap.Int("dropped", len(q.items)))
			q.items = nil
			q.draining = false
			delete(r.queues, key)
			r.mtx.Unlock()
			return
		}
		kind, batch, handler := r.next(q)
		remaining := len(q.items)
		r.mtx.Unlock()

		err := r.process(key, kind, handler, batch)
		if err != nil {
			l.Error("queued batch failed", zap.String("operation", string(kind)), zap.Int("size", len(batch)), zap.Error(err))
		}
		r.emitter.Emit(r.ctx, events.BatchDispatched{
			QueueKey:  key.String(),
			Operation: string(kind),
			Size:      len(batch),
			Remaining: remaining,
			Err:       err,
		})

		r.mtx.Lock()
		more := len(q.items) > 0
		r.mtx.Unlock()
		if !more {
			continue
		}

		t := time.NewTimer(r.config.batchDelay(kind))
		select {
		case <-t.C:
		case <-r.ctx.Done():
			t.Stop()
		}
	}
}

func (r *Registry) process(key Key, kind Kind, handler BatchHandler, batch []*Item) (err error) {
	// Batches already taken off the queue run to completion even if the registry closes.
	ctx, span := tracer.Start(context.WithoutCancel(r.ctx), "Registry.process", trace.WithNewRoot())
	defer span.End()
	span.SetAttributes(
		attribute.String("queue_key", key.String()),
		attribute.String("operation", string(kind)),
		attribute.Int("size", len(batch)),
	)

	if handler == nil {
		return fmt.Errorf("queue: no handler registered for %q", kind)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("queue: handler for %q panicked: %v", kind, rec)
		}
		if err != nil {
			span.RecordError(err)
		}
	}()

	return handler(ctx, key, batch)
}

// Len returns the number of items waiting (not yet handed to a handler) for key.
func (r *Registry) Len(key Key) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if q, ok := r.queues[key]; ok {
		return len(q.items)
	}
	return 0
}

// Draining reports whether a drain loop is active for key.
func (r *Registry) Draining(key Key) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	q, ok := r.queues[key]
	return ok && q.draining
}

// Wait blocks until every drain loop has exited.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Close stops accepting items, lets in-flight batches finish, drops whatever is
// still queued and waits for the drain loops to exit.
func (r *Registry) Close() {
	r.mtx.Lock()
	r.closed = true
	r.mtx.Unlock()

	r.cancel()
	r.wg.Wait()
}
