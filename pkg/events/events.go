package events

import (
	"context"
	"sync"
	"time"
)

type Kind uint8

const (
	UnknownKind Kind = iota
	ChunkStartedKind
	ChunkCompletedKind
	RateLimitedKind
	RetryExhaustedKind
	BatchDispatchedKind
)

func (k Kind) String() string {
	switch k {
	case ChunkStartedKind:
		return "chunk_started"
	case ChunkCompletedKind:
		return "chunk_completed"
	case RateLimitedKind:
		return "rate_limited"
	case RetryExhaustedKind:
		return "retry_exhausted"
	case BatchDispatchedKind:
		return "batch_dispatched"
	default:
		return "unknown"
	}
}

type Event interface {
	Kind() Kind
}

type ChunkStarted struct {
	RunID  string
	Index  int
	Total  int
	Size   int
	Offset int
}

func (ChunkStarted) Kind() Kind { return ChunkStartedKind }

type ChunkCompleted struct {
	RunID     string
	Index     int
	Total     int
	Size      int
	Succeeded int
	Failed    int
	Duration  time.Duration
	// Err is set when the whole chunk failed.
	Err error
}

func (ChunkCompleted) Kind() Kind { return ChunkCompletedKind }

type RateLimited struct {
	Attempt int
	Wait    time.Duration
	Message string
}

func (RateLimited) Kind() Kind { return RateLimitedKind }

type RetryExhausted struct {
	Attempts int
	Items    int
	Message  string
}

func (RetryExhausted) Kind() Kind { return RetryExhaustedKind }

type BatchDispatched struct {
	QueueKey  string
	Operation string
	Size      int
	Remaining int
	Err       error
}

func (BatchDispatched) Kind() Kind { return BatchDispatchedKind }

type Emitter interface {
	Emit(ctx context.Context, e Event)
}

type Subscriber func(ctx context.Context, e Event)

// Bus fans events out to subscribers synchronously, in subscription order.
type Bus struct {
	mtx    sync.RWMutex
	nextID int
	ids    []int
	subs   map[int]Subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Subscriber)}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	id := b.nextID
	b.nextID++
	b.ids = append(b.ids, id)
	b.subs[id] = fn

	return func() {
		b.mtx.Lock()
		defer b.mtx.Unlock()

		delete(b.subs, id)
		for i, v := range b.ids {
			if v == id {
				b.ids = append(b.ids[:i], b.ids[i+1:]...)
				break
			}
		}
	}
}

func (b *Bus) Emit(ctx context.Context, e Event) {
	b.mtx.RLock()
	subs := make([]Subscriber, 0, len(b.ids))
	for _, id := range b.ids {
		subs = append(subs, b.subs[id])
	}
	b.mtx.RUnlock()

	for _, fn := range subs {
		fn(ctx, e)
	}
}

var _ Emitter = (*Bus)(nil)

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) {}

// Nop discards every event.
var Nop Emitter = nopEmitter{}

// OrNop returns e, or Nop when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop
	}
	return e
}
