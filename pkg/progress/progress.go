package progress

import (
	"context"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

type ProgressCounts struct {
	mtx sync.Mutex

	TotalChunks     map[string]int // map of run id to chunk count
	ChunksProgress  map[string]int // map of run id to completed chunk count
	Principals      map[string]int // map of run id to processed principal count
	LastChunkLog    map[string]time.Time
	QueueDispatched map[string]int // map of queue key to dispatched item count
	LastQueueLog    map[string]time.Time
}

const maxLogFrequency = 10 * time.Second

func NewProgressCounts() *ProgressCounts {
	return &ProgressCounts{
		TotalChunks:     make(map[string]int),
		ChunksProgress:  make(map[string]int),
		Principals:      make(map[string]int),
		LastChunkLog:    make(map[string]time.Time),
		QueueDispatched: make(map[string]int),
		LastQueueLog:    make(map[string]time.Time),
	}
}

func (p *ProgressCounts) StartRun(runID string, totalChunks int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.TotalChunks[runID] = totalChunks
	p.ChunksProgress[runID] = 0
	p.Principals[runID] = 0
	p.LastChunkLog[runID] = time.Now()
}

func (p *ProgressCounts) AddChunk(runID string, principals int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.ChunksProgress[runID]++
	p.Principals[runID] += principals
}

func (p *ProgressCounts) LogChunkProgress(ctx context.Context, runID string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	l := ctxzap.Extract(ctx)

	chunks := p.ChunksProgress[runID]
	total := p.TotalChunks[runID]
	principals := p.Principals[runID]

	if total == 0 {
		if time.Since(p.LastChunkLog[runID]) > maxLogFrequency {
			l.Info("Processing chunks",
				zap.String("run_id", runID),
				zap.Int("chunks", chunks),
				zap.Int("principals", principals),
			)
			p.LastChunkLog[runID] = time.Now()
		}
		return
	}

	percentComplete := (chunks * 100) / total

	switch {
	case chunks > total:
		l.Error("more chunks processed than planned",
			zap.String("run_id", runID),
			zap.Int("chunks", chunks),
			zap.Int("total", total),
		)
	case percentComplete == 100:
		l.Info("Processed all chunks",
			zap.String("run_id", runID),
			zap.Int("chunks", chunks),
			zap.Int("principals", principals),
		)
		p.forget(runID)
	case time.Since(p.LastChunkLog[runID]) > maxLogFrequency:
		l.Info("Processing chunks",
			zap.String("run_id", runID),
			zap.Int("chunks", chunks),
			zap.Int("total", total),
			zap.Int("principals", principals),
			zap.Int("percent_complete", percentComplete),
		)
		p.LastChunkLog[runID] = time.Now()
	}
}

func (p *ProgressCounts) forget(runID string) {
	delete(p.TotalChunks, runID)
	delete(p.ChunksProgress, runID)
	delete(p.Principals, runID)
	delete(p.LastChunkLog, runID)
}

func (p *ProgressCounts) LogQueueProgress(ctx context.Context, key string, dispatched int, remaining int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.QueueDispatched[key] += dispatched

	l := ctxzap.Extract(ctx)
	if remaining == 0 {
		l.Debug("Queue drained",
			zap.String("queue_key", key),
			zap.Int("dispatched", p.QueueDispatched[key]),
		)
		delete(p.QueueDispatched, key)
		delete(p.LastQueueLog, key)
		return
	}

	if time.Since(p.LastQueueLog[key]) < maxLogFrequency {
		return
	}
	p.LastQueueLog[key] = time.Now()

	l.Info("Draining queue",
		zap.String("queue_key", key),
		zap.Int("dispatched", p.QueueDispatched[key]),
		zap.Int("remaining", remaining),
	)
}
