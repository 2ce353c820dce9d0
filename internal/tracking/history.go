package tracking

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultHistoryQueueSize = 1024
	DefaultHistoryWorkers   = 4
)

type historyItem struct {
	key    ResourceKey
	sample LocationSample
}

// HistoryAppender persists location samples off the live path. Samples of one
// resource always land on the same worker, so they are written in arrival
// order. When a worker's queue is full the sample is dropped and logged.
type HistoryAppender struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
	shards  []chan historyItem
	wg      sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewHistoryAppender(store Store, logger *slog.Logger, workers, queueSize int, timeout time.Duration) *HistoryAppender {
	if workers <= 0 {
		workers = DefaultHistoryWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultHistoryQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &HistoryAppender{
		store:   store,
		logger:  logger.With("component", "history_appender"),
		timeout: timeout,
		shards:  make([]chan historyItem, workers),
	}
	perShard := max(queueSize/workers, 1)
	for i := range h.shards {
		h.shards[i] = make(chan historyItem, perShard)
		h.wg.Add(1)
		go h.run(h.shards[i])
	}
	return h
}

// Append enqueues a sample and returns immediately.
func (h *HistoryAppender) Append(key ResourceKey, sample LocationSample) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	select {
	case h.shards[shardFor(key, len(h.shards))] <- historyItem{key: key, sample: sample}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("history queue full, sample dropped", "resource", key.String())
	}
}

// Close stops accepting samples and waits until queued ones are written.
func (h *HistoryAppender) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, ch := range h.shards {
		close(ch)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *HistoryAppender) Dropped() int64 { return h.dropped.Load() }

func (h *HistoryAppender) Failed() int64 { return h.failed.Load() }

func (h *HistoryAppender) run(items <-chan historyItem) {
	defer h.wg.Done()
	for item := range items {
		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if h.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, h.timeout)
		}
		if err := h.store.AppendLocationHistory(ctx, item.key, item.sample); err != nil {
			h.failed.Add(1)
			h.logger.Error("append location history failed", "resource", item.key.String(), "error", err)
		}
		cancel()
	}
}

func shardFor(key ResourceKey, n int) int {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key.String()))
	return int(hash.Sum32() % uint32(n))
}
