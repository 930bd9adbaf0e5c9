// Package progress fans out run progress events to in-process subscribers.
// Events are ephemeral: a subscriber that falls behind loses events rather
// than blocking the pipeline, and reconstructs state from the read model.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/metrics"
)

const (
	defaultBufferSize = 64
	dropLogInterval   = 5 * time.Second
)

// Config controls per-subscriber buffering.
type Config struct {
	// BufferSize is the per-subscriber channel depth (default 64).
	BufferSize int
	Logger     *zap.Logger
}

type subscriber struct {
	id int64
	ch chan analysis.ProgressEvent
}

// Broadcaster publishes progress events keyed by run ID. Publish never
// blocks; slow subscribers drop events and a rate-limited warning is
// logged. Safe for concurrent use.
type Broadcaster struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uuid.UUID][]*subscriber
	nextID int64
	closed bool

	dropped     atomic.Int64
	dropLimiter logRateLimiter
}

// NewBroadcaster creates a Broadcaster ready to accept events.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		cfg:         cfg,
		logger:      logger,
		subs:        make(map[uuid.UUID][]*subscriber),
		dropLimiter: logRateLimiter{interval: dropLogInterval},
	}
}

// Publish delivers the event to every subscriber of its run. It never
// blocks the caller.
func (b *Broadcaster) Publish(evt analysis.ProgressEvent) {
	if b == nil {
		return
	}
	// The read lock is held across the fan-out: channels are only closed
	// under the write lock, so no send can race a close. Sends never block,
	// so the lock is held only briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[evt.RunID] {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			if b.dropLimiter.Allow(time.Now()) {
				count := b.dropped.Swap(0)
				b.logger.Warn("progress events dropped due to backpressure",
					zap.Int64("dropped", count),
					zap.String("run_id", evt.RunID.String()),
				)
			}
		}
	}
}

// Subscribe registers a subscriber for one run. The returned cancel
// function unregisters and closes the channel; it is safe to call more
// than once. A subscriber disconnecting never cancels the underlying run.
func (b *Broadcaster) Subscribe(runID uuid.UUID) (<-chan analysis.ProgressEvent, func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan analysis.ProgressEvent)
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	sub := &subscriber{
		id: b.nextID,
		ch: make(chan analysis.ProgressEvent, b.cfg.BufferSize),
	}
	b.subs[runID] = append(b.subs[runID], sub)
	b.mu.Unlock()
	metrics.IncProgressSubscribers()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if b.closed {
				// Close already closed every subscriber channel.
				b.mu.Unlock()
				return
			}
			// A fresh slice, not in-place compaction: Publish may be
			// iterating the old backing array under the read lock.
			current := b.subs[runID]
			remaining := make([]*subscriber, 0, len(current))
			for _, candidate := range current {
				if candidate.id != sub.id {
					remaining = append(remaining, candidate)
				}
			}
			if len(remaining) == 0 {
				delete(b.subs, runID)
			} else {
				b.subs[runID] = remaining
			}
			close(sub.ch)
			b.mu.Unlock()
			metrics.DecProgressSubscribers()
		})
	}
	return sub.ch, cancel
}

// Close shuts the broadcaster down and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for runID, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
			metrics.DecProgressSubscribers()
		}
		delete(b.subs, runID)
	}
}

type logRateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *logRateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
