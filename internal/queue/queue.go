package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/keymarket/internal/fulfillment"
	"github.com/fairyhunter13/keymarket/internal/obs"
)

// Queue is an unbounded event backlog feeding a bounded output channel.
// Enqueue never blocks the payment path. Events are numbered as they
// are accepted, so Sequence order is delivery order.
type Queue struct {
	mu      sync.Mutex
	backlog []fulfillment.Event
	seq     uint64
	notify  chan struct{}
	out     chan fulfillment.Event
	closed  atomic.Bool
	logger  *slog.Logger

	enqueued  atomic.Uint64
	processed atomic.Uint64
}

// Snapshot is a consistent view of the queue counters.
type Snapshot struct {
	Enqueued  uint64
	Processed uint64
	Backlog   int
	Depth     int
}

func New(outBuffer int) *Queue {
	if outBuffer <= 0 {
		outBuffer = 64
	}
	return &Queue{
		notify: make(chan struct{}, 1),
		out:    make(chan fulfillment.Event, outBuffer),
		logger: obs.Or(nil),
	}
}

// Start runs the broker loop. A positive highWatermark logs once when
// the backlog rises above it and once when it falls back.
func (q *Queue) Start(ctx context.Context, highWatermark int) {
	go q.broker(ctx, highWatermark)
}

func (q *Queue) broker(ctx context.Context, highWatermark int) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	above := false
	for {
		backlog := q.flushOnce()
		if highWatermark > 0 {
			switch {
			case !above && backlog > highWatermark:
				above = true
				q.logger.Warn("event_backlog_high", "backlog_size", backlog, "high_watermark", highWatermark)
			case above && backlog <= highWatermark:
				above = false
				q.logger.Info("event_backlog_recovered", "backlog_size", backlog, "high_watermark", highWatermark)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// flushOnce moves backlog into the output buffer until it is full and
// returns what is left behind.
func (q *Queue) flushOnce() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(q.backlog) && len(q.out) < cap(q.out) {
		q.out <- q.backlog[n]
		n++
	}
	clear(q.backlog[:n])
	q.backlog = q.backlog[n:]
	return len(q.backlog)
}

// Enqueue stamps ev with the next sequence number, appends it and wakes
// the broker. It returns false once intake is closed.
func (q *Queue) Enqueue(ev fulfillment.Event) bool {
	if q.closed.Load() {
		return false
	}
	q.mu.Lock()
	q.seq++
	ev.Sequence = q.seq
	q.backlog = append(q.backlog, ev)
	q.enqueued.Add(1)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) Out() <-chan fulfillment.Event { return q.out }

func (q *Queue) MarkProcessed() { q.processed.Add(1) }

// BacklogSize returns the number of events not yet handed to workers.
func (q *Queue) BacklogSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Backlog:   len(q.backlog),
		Depth:     len(q.backlog) + len(q.out),
	}
}

// Drained reports whether every accepted event has been processed.
func (s Snapshot) Drained() bool {
	return s.Backlog == 0 && s.Depth == 0 && s.Enqueued == s.Processed
}

// CloseIntake disallows future enqueues.
func (q *Queue) CloseIntake() { q.closed.Store(true) }

func (q *Queue) IsShuttingDown() bool { return q.closed.Load() }
