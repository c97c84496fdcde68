// Package queue ships fulfillment events to a publisher from an
// autoscaled worker pool, off the payment path.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/keymarket/internal/config"
	"github.com/fairyhunter13/keymarket/internal/fulfillment"
	"github.com/fairyhunter13/keymarket/internal/obs"
)

// Publisher delivers one event to the outside world.
type Publisher interface {
	Publish(ctx context.Context, ev fulfillment.Event) error
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Processed uint64 `json:"processed"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Backlog   int    `json:"backlog"`
	Depth     int    `json:"depth"`
	Workers   int    `json:"workers"`
}

// Dispatcher implements fulfillment.Notifier.
type Dispatcher struct {
	cfg    config.Config
	q      *Queue
	pub    Publisher
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	workerCancels []context.CancelFunc

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

var _ fulfillment.Notifier = (*Dispatcher)(nil)

func NewDispatcher(cfg config.Config, q *Queue, pub Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, q: q, pub: pub, logger: obs.Or(logger)}
}

// Start begins processing and autoscaling in the background.
func (d *Dispatcher) Start(parent context.Context) {
	d.ctx, d.cancel = context.WithCancel(parent)
	d.q.Start(d.ctx, d.cfg.QueueHighWatermark)
	initial := d.cfg.InitialWorkerCount
	if initial < 1 {
		initial = 1
	}
	d.addWorkers(initial)
	go d.scaler()
}

// Stop cancels background routines and stops workers.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Lock()
	for _, c := range d.workerCancels {
		c()
	}
	d.workerCancels = nil
	d.mu.Unlock()
}

func (d *Dispatcher) scaler() {
	t := time.NewTicker(d.cfg.ScaleInterval)
	defer t.Stop()
	idleTicks := 0
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			backlog := d.q.BacklogSize()
			wc := d.WorkerCount()
			if backlog > wc*d.cfg.ScaleUpBacklogPerWorker && wc < d.cfg.WorkerMax {
				d.addWorkers(1)
				idleTicks = 0
				continue
			}
			if backlog == 0 {
				idleTicks++
				if idleTicks >= d.cfg.ScaleDownIdleTicks && wc > d.cfg.WorkerMin {
					d.removeWorkers(1)
					idleTicks = 0
				}
			} else {
				idleTicks = 0
			}
		}
	}
}

func (d *Dispatcher) addWorkers(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		wctx, cancel := context.WithCancel(d.ctx)
		d.workerCancels = append(d.workerCancels, cancel)
		go d.worker(wctx)
	}
	d.logger.Info("workers_scaled", "worker_count", len(d.workerCancels))
}

func (d *Dispatcher) removeWorkers(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > len(d.workerCancels) {
		n = len(d.workerCancels)
	}
	for i := 0; i < n; i++ {
		c := d.workerCancels[len(d.workerCancels)-1]
		d.workerCancels = d.workerCancels[:len(d.workerCancels)-1]
		c()
	}
	d.logger.Info("workers_scaled", "worker_count", len(d.workerCancels))
}

// worker publishes events until its context is cancelled. An event
// already taken is finished under the dispatcher context so scaling
// down never abandons it.
func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.q.Out():
			d.publish(d.ctx, ev)
			d.q.MarkProcessed()
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev fulfillment.Event) {
	attempts := d.cfg.PublishAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
retry:
	for i := 1; i <= attempts; i++ {
		if err = d.pub.Publish(ctx, ev); err == nil {
			d.published.Add(1)
			return
		}
		if i == attempts {
			break
		}
		d.logger.Warn("event_publish_retry", "event_id", ev.ID, "type", ev.Type, "attempt", i, "error", err)
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(time.Duration(i) * 100 * time.Millisecond):
		}
	}
	d.failed.Add(1)
	d.logger.Error("event_publish_failed",
		"event_id", ev.ID, "type", ev.Type, "buyer_id", ev.BuyerID, "order_id", ev.OrderID,
		"external_tx_id", ev.ExternalTxID, "compensation_required", ev.CompensationRequired, "error", err)
}

// Notify queues ev without blocking.
func (d *Dispatcher) Notify(_ context.Context, ev fulfillment.Event) {
	if !d.q.Enqueue(ev) {
		d.dropped.Add(1)
		d.logger.Warn("event_dropped_shutdown", "event_id", ev.ID, "type", ev.Type, "order_id", ev.OrderID)
	}
}

func (d *Dispatcher) BacklogSize() int { return d.q.BacklogSize() }

func (d *Dispatcher) WorkerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workerCancels)
}

func (d *Dispatcher) IsShuttingDown() bool { return d.q.IsShuttingDown() }

// CloseIntake makes later Notify calls drop their events.
func (d *Dispatcher) CloseIntake() { d.q.CloseIntake() }

func (d *Dispatcher) Stats() Stats {
	snap := d.q.Snapshot()
	return Stats{
		Enqueued:  snap.Enqueued,
		Processed: snap.Processed,
		Published: d.published.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Backlog:   snap.Backlog,
		Depth:     snap.Depth,
		Workers:   d.WorkerCount(),
	}
}

// DrainUntil blocks until every accepted event has been processed or
// ctx is done.
func (d *Dispatcher) DrainUntil(ctx context.Context) bool {
	for {
		if d.q.Snapshot().Drained() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
