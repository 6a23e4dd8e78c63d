package seatlock

import (
	"context"
	"sync/atomic"
	"time"

	"busline/pkg/logger"
)

// Reaper periodically frees expired locks. Correctness never depends on it:
// every store access checks expiry itself. The reaper only makes sure
// subscribers hear about abandoned seats without waiting for the next access.
type Reaper struct {
	store    *Store
	interval time.Duration
	log      *logger.Logger
	done     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
}

// NewReaper creates a reaper for store
func NewReaper(store *Store, interval time.Duration, log *logger.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Reaper{
		store:    store,
		interval: interval,
		log:      log.WithComponent("lock_reaper"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the sweep loop in a goroutine
func (r *Reaper) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run(ctx)
	r.log.Info("Lock reaper started", "interval", r.interval.String())
}

// Stop ends the loop and waits for the current sweep to finish
func (r *Reaper) Stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	if r.started.Load() {
		<-r.stopped
	}
	r.log.Info("Lock reaper stopped")
}

// Sweep runs one pass and returns the number of locks freed
func (r *Reaper) Sweep(ctx context.Context) int {
	start := time.Now()
	n := r.store.ReapExpired()
	if n > 0 {
		r.log.LogLocksReaped(ctx, n, time.Since(start))
	}
	return n
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Status describes the reaper for the status endpoint
func (r *Reaper) Status() map[string]interface{} {
	return map[string]interface{}{
		"interval": r.interval.String(),
		"trips":    len(r.store.Trips()),
	}
}
