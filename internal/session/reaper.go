package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// reapBatch bounds how many sessions one sweep ends.
const reapBatch = 100

// Reaper periodically force-ends sessions that outlived the maximum
// duration, so an abandoned tab cannot hold a student's reserve forever.
type Reaper struct {
	service  *Service
	store    Store
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReaper creates a stale-session reaper.
func NewReaper(service *Service, store Store, maxAge, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		service:  service,
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the reaper loop is actively running.
func (r *Reaper) Running() bool {
	return r.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the reaper to stop.
func (r *Reaper) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reaper) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in session reaper", "panic", fmt.Sprint(rec))
		}
	}()
	r.Sweep(ctx)
}

// Sweep ends every stale session once and returns how many were ended.
func (r *Reaper) Sweep(ctx context.Context) int {
	if r.maxAge <= 0 {
		return 0
	}
	cutoff := r.service.now().Add(-r.maxAge)
	stale, err := r.store.ListStale(ctx, cutoff, reapBatch)
	if err != nil {
		r.logger.Warn("failed to list stale sessions", "error", err)
		return 0
	}

	ended := 0
	for _, s := range stale {
		b, err := r.service.end(ctx, EndRequest{SessionID: s.ID}, triggerReaper)
		if err != nil {
			r.logger.Warn("failed to reap session", "session_id", s.ID, "error", err)
			continue
		}
		ended++
		r.logger.Info("reaped stale session",
			"session_id", s.ID,
			"started", s.StartTime,
			"charged", b.FinalAmountCharged,
			"refunded", b.RefundAmount,
		)
	}
	return ended
}
