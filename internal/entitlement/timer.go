package entitlement

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically sweeps subjects whose access window has elapsed.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new expiry-sweep timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: 15 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	count, err := t.service.ExpireDue(ctx)
	if err != nil {
		t.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("subjects expired", "count", count)
	}
}
