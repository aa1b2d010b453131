// internal/domain/session/sweeper.go
package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Sweeper periodically removes expired sessions
type Sweeper struct {
	store    *Store
	interval time.Duration
	clock    clockwork.Clock
	logger   *logrus.Logger
}

// NewSweeper creates a sweeper that ticks on the store's clock
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		clock:    store.clock,
		logger:   store.logger,
	}
}

// Run sweeps until ctx is cancelled
func (w *Sweeper) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.WithField("interval", w.interval.String()).Info("Session sweeper started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Session sweeper stopped")
			return
		case <-ticker.Chan():
			if _, err := w.store.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Error("Session sweep failed")
			}
		}
	}
}
