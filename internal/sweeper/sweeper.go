// internal/sweeper/sweeper.go
// Package sweeper runs the periodic expiry sweep over the grant ledger.
// The sweeper is an owned component with an explicit lifecycle: the daemon
// starts it after the ledger is up and stops it during shutdown. Sweep
// failures are logged and the next tick retries; a broken sweep never
// takes the service down.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopforge/shopforge-grant-go/internal/ledger"
	"github.com/shopforge/shopforge-grant-go/internal/metrics"
)

// Sweeper periodically deletes expired and long-retired grants.
type Sweeper struct {
	store     ledger.Store
	metrics   *metrics.Metrics
	interval  time.Duration
	retention time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// now is injectable for tests
	now func() time.Time
}

// New creates a sweeper. interval is the tick period, retention how long
// retired (non-active) grants are kept for audit before deletion.
func New(store ledger.Store, m *metrics.Metrics, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		metrics:   m,
		interval:  interval,
		retention: retention,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the sweep loop. One sweep runs immediately so a restart
// never postpones cleanup by a full interval.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)

		if _, err := s.RunOnce(context.Background()); err != nil {
			slog.Error("initial sweep failed", "error", err)
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(context.Background()); err != nil {
					slog.Error("sweep failed", "error", err)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit. Safe to call
// more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// RunOnce executes a single sweep and returns the number of deleted grants.
// The admin sweep endpoint calls it directly.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	started := s.now()
	deleted, err := s.store.SweepExpired(ctx, started, s.retention)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.metrics.SweepDeletedTotal.Add(float64(deleted))
		slog.Info("sweep completed",
			"deleted", deleted,
			"duration", time.Since(started).String())
	}
	return deleted, nil
}
