// Package janitor purges terminal workflows once their retention period has
// passed.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/metrics"
	"github.com/rendis/genflow/internal/store"
)

const (
	DefaultSchedule  = "*/15 * * * *"
	DefaultRetention = 7 * 24 * time.Hour
)

// Forgetter drops purged ids from an in-memory view.
type Forgetter interface {
	Forget(ids ...string)
}

// Config controls when and what is purged.
type Config struct {
	Schedule  string        // five-field cron expression
	Retention time.Duration // terminal workflows older than this are purged
}

// Janitor runs Sweep on a cron schedule.
type Janitor struct {
	store     store.Store
	schedule  cron.Schedule
	retention time.Duration
	forget    Forgetter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	sweeping atomic.Bool
}

// New parses cfg.Schedule and creates a janitor. forget may be nil.
func New(s store.Store, cfg Config, forget Forgetter, m *metrics.Metrics, logger *slog.Logger) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse purge schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Janitor{
		store:     s,
		schedule:  sched,
		retention: cfg.Retention,
		forget:    forget,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// NextRun returns the first scheduled sweep after from.
func (j *Janitor) NextRun(from time.Time) time.Time {
	return j.schedule.Next(from)
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done != nil {
		return fmt.Errorf("janitor already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.loop(loopCtx, j.done)
	j.logger.Info("janitor started", "retention", j.retention)
	return nil
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := j.NextRun(j.now()).Sub(j.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("purge failed", "error", err)
			}
		}
	}
}

// Sweep deletes terminal workflows last updated before now minus the
// retention period and returns their ids. Overlapping calls return nothing.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	if !j.sweeping.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer j.sweeping.Store(false)

	cutoff := j.now().UTC().Add(-j.retention)
	ids, err := j.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if j.forget != nil {
		j.forget.Forget(ids...)
	}
	j.metrics.Purged(len(ids))
	j.logger.Info("purged terminal workflows", "count", len(ids), "cutoff", cutoff)
	return ids, nil
}

// Stop ends the loop and waits for it.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.cancel, j.done = nil, nil
	j.logger.Info("janitor stopped")
}
