package session

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ssoportal.id/internal/obs"
)

// Reaper periodically deletes sessions whose expiry lies further back than
// the retention window. Correctness never depends on it.
type Reaper struct {
	store     Store
	retention time.Duration
	schedule  string
	now       func() time.Time
	cron      *cron.Cron
}

func NewReaper(store Store, schedule string, retention time.Duration) (*Reaper, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, err
	}
	return &Reaper{store: store, retention: retention, schedule: schedule, now: time.Now}, nil
}

// RunOnce purges once and returns the number of deleted sessions.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.retention)
	n, err := r.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	obs.From(ctx).Info("sessions purged", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Start schedules RunOnce on the configured cron spec.
func (r *Reaper) Start() error {
	log := obs.L()
	c := cron.New(cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(log))))
	if _, err := c.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			log.Warn("session reaper failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	log.Info("session reaper started", zap.String("schedule", r.schedule), zap.Duration("retention", r.retention))
	return nil
}

// Stop halts scheduling and waits for a running job until ctx is done.
func (r *Reaper) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}
