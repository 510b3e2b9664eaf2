package store

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweepable is implemented by anything with a periodic idle-entry
// reaper: middleware.RateLimiter.Sweep and middleware.Validator.Sweep
// share this shape. MemoryStore is swept through its Cleanup method,
// not through this interface.
type Sweepable interface {
	Sweep()
}

// Sweeper runs the store's TTL cleanup plus any registered Sweepables
// (rate-limit buckets, risk-tracker entries) on a cron schedule,
// replacing a hand-rolled ticker loop with robfig/cron/v3 — already in
// the teacher's dependency set for its Caddyfile reload schedule
// (config package), adopted here for the session-sweep cadence too so
// the whole ambient stack shares one scheduling library.
type Sweeper struct {
	cron    *cron.Cron
	store   *MemoryStore
	extras  []Sweepable
	log     *zap.Logger
}

func NewSweeper(store *MemoryStore, log *zap.Logger, extras ...Sweepable) *Sweeper {
	return &Sweeper{cron: cron.New(), store: store, extras: extras, log: log}
}

// Start schedules the sweep at the given interval (expressed as a
// "@every" spec) and begins running it in the background.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		removed := s.store.Cleanup(ctx)
		for _, e := range s.extras {
			e.Sweep()
		}
		if removed > 0 && s.log != nil {
			s.log.Info("session sweep removed expired entries", zap.Int("removed", removed))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}
