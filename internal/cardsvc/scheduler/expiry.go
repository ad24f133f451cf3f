// Package scheduler runs the recurring expiry sweep. Any number of
// schedulers may run at once: every transition is a guarded store write, so
// an instance another sweep already expired is skipped without a second
// ledger entry.
package scheduler

import (
	"context"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/observability"
	log "github.com/sirupsen/logrus"
)

// Expirer is the slice of the lifecycle service the sweep drives.
type Expirer interface {
	DueInstances(ctx context.Context, now time.Time, limit int) ([]*models.CardInstance, error)
	ExpireInstance(ctx context.Context, instanceID string, now time.Time) (bool, error)
	ExpiringInstances(ctx context.Context, now time.Time, window time.Duration, limit int) ([]*models.CardInstance, error)
	WarnExpiring(ctx context.Context, instanceID string) (bool, error)
}

type Config struct {
	Interval      time.Duration
	TickDeadline  time.Duration
	BatchSize     int
	WarningWindow time.Duration // 0 disables expiry warnings
}

// TickResult counts what one tick did. Deferred instances were candidates
// the tick had no time left for.
type TickResult struct {
	Candidates int
	Expired    int
	Skipped    int
	Failed     int
	Deferred   int
	Warned     int
}

type Scheduler struct {
	expirer Expirer
	cfg     Config
	now     func() time.Time
}

func New(expirer Expirer, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.TickDeadline <= 0 || cfg.TickDeadline > cfg.Interval {
		cfg.TickDeadline = cfg.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Scheduler{
		expirer: expirer,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Run ticks until ctx is done. The first tick runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	log.Infof("expiry scheduler started, interval %s, deadline %s", s.cfg.Interval, s.cfg.TickDeadline)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			log.Info("expiry scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one sweep under the per-tick deadline. It never returns an
// error: failures are logged and their instances stay candidates.
func (s *Scheduler) Tick(parent context.Context) TickResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.TickDeadline)
	defer cancel()

	now := s.now()
	var res TickResult
	s.expire(ctx, now, &res)
	if s.cfg.WarningWindow > 0 {
		s.warn(ctx, now, &res)
	}

	observability.RecordExpiryTick(res.Expired, res.Skipped, res.Failed, res.Deferred, res.Warned, time.Since(start))
	if res.Candidates > 0 || res.Warned > 0 || res.Failed > 0 {
		log.WithFields(log.Fields{
			"candidates": res.Candidates,
			"expired":    res.Expired,
			"skipped":    res.Skipped,
			"failed":     res.Failed,
			"deferred":   res.Deferred,
			"warned":     res.Warned,
		}).Info("expiry tick done")
	}
	return res
}

func (s *Scheduler) expire(ctx context.Context, now time.Time, res *TickResult) {
	due, err := s.expirer.DueInstances(ctx, now, s.cfg.BatchSize)
	if err != nil {
		log.Errorf("expiry scan failed: %s", err)
		res.Failed++
		return
	}
	res.Candidates = len(due)

	for n, inst := range due {
		if ctx.Err() != nil {
			res.Deferred += len(due) - n
			return
		}
		expired, err := s.expirer.ExpireInstance(ctx, inst.ID, now)
		switch {
		case err == nil && expired:
			res.Expired++
		case err == nil, errs.Is(err, errs.CodeNotFound):
			res.Skipped++
		case ctx.Err() != nil:
			// rolled back by the deadline, picked up again next tick
			res.Deferred += len(due) - n
			return
		default:
			res.Failed++
			log.WithField("instance_id", inst.ID).Errorf("expire failed: %s", err)
		}
	}
}

func (s *Scheduler) warn(ctx context.Context, now time.Time, res *TickResult) {
	if ctx.Err() != nil {
		return
	}
	soon, err := s.expirer.ExpiringInstances(ctx, now, s.cfg.WarningWindow, s.cfg.BatchSize)
	if err != nil {
		log.Errorf("expiry warning scan failed: %s", err)
		return
	}
	for _, inst := range soon {
		if ctx.Err() != nil {
			return
		}
		warned, err := s.expirer.WarnExpiring(ctx, inst.ID)
		if err != nil {
			log.WithField("instance_id", inst.ID).Warnf("expiry warning failed: %s", err)
			continue
		}
		if warned {
			res.Warned++
		}
	}
}
