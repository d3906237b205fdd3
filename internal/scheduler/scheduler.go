package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rephlo/metering/internal/clock"
	"github.com/rephlo/metering/internal/events"
	upgradedomain "github.com/rephlo/metering/internal/upgrade/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	UpgradeSvc upgradedomain.Service
	Dispatcher *events.Dispatcher
	Config     Config `optional:"true"`
}

// Scheduler drives the background jobs: applying scheduled tier credit
// upgrades and draining the event outbox. Every job is re-runnable, so a
// crashed tick is simply picked up on the next one.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	upgradeSvc upgradedomain.Service
	dispatcher *events.Dispatcher
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.UpgradeSvc == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler"),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		upgradeSvc: p.UpgradeSvc,
		dispatcher: p.Dispatcher,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	err := fn(ctx)
	elapsed := time.Since(start)

	if err == nil {
		log.Debug("job finished", zap.Duration("elapsed", elapsed))
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	log.Error("job failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"pending_upgrades", s.isJobEnabled("pending_upgrades"), func(ctx context.Context) error {
			return s.runJob(ctx, "pending_upgrades", s.cfg.JobTimeout, s.PendingUpgradesJob)
		}},
		{"dispatch_outbox", s.isJobEnabled("dispatch_outbox"), func(ctx context.Context) error {
			return s.runJob(ctx, "dispatch_outbox", s.cfg.DispatchTimeout, s.DispatchOutboxJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// PendingUpgradesJob applies due tier credit upgrade rollouts to existing
// subscribers. Batches with failures stay pending and are retried next tick.
func (s *Scheduler) PendingUpgradesJob(ctx context.Context) error {
	batches, err := s.upgradeSvc.ProcessPendingUpgrades(ctx)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		s.log.Info("tier credit upgrade batch processed",
			zap.String("tier", batch.TierName),
			zap.Int("eligible", batch.TotalEligible),
			zap.Int("succeeded", batch.SuccessCount),
			zap.Int("failed", batch.FailureCount),
		)
	}
	return nil
}

// DispatchOutboxJob drains a batch of pending outbox events.
func (s *Scheduler) DispatchOutboxJob(ctx context.Context) error {
	dispatched, err := s.dispatcher.DispatchPending(ctx)
	if err != nil {
		return err
	}
	if dispatched > 0 {
		s.log.Debug("outbox batch dispatched", zap.Int("count", dispatched))
	}
	return nil
}
