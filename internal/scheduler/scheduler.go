// Package scheduler runs the reconciliation sweep: deployments stuck RUNNING
// past the policy timeout are failed through the normal completion path.
package scheduler

import (
	"context"
	"errors"
	"time"

	auditdomain "github.com/siteforge/siteforge/internal/audit/domain"
	"github.com/siteforge/siteforge/internal/auditctx"
	"github.com/siteforge/siteforge/internal/clock"
	"github.com/siteforge/siteforge/internal/config"
	deploymentdomain "github.com/siteforge/siteforge/internal/deployment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	sweepLockKey   = "siteforge:scheduler:reconcile_stuck"
	sweepJobName   = "reconcile_stuck"
	sweepBatchSize = 100
	jobTimeout     = 30 * time.Second
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Policy      *config.PolicyHolder
	Deployments deploymentdomain.Service
	Locker      *Locker `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	clock       clock.Clock
	policy      *config.PolicyHolder
	deployments deploymentdomain.Service
	locker      *Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Policy == nil || p.Deployments == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:       p.Clock,
		policy:      p.Policy,
		deployments: p.Deployments,
		locker:      p.Locker,
	}, nil
}

// RunOnce runs one sweep iteration. With a locker configured only the lease
// holder sweeps; losing the race is not an error.
func (s *Scheduler) RunOnce(parent context.Context) error {
	policy := s.policy.Get().Reconcile

	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()
	ctx = auditctx.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, policy.SweepInterval)
		if err != nil {
			s.log.Warn("sweep lock unavailable, running anyway", zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(ctx, sweepLockKey, token); err != nil {
					s.log.Warn("failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	start := s.clock.Now()
	closed, err := s.deployments.ReconcileStuck(ctx, policy.RunningTimeout, sweepBatchSize)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("sweep timed out",
				zap.String("job", sweepJobName),
				zap.Duration("timeout", jobTimeout),
			)
			return nil
		}
		return err
	}

	if closed > 0 {
		s.log.Info("stuck deployments reconciled",
			zap.String("job", sweepJobName),
			zap.Int("closed", closed),
			zap.Duration("elapsed", s.clock.Now().Sub(start)),
		)
	}
	return nil
}

// RunForever sweeps on the policy interval until the context ends. The
// interval is re-read each tick so policy reloads take effect without a
// restart.
func (s *Scheduler) RunForever(ctx context.Context) {
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		interval := s.policy.Get().Reconcile.SweepInterval
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
