// Package scheduler runs the billing-run and credit-expiry sweeps on an
// interval.
package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/ledgerd/internal/billingrun"
	"github.com/smallbiznis/ledgerd/internal/clock"
	"github.com/smallbiznis/ledgerd/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobTimeout = 10 * time.Minute

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Engine *config.EngineConfigHolder
	Runner *billingrun.Runner
}

type Scheduler struct {
	log    *zap.Logger
	clock  clock.Clock
	engine *config.EngineConfigHolder
	runner *billingrun.Runner
}

func New(p Params) *Scheduler {
	return &Scheduler{
		log:    p.Log.Named("scheduler"),
		clock:  p.Clock,
		engine: p.Engine,
		runner: p.Runner,
	}
}

// RunForever sweeps until the context is canceled. The interval is re-read
// every tick so config reloads take effect without a restart.
func (s *Scheduler) RunForever(ctx context.Context) {
	for {
		interval := s.engine.Get().SchedulerInterval
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := s.clock.Now()
	if err := s.runner.RunOnce(ctx); err != nil {
		s.log.Error("scheduler sweep finished with errors",
			zap.Duration("elapsed", s.clock.Now().Sub(start)),
			zap.Error(err),
		)
		return
	}
	s.log.Debug("scheduler sweep completed",
		zap.Duration("elapsed", s.clock.Now().Sub(start)),
	)
}
