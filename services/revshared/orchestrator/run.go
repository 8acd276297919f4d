package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"revshare/services/revshared/settlement"
)

// Run drives the scheduler until ctx is cancelled. Period housekeeping,
// payout runs and failure notifications each tick on their own interval.
func (o *Orchestrator) Run(ctx context.Context) error {
	tick := o.clock.NewTicker(o.settings.TickInterval)
	defer tick.Stop()
	settle := o.clock.NewTicker(o.settings.SettleInterval)
	defer settle.Stop()
	notify := o.clock.NewTicker(o.settings.NotifyInterval)
	defer notify.Stop()

	o.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Chan():
			o.runTick(ctx)
		case <-settle.Chan():
			o.runSettle(ctx)
		case <-notify.Chan():
			o.runNotify(ctx)
		}
	}
}

func (o *Orchestrator) runTick(ctx context.Context) {
	if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
		o.logger.Error("orchestrator: tick failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) runSettle(ctx context.Context) {
	summary, err := o.RequestPayoutRun(ctx, "")
	switch {
	case errors.Is(err, settlement.ErrPaused), errors.Is(err, settlement.ErrWorkerBusy):
		o.logger.Debug("orchestrator: payout run skipped", slog.Any("reason", err))
	case err != nil && ctx.Err() == nil:
		o.logger.Error("orchestrator: payout run failed", slog.Any("error", err))
	case summary.Claimed > 0:
		o.logger.Info("orchestrator: payout run",
			slog.Int("claimed", summary.Claimed),
			slog.Duration("duration", summary.Duration))
	}
}

func (o *Orchestrator) runNotify(ctx context.Context) {
	sent, err := o.NotifyFailures(ctx)
	if err != nil && ctx.Err() == nil {
		o.logger.Error("orchestrator: notify failed", slog.Any("error", err))
	}
	if sent > 0 {
		o.logger.Info("orchestrator: failures reported", slog.Int("count", sent))
	}
}
