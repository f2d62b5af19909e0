package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/types"
)

// Discoverer resolves the tradable markets for a given hourly window.
type Discoverer interface {
	MarketsForWindow(ctx context.Context, windowStart time.Time) ([]types.Market, error)
}

// OpenRisk reports whether a market still carries open orders or reserved
// budget; the scheduler refuses to tear such a market down mid-rollover.
type OpenRisk interface {
	HasOpenRisk(conditionID string) bool
}

const discoverRetryDelay = 2 * time.Second

// Scheduler computes active hourly windows and fetches their markets,
// polling ahead of each window open by the configured advance.
type Scheduler struct {
	disc    Discoverer
	advance time.Duration
	log     *zap.Logger
}

func New(disc Discoverer, advance time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{disc: disc, advance: advance, log: log}
}

// TargetWindow returns the window whose markets should be traded at now.
// Inside the refresh advance of an upcoming boundary it is the next window,
// so the new hour's books are already subscribed when it opens.
func (s *Scheduler) TargetWindow(now time.Time) time.Time {
	next := NextWindowStart(now)
	if !next.Equal(CurrentWindowStart(now)) && next.Sub(now) <= s.advance {
		return next
	}
	return CurrentWindowStart(now)
}

// UntilRefresh returns how long the window containing windowStart is traded
// before discovery runs for its successor: until the window's end minus the
// refresh advance.
func (s *Scheduler) UntilRefresh(windowStart, now time.Time) time.Duration {
	wait := WindowEnd(windowStart).Sub(now) - s.advance
	if wait < 0 {
		return 0
	}
	return wait
}

// ActiveMarkets resolves the target window's markets, retrying on a fixed
// cadence while they do not exist yet. Discovery failures never abort the
// loop; only ctx cancellation does.
func (s *Scheduler) ActiveMarkets(ctx context.Context) ([]types.Market, error) {
	for {
		window := s.TargetWindow(time.Now())
		markets, err := s.disc.MarketsForWindow(ctx, window)
		switch {
		case err != nil:
			s.log.Warn("window discovery failed, retrying", zap.Time("window", window), zap.Error(err))
		case len(markets) > 0:
			s.log.Info("window markets resolved", zap.Time("window", window), zap.Int("count", len(markets)))
			return markets, nil
		default:
			s.log.Info("markets not created yet, retrying", zap.Time("window", window))
		}
		if err := sleepCtx(ctx, discoverRetryDelay); err != nil {
			return nil, err
		}
	}
}

// CanTeardown reports whether a market may leave the active set: its window
// must have ended and the ledger must show no open risk for it. Markets that
// fail the second check are flagged for delayed teardown by the caller.
func CanTeardown(m types.Market, risk OpenRisk, now time.Time) bool {
	if now.Before(m.WindowEnd) {
		return false
	}
	return !risk.HasOpenRisk(m.ConditionID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
