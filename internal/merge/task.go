package merge

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/journal"
	"github.com/you/updown-arb/internal/ledger"
	"github.com/you/updown-arb/internal/metrics"
	"github.com/you/updown-arb/internal/types"
)

// Redeemer settles a merge on-chain.
type Redeemer interface {
	Merge(ctx context.Context, conditionID string, qty decimal.Decimal) (txHash string, err error)
}

// PositionSource reports exchange-side holdings.
type PositionSource interface {
	ForMarkets(ctx context.Context, conditionIDs []string) ([]types.Position, error)
}

// RateLimited lets the task distinguish a throttled submission (wait and
// retry once) from a hard failure (retry next tick).
type RateLimited func(error) bool

const (
	// Merges are settled serially; the chain and the CLOB both dislike bursts.
	interMergeDelay  = 30 * time.Second
	rateLimitBackoff = 12 * time.Second

	minMergeQty = 0.01
)

// Task periodically redeems matched YES/NO holdings back into collateral.
// A zero interval disables the task entirely: Run returns without starting
// a timer.
type Task struct {
	positions   PositionSource
	redeemer    Redeemer
	ledger      *ledger.Ledger
	journal     *journal.Journal
	interval    time.Duration
	mergeDelay  time.Duration
	backoff     time.Duration
	rateLimited RateLimited
	log         *zap.Logger
}

func NewTask(positions PositionSource, redeemer Redeemer, led *ledger.Ledger, jrnl *journal.Journal, interval time.Duration, rateLimited RateLimited, log *zap.Logger) *Task {
	if rateLimited == nil {
		rateLimited = func(error) bool { return false }
	}
	return &Task{
		positions:   positions,
		redeemer:    redeemer,
		ledger:      led,
		journal:     jrnl,
		interval:    interval,
		mergeDelay:  interMergeDelay,
		backoff:     rateLimitBackoff,
		rateLimited: rateLimited,
		log:         log,
	}
}

// Run ticks until the context ends. Failed merges are picked up again on the
// next tick; redemption is not latency-sensitive.
func (t *Task) Run(ctx context.Context) {
	if t.interval <= 0 {
		t.log.Info("merge task disabled")
		return
	}
	t.log.Info("merge task started", zap.Duration("interval", t.interval))

	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := t.RunOnce(ctx); err != nil {
				t.log.Warn("merge cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce plans and settles every currently mergeable market, serially.
func (t *Task) RunOnce(ctx context.Context) error {
	held, err := t.positions.ForMarkets(ctx, nil)
	if err != nil {
		return err
	}

	jobs := PlanJobs(held)
	if len(jobs) == 0 {
		return nil
	}
	t.log.Info("merge cycle planned", zap.Int("jobs", len(jobs)))

	for i, job := range jobs {
		if i > 0 {
			if err := sleepCtx(ctx, t.mergeDelay); err != nil {
				return err
			}
		}
		t.settle(ctx, job)
	}
	return nil
}

func (t *Task) settle(ctx context.Context, job types.MergeJob) {
	job.Status = types.MergeSubmitted
	txHash, err := t.redeemer.Merge(ctx, job.ConditionID, job.Quantity)
	if err != nil && t.rateLimited(err) {
		t.log.Warn("merge rate limited, backing off",
			zap.String("condition_id", job.ConditionID),
			zap.Duration("backoff", t.backoff))
		if sleepCtx(ctx, t.backoff) != nil {
			return
		}
		txHash, err = t.redeemer.Merge(ctx, job.ConditionID, job.Quantity)
	}
	job.TxHash = txHash

	if err != nil {
		job.Status = types.MergeFailed
		metrics.MergesTotal.WithLabelValues("failed").Inc()
		t.journal.Merge(ctx, job, err.Error())
		t.log.Error("merge failed, will retry next cycle",
			zap.String("condition_id", job.ConditionID),
			zap.String("quantity", job.Quantity.String()),
			zap.Error(err))
		return
	}

	job.Status = types.MergeConfirmed
	t.ledger.ApplyMerge(job.ConditionID, job.Quantity)
	metrics.MergesTotal.WithLabelValues("confirmed").Inc()
	t.journal.Merge(ctx, job, "")
	t.log.Info("merge confirmed",
		zap.String("condition_id", job.ConditionID),
		zap.String("quantity", job.Quantity.String()),
		zap.String("tx", job.TxHash))
}

// PlanJobs pairs up holdings per market and plans a redemption of
// min(YES qty, NO qty) wherever both sides are held.
func PlanJobs(held []types.Position) []types.MergeJob {
	minQty := decimal.NewFromFloat(minMergeQty)

	type pair struct{ yes, no decimal.Decimal }
	byMarket := make(map[string]pair)
	order := make([]string, 0)
	for _, p := range held {
		h, seen := byMarket[p.ConditionID]
		if !seen {
			order = append(order, p.ConditionID)
		}
		if p.Outcome == types.OutcomeYes {
			h.yes = h.yes.Add(p.Size)
		} else {
			h.no = h.no.Add(p.Size)
		}
		byMarket[p.ConditionID] = h
	}

	jobs := make([]types.MergeJob, 0, len(byMarket))
	for _, conditionID := range order {
		h := byMarket[conditionID]
		qty := decimal.Min(h.yes, h.no)
		if qty.LessThan(minQty) {
			continue
		}
		jobs = append(jobs, types.MergeJob{
			ConditionID: conditionID,
			Quantity:    qty,
			Status:      types.MergePlanned,
		})
	}
	return jobs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
