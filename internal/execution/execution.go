package execution

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/clob"
	"github.com/you/updown-arb/internal/config"
	"github.com/you/updown-arb/internal/journal"
	"github.com/you/updown-arb/internal/ledger"
	"github.com/you/updown-arb/internal/metrics"
	"github.com/you/updown-arb/internal/types"
)

// OrderAPI is the slice of the CLOB client the engine needs.
type OrderAPI interface {
	PostBuyOrder(ctx context.Context, lo clob.LimitOrder) (clob.PostResult, error)
	GetOrder(ctx context.Context, orderID string) (*clob.OrderInfo, error)
	CancelOrder(ctx context.Context, orderID string) error
	NegRisk(ctx context.Context, tokenID string) (bool, error)
}

// Status classifies a finished paired execution.
type Status string

const (
	StatusComplete Status = "complete" // both legs fully filled
	StatusPartial  Status = "partial"  // at least one leg under-filled
	StatusFailed   Status = "failed"   // nothing filled on either leg
)

// cancelTimeout bounds the post-timeout cancel and final fill check.
const cancelTimeout = 5 * time.Second

// LegResult is the terminal outcome of one side's buy.
type LegResult struct {
	Outcome types.Outcome
	OrderID string
	Price   decimal.Decimal
	Wanted  decimal.Decimal
	Filled  decimal.Decimal
	Spent   decimal.Decimal
	State   types.OrderState
	Err     error
}

func (r LegResult) fullyFilled() bool {
	return r.Filled.GreaterThanOrEqual(r.Wanted)
}

// Result is the aggregate of both legs.
type Result struct {
	ConditionID string
	Status      Status
	Yes         LegResult
	No          LegResult
}

// Engine turns an approved opportunity into two simultaneous buy orders and
// settles their fills against the ledger. The caller guarantees a reservation
// exists; the engine always releases it on the way out.
type Engine struct {
	api     OrderAPI
	ledger  *ledger.Ledger
	journal *journal.Journal
	log     *zap.Logger

	orderType   types.OrderType
	slip        config.SlippagePair
	gtdExpiry   time.Duration
	pollEvery   time.Duration
	fillTimeout time.Duration
	dryRun      bool
}

func NewEngine(api OrderAPI, led *ledger.Ledger, jrnl *journal.Journal, cfg *config.Config, log *zap.Logger) (*Engine, error) {
	slip, err := cfg.SlippagePair()
	if err != nil {
		return nil, err
	}
	return &Engine{
		api:         api,
		ledger:      led,
		journal:     jrnl,
		log:         log,
		orderType:   types.OrderType(cfg.Execution.OrderType),
		slip:        slip,
		gtdExpiry:   cfg.GTDExpiration(),
		pollEvery:   cfg.FillPoll(),
		fillTimeout: cfg.FillTimeout(),
		dryRun:      cfg.DryRun,
	}, nil
}

// Execute runs the paired buy for an approved opportunity. A one-leg failure
// is reported as partial: the filled leg's exposure stays on the ledger so
// the merge task and recovery can deal with the imbalance.
func (e *Engine) Execute(ctx context.Context, m types.Market, opp types.Opportunity) Result {
	started := time.Now()
	defer func() {
		e.ledger.ReleaseReservation(opp.ConditionID)
		metrics.ExposureUSDC.Set(exposureFloat(e.ledger))
		metrics.ExecutionLatency.Observe(time.Since(started).Seconds())
	}()

	yesPrice := types.LimitPrice(opp.YesAsk, e.slip.Yes)
	noPrice := types.LimitPrice(opp.NoAsk, e.slip.No)

	e.log.Info("executing paired buy",
		zap.String("condition_id", opp.ConditionID),
		zap.String("slug", m.Slug),
		zap.String("yes_price", yesPrice.String()),
		zap.String("no_price", noPrice.String()),
		zap.String("size", opp.Size.String()),
		zap.String("order_type", string(e.orderType)),
		zap.Bool("dry_run", e.dryRun))

	if e.dryRun {
		return e.simulate(ctx, opp, yesPrice, noPrice)
	}

	negRisk, err := e.api.NegRisk(ctx, opp.YesTokenID)
	if err != nil {
		e.log.Warn("neg-risk lookup failed, assuming standard exchange", zap.Error(err))
	}

	var wg sync.WaitGroup
	var yes, no LegResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		yes = e.leg(ctx, opp.ConditionID, opp.YesTokenID, types.OutcomeYes, yesPrice, opp.Size, negRisk)
	}()
	go func() {
		defer wg.Done()
		no = e.leg(ctx, opp.ConditionID, opp.NoTokenID, types.OutcomeNo, noPrice, opp.Size, negRisk)
	}()
	wg.Wait()

	res := Result{ConditionID: opp.ConditionID, Yes: yes, No: no, Status: classify(yes, no)}
	e.settle(ctx, res)
	return res
}

// simulate fills both legs at the limit price so paper runs exercise the
// same ledger accounting as live ones.
func (e *Engine) simulate(ctx context.Context, opp types.Opportunity, yesPrice, noPrice decimal.Decimal) Result {
	e.ledger.RecordFill(opp.ConditionID, types.OutcomeYes, opp.Size, yesPrice.Mul(opp.Size))
	e.ledger.RecordFill(opp.ConditionID, types.OutcomeNo, opp.Size, noPrice.Mul(opp.Size))

	res := Result{
		ConditionID: opp.ConditionID,
		Status:      StatusComplete,
		Yes: LegResult{Outcome: types.OutcomeYes, Price: yesPrice, Wanted: opp.Size,
			Filled: opp.Size, Spent: yesPrice.Mul(opp.Size), State: types.OrderFilled},
		No: LegResult{Outcome: types.OutcomeNo, Price: noPrice, Wanted: opp.Size,
			Filled: opp.Size, Spent: noPrice.Mul(opp.Size), State: types.OrderFilled},
	}
	e.settle(ctx, res)
	return res
}

func (e *Engine) leg(ctx context.Context, conditionID, tokenID string, outcome types.Outcome, price, size decimal.Decimal, negRisk bool) LegResult {
	res := LegResult{Outcome: outcome, Price: price, Wanted: size}

	lo := clob.LimitOrder{
		TokenID: tokenID,
		Price:   price,
		Size:    size,
		Type:    e.orderType,
		NegRisk: negRisk,
	}
	if e.orderType == types.OrderTypeGTD {
		lo.Expiration = time.Now().Add(e.gtdExpiry)
	}

	post, err := e.api.PostBuyOrder(ctx, lo)
	if err != nil {
		res.State = types.OrderRejected
		res.Err = err
		e.log.Error("leg submission failed",
			zap.String("condition_id", conditionID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		return res
	}
	res.OrderID = post.OrderID

	// FOK/FAK resolve in the submission response: either matched amounts or
	// a kill message. Resting types fall through to polling.
	switch e.orderType {
	case types.OrderTypeFOK, types.OrderTypeFAK:
		res.Filled = post.FilledShares()
		res.Spent = post.SpentCollateral()
		if res.Filled.IsPositive() {
			if res.fullyFilled() {
				res.State = types.OrderFilled
			} else {
				res.State = types.OrderPartiallyFilled
			}
		} else {
			res.State = types.OrderRejected
			if post.ErrorMsg != "" {
				e.log.Warn("immediate order killed",
					zap.String("outcome", string(outcome)),
					zap.String("error", post.ErrorMsg))
			}
		}
	default:
		res = e.awaitFill(ctx, res)
	}

	if res.Filled.IsPositive() {
		notional := res.Spent
		if notional.IsZero() {
			notional = res.Price.Mul(res.Filled)
			res.Spent = notional
		}
		e.ledger.RecordFill(conditionID, outcome, res.Filled, notional)
	}
	return res
}

// awaitFill polls a resting order until it reaches a terminal state or the
// fill timeout passes, then cancels whatever remains.
func (e *Engine) awaitFill(ctx context.Context, res LegResult) LegResult {
	deadline := time.Now().Add(e.fillTimeout)
	t := time.NewTicker(e.pollEvery)
	defer t.Stop()

	for {
		info, err := e.api.GetOrder(ctx, res.OrderID)
		if err != nil {
			e.log.Warn("fill poll failed", zap.String("order_id", res.OrderID), zap.Error(err))
		} else {
			res.Filled = info.Matched()
			res.State = info.State()
			if res.State.Terminal() {
				return res
			}
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
		case <-t.C:
			continue
		}
		break
	}

	// Timed out or interrupted with the order still live: cancel the
	// remainder and take one last look at the fill. A fresh context keeps
	// this working during shutdown, when ctx is already cancelled.
	cleanup, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := e.api.CancelOrder(cleanup, res.OrderID); err != nil {
		e.log.Warn("cancel after timeout failed", zap.String("order_id", res.OrderID), zap.Error(err))
	}
	if info, err := e.api.GetOrder(cleanup, res.OrderID); err == nil {
		res.Filled = info.Matched()
		res.State = info.State()
	}
	if !res.State.Terminal() {
		res.State = types.OrderCancelled
	}
	return res
}

func (e *Engine) settle(ctx context.Context, res Result) {
	metrics.ExecutionsTotal.WithLabelValues(string(res.Status)).Inc()

	spent := res.Yes.Spent.Add(res.No.Spent)
	e.journal.Execution(ctx, res.ConditionID, string(res.Status),
		res.Yes.Filled.String(), res.No.Filled.String(), spent.String())

	switch res.Status {
	case StatusComplete:
		e.log.Info("paired buy complete",
			zap.String("condition_id", res.ConditionID),
			zap.String("size", res.Yes.Filled.String()),
			zap.String("spent_usdc", spent.String()))
	case StatusPartial:
		e.log.Warn("paired buy partially filled, exposure left unhedged",
			zap.String("condition_id", res.ConditionID),
			zap.String("yes_filled", res.Yes.Filled.String()),
			zap.String("no_filled", res.No.Filled.String()))
	case StatusFailed:
		e.log.Warn("paired buy failed, nothing filled",
			zap.String("condition_id", res.ConditionID),
			zap.NamedError("yes_err", res.Yes.Err),
			zap.NamedError("no_err", res.No.Err))
	}
}

func classify(yes, no LegResult) Status {
	switch {
	case yes.fullyFilled() && no.fullyFilled():
		return StatusComplete
	case yes.Filled.IsZero() && no.Filled.IsZero():
		return StatusFailed
	default:
		return StatusPartial
	}
}

func exposureFloat(led *ledger.Ledger) float64 {
	f, _ := led.Exposure().Float64()
	return f
}
