package recovery

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/clob"
	"github.com/you/updown-arb/internal/config"
	"github.com/you/updown-arb/internal/ledger"
	"github.com/you/updown-arb/internal/types"
)

// OrderAPI is the slice of the CLOB client recovery needs.
type OrderAPI interface {
	OpenOrders(ctx context.Context, conditionID string) ([]clob.OrderInfo, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// PositionSource reports exchange-side holdings.
type PositionSource interface {
	ForMarkets(ctx context.Context, conditionIDs []string) ([]types.Position, error)
}

// Summary is what a recovery pass found and did.
type Summary struct {
	OrdersCancelled  int
	StaleOrders      int
	PositionsAdopted int
}

// Reconciler rebuilds ledger state from exchange truth after a restart. It
// must finish before detection starts so the exposure cap sees pre-existing
// positions.
type Reconciler struct {
	orders      OrderAPI
	positions   PositionSource
	ledger      *ledger.Ledger
	maxOrderAge time.Duration
	log         *zap.Logger
}

func NewReconciler(orders OrderAPI, positions PositionSource, led *ledger.Ledger, cfg *config.Config, log *zap.Logger) *Reconciler {
	return &Reconciler{
		orders:      orders,
		positions:   positions,
		ledger:      led,
		maxOrderAge: cfg.MaxOrderAge(),
		log:         log,
	}
}

// Run cancels every resting order left over from the previous process and
// adopts live positions into the ledger. A restarted engine owns no open
// orders, so all of them go; positions survive and feed the merge task.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	open, err := r.orders.OpenOrders(ctx, "")
	if err != nil {
		return sum, err
	}
	now := time.Now()
	for _, o := range open {
		age := now.Sub(time.Unix(o.CreatedAt, 0))
		if r.maxOrderAge > 0 && age > r.maxOrderAge {
			sum.StaleOrders++
			r.log.Warn("cancelling stale order from previous run",
				zap.String("order_id", o.ID),
				zap.String("market", o.Market),
				zap.Duration("age", age))
		} else {
			r.log.Info("cancelling orphaned order from previous run",
				zap.String("order_id", o.ID),
				zap.String("market", o.Market))
		}
		if err := r.orders.CancelOrder(ctx, o.ID); err != nil {
			r.log.Error("cancel during recovery failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		sum.OrdersCancelled++
	}

	held, err := r.positions.ForMarkets(ctx, nil)
	if err != nil {
		return sum, err
	}
	for conditionID, pair := range groupByMarket(held) {
		r.ledger.SetPosition(conditionID,
			pair.yesQty, pair.yesQty.Mul(pair.yesAvg),
			pair.noQty, pair.noQty.Mul(pair.noAvg))
		sum.PositionsAdopted++
		r.log.Info("adopted live position",
			zap.String("condition_id", conditionID),
			zap.String("yes_qty", pair.yesQty.String()),
			zap.String("no_qty", pair.noQty.String()))
	}

	r.log.Info("recovery complete",
		zap.Int("orders_cancelled", sum.OrdersCancelled),
		zap.Int("stale_orders", sum.StaleOrders),
		zap.Int("positions_adopted", sum.PositionsAdopted))
	return sum, nil
}

type marketHoldings struct {
	yesQty decimal.Decimal
	yesAvg decimal.Decimal
	noQty  decimal.Decimal
	noAvg  decimal.Decimal
}

func groupByMarket(held []types.Position) map[string]marketHoldings {
	out := make(map[string]marketHoldings)
	for _, p := range held {
		if !p.Size.IsPositive() {
			continue
		}
		h := out[p.ConditionID]
		if p.Outcome == types.OutcomeYes {
			h.yesQty = h.yesQty.Add(p.Size)
			h.yesAvg = p.AvgPrice
		} else {
			h.noQty = h.noQty.Add(p.Size)
			h.noAvg = p.AvgPrice
		}
		out[p.ConditionID] = h
	}
	return out
}
