package risk

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/config"
	"github.com/you/updown-arb/internal/ledger"
	"github.com/you/updown-arb/internal/metrics"
	"github.com/you/updown-arb/internal/types"
)

var rejectLabels = map[ledger.RejectReason]string{
	ledger.RejectInFlight:       "in_flight",
	ledger.RejectExposureCap:    "exposure_cap",
	ledger.RejectBelowMinViable: "below_min_value",
	ledger.RejectImbalance:      "imbalance",
}

// Gate is the policy layer in front of the ledger. It owns the limits and
// delegates the atomic check-and-reserve so no two goroutines can approve
// against the same budget.
type Gate struct {
	ledger *ledger.Ledger
	limits ledger.Limits
	slip   config.SlippagePair
	log    *zap.Logger
}

func NewGate(led *ledger.Ledger, cfg *config.Config, log *zap.Logger) *Gate {
	slip, err := cfg.SlippagePair()
	if err != nil {
		// Load validates the slippage string, so this only fires on a
		// hand-built config; reserving at raw asks is the safe fallback.
		log.Warn("slippage unparseable, reserving at raw ask prices", zap.Error(err))
	}
	return &Gate{
		ledger: led,
		limits: ledger.Limits{
			MaxExposure:        decimal.NewFromFloat(cfg.Risk.MaxExposureUSDC),
			ImbalanceThreshold: decimal.NewFromFloat(cfg.Risk.ImbalanceThreshold),
			MinOrderValue:      decimal.NewFromFloat(cfg.Arbitrage.MinOrderValueUSD),
		},
		slip: slip,
		log:  log,
	}
}

// Approve runs the opportunity through the exposure and imbalance limits.
// On success the ledger holds a reservation for it and the returned
// opportunity carries the (possibly shrunken) approved size; the caller must
// settle the reservation via RecordFill/ReleaseReservation.
func (g *Gate) Approve(opp types.Opportunity) (types.Opportunity, bool) {
	// Reserve at the limit prices the engine will actually submit, so the
	// committed notional can never exceed the reservation.
	yesLimit := types.LimitPrice(opp.YesAsk, g.slip.Yes)
	noLimit := types.LimitPrice(opp.NoAsk, g.slip.No)
	approved, reason := g.ledger.TryReserve(opp.ConditionID, yesLimit, noLimit, opp.Size, g.limits)
	if reason != ledger.RejectNone {
		metrics.OpportunitiesRejected.WithLabelValues(rejectLabels[reason]).Inc()
		g.log.Debug("opportunity rejected",
			zap.String("condition_id", opp.ConditionID),
			zap.String("reason", string(reason)),
			zap.String("size", opp.Size.String()),
			zap.String("total_cost", opp.TotalCost().String()))
		return types.Opportunity{}, false
	}
	if !approved.Equal(opp.Size) {
		g.log.Info("order size shrunk to fit exposure budget",
			zap.String("condition_id", opp.ConditionID),
			zap.String("requested", opp.Size.String()),
			zap.String("approved", approved.String()))
	}
	opp.Size = approved
	return opp, true
}

// Exposure reports the aggregate committed plus reserved notional.
func (g *Gate) Exposure() decimal.Decimal {
	return g.ledger.Exposure()
}
