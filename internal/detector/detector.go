package detector

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/you/updown-arb/internal/config"
	"github.com/you/updown-arb/internal/types"
)

var one = decimal.NewFromInt(1)

// Params are the detection thresholds. All decision state lives here; the
// detector itself is stateless so identical inputs always yield identical
// output.
type Params struct {
	MinProfitThreshold decimal.Decimal
	ExecutionSpread    decimal.Decimal
	MinYesPrice        decimal.Decimal
	StopBeforeEnd      time.Duration
	MaxOrderSize       decimal.Decimal
	MinOrderValue      decimal.Decimal
	StaleAfter         time.Duration
}

func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MinProfitThreshold: decimal.NewFromFloat(cfg.Arbitrage.MinProfitThreshold),
		ExecutionSpread:    decimal.NewFromFloat(cfg.Arbitrage.ExecutionSpread),
		MinYesPrice:        decimal.NewFromFloat(cfg.Arbitrage.MinYesPriceThreshold),
		StopBeforeEnd:      time.Duration(cfg.Arbitrage.StopBeforeEndMinutes) * time.Minute,
		MaxOrderSize:       decimal.NewFromFloat(cfg.Arbitrage.MaxOrderSizeUSDC),
		MinOrderValue:      decimal.NewFromFloat(cfg.Arbitrage.MinOrderValueUSD),
		StaleAfter:         cfg.StaleAfter(),
	}
}

// Evaluate inspects the YES/NO best-ask pair of one market and reports an
// opportunity when buying both sides costs less than their combined 1.00
// redemption value by at least the configured margin. Stale sides, wind-down
// windows and filtered prices all yield no opportunity.
func Evaluate(yes, no types.BookSnapshot, marketEnd time.Time, now time.Time, p Params) (types.Opportunity, bool) {
	if !yes.Fresh(now, p.StaleAfter) || !no.Fresh(now, p.StaleAfter) {
		return types.Opportunity{}, false
	}

	// Wind-down: stop opening new spreads close to window end.
	if p.StopBeforeEnd > 0 && now.After(marketEnd.Add(-p.StopBeforeEnd)) {
		return types.Opportunity{}, false
	}

	yesAsk := yes.BestAsk.Round(2)
	noAsk := no.BestAsk.Round(2)
	if !yesAsk.IsPositive() || !noAsk.IsPositive() {
		return types.Opportunity{}, false
	}

	// Near-zero YES asks mean an illiquid or already-decided market.
	if p.MinYesPrice.IsPositive() && yesAsk.LessThan(p.MinYesPrice) {
		return types.Opportunity{}, false
	}

	total := yesAsk.Add(noAsk)
	spread := one.Sub(total)
	if spread.LessThan(p.ExecutionSpread) {
		return types.Opportunity{}, false
	}
	profitRatio := spread.Div(total)
	if profitRatio.LessThan(p.MinProfitThreshold) {
		return types.Opportunity{}, false
	}

	size := decimal.Min(yes.AskSize, no.AskSize, p.MaxOrderSize).RoundDown(2)
	if !size.IsPositive() {
		return types.Opportunity{}, false
	}
	// Both legs must clear the venue's minimum order value.
	if yesAsk.Mul(size).LessThan(p.MinOrderValue) || noAsk.Mul(size).LessThan(p.MinOrderValue) {
		return types.Opportunity{}, false
	}

	return types.Opportunity{
		ConditionID: yes.ConditionID,
		YesTokenID:  yes.TokenID,
		NoTokenID:   no.TokenID,
		YesAsk:      yesAsk,
		NoAsk:       noAsk,
		Spread:      spread,
		ProfitRatio: profitRatio,
		Size:        size,
		Ts:          now,
	}, true
}
