package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome identifies one side of a binary Up/Down market. Up maps to YES,
// Down to NO in the CLOB token pair.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// OrderType mirrors the CLOB order lifetime/fill policies.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeGTD OrderType = "GTD"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeFAK OrderType = "FAK"
)

// OrderState is monotonic: once terminal it never re-opens.
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderExpired         OrderState = "EXPIRED"
	OrderRejected        OrderState = "REJECTED"
)

// Terminal reports whether s is a final order state.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// Market is one hourly Up/Down market. Immutable once discovered; the
// scheduler supersedes it with the next window's market instead of mutating.
type Market struct {
	ConditionID string
	Slug        string
	Symbol      string
	Question    string
	YesTokenID  string
	NoTokenID   string
	WindowStart time.Time
	WindowEnd   time.Time
}

// TokenID returns the CLOB token id for the given outcome.
func (m Market) TokenID(o Outcome) string {
	if o == OutcomeYes {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// BookSnapshot is the latest best-ask view of one side of a market.
// The feed overwrites it on every update; snapshots carrying an older
// timestamp than the stored one are discarded.
type BookSnapshot struct {
	ConditionID string
	TokenID     string
	Outcome     Outcome
	BestAsk     decimal.Decimal
	AskSize     decimal.Decimal
	UpdatedAt   time.Time
}

// Fresh reports whether the snapshot was updated within maxAge of now.
func (s BookSnapshot) Fresh(now time.Time, maxAge time.Duration) bool {
	if s.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(s.UpdatedAt) <= maxAge
}

// Opportunity is a detected riskless spread: buying both asks costs less
// than the 1.00 USDC the pair redeems for. Produced and consumed within a
// single detection cycle, never persisted.
type Opportunity struct {
	ConditionID string
	YesTokenID  string
	NoTokenID   string
	YesAsk      decimal.Decimal
	NoAsk       decimal.Decimal
	Spread      decimal.Decimal // 1 - (yesAsk + noAsk)
	ProfitRatio decimal.Decimal // spread / (yesAsk + noAsk)
	Size        decimal.Decimal // shares, bounded by depth and configured cap
	Ts          time.Time
}

// TotalCost is the combined notional of buying both legs at Size.
func (o Opportunity) TotalCost() decimal.Decimal {
	return o.YesAsk.Add(o.NoAsk).Mul(o.Size)
}

// maxLimitPrice is the venue's price ceiling for a binary outcome tick.
var maxLimitPrice = decimal.RequireFromString("0.99")

// LimitPrice widens an ask by the slippage fraction, clamped to the 0.99
// ceiling and rounded to the cent tick. Both the risk gate's reservation and
// the submitted order use it, so committed notional can never exceed what was
// reserved.
func LimitPrice(ask, slip decimal.Decimal) decimal.Decimal {
	p := ask.Mul(decimal.NewFromInt(1).Add(slip)).Round(2)
	if p.GreaterThan(maxLimitPrice) {
		return maxLimitPrice
	}
	return p
}

// Position is exchange-reported truth: the quantity of one outcome token
// held for a market. Recovery and the merge task reconcile against it.
type Position struct {
	ConditionID  string
	TokenID      string
	Outcome      Outcome
	OutcomeIndex int
	Size         decimal.Decimal
	AvgPrice     decimal.Decimal
}

// MergeStatus tracks a MergeJob through redemption.
type MergeStatus string

const (
	MergePlanned   MergeStatus = "PLANNED"
	MergeSubmitted MergeStatus = "SUBMITTED"
	MergeConfirmed MergeStatus = "CONFIRMED"
	MergeFailed    MergeStatus = "FAILED"
)

// MergeJob redeems min(YES, NO) held quantity of a market back to collateral.
type MergeJob struct {
	ConditionID string
	Quantity    decimal.Decimal
	Status      MergeStatus
	TxHash      string
}
