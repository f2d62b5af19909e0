package ledger

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/you/updown-arb/internal/types"
)

// Cleanup thresholds: entries whose residual quantity/cost fall below these
// are dust from decimal rounding, not real positions.
var (
	qtyEpsilon  = decimal.RequireFromString("0.0001")
	costEpsilon = decimal.RequireFromString("0.01")
)

// Entry is the per-market exposure record: filled quantity and notional per
// side, plus notional reserved for an execution that has not yet settled.
type Entry struct {
	ConditionID string
	YesQty      decimal.Decimal
	NoQty       decimal.Decimal
	YesNotional decimal.Decimal
	NoNotional  decimal.Decimal
	ReservedYes decimal.Decimal
	ReservedNo  decimal.Decimal
	InFlight    bool
}

func (e *Entry) committed() decimal.Decimal {
	return e.YesNotional.Add(e.NoNotional)
}

func (e *Entry) reserved() decimal.Decimal {
	return e.ReservedYes.Add(e.ReservedNo)
}

// Imbalance is |YES notional − NO notional| including reservations.
func (e *Entry) Imbalance() decimal.Decimal {
	yes := e.YesNotional.Add(e.ReservedYes)
	no := e.NoNotional.Add(e.ReservedNo)
	return yes.Sub(no).Abs()
}

func (e *Entry) empty() bool {
	return !e.InFlight &&
		e.reserved().LessThan(costEpsilon) &&
		e.committed().LessThan(costEpsilon) &&
		e.YesQty.LessThan(qtyEpsilon) &&
		e.NoQty.LessThan(qtyEpsilon)
}

// Limits parameterizes an atomic check-and-reserve. The values belong to the
// risk gate's configuration; the ledger only guarantees they are applied in
// one critical section.
type Limits struct {
	MaxExposure        decimal.Decimal
	ImbalanceThreshold decimal.Decimal
	MinOrderValue      decimal.Decimal
}

// RejectReason explains a refused reservation.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectInFlight       RejectReason = "execution already in flight"
	RejectExposureCap    RejectReason = "exposure cap exhausted"
	RejectBelowMinViable RejectReason = "shrunken size below minimum order value"
	RejectImbalance      RejectReason = "imbalance limit exceeded"
)

// Ledger tracks committed and reserved capital per market. All mutation goes
// through one mutex held only for in-memory work, never across I/O.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func New() *Ledger {
	return &Ledger{entries: make(map[string]*Entry)}
}

func (l *Ledger) get(conditionID string) *Entry {
	e, ok := l.entries[conditionID]
	if !ok {
		e = &Entry{ConditionID: conditionID}
		l.entries[conditionID] = e
	}
	return e
}

func (l *Ledger) cleanupLocked(conditionID string) {
	if e, ok := l.entries[conditionID]; ok && e.empty() {
		delete(l.entries, conditionID)
	}
}

// Exposure is the aggregate committed plus reserved notional across markets.
func (l *Ledger) Exposure() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exposureLocked()
}

func (l *Ledger) exposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, e := range l.entries {
		total = total.Add(e.committed()).Add(e.reserved())
	}
	return total
}

// TryReserve atomically checks the candidate paired trade against the limits
// and, if approvable, reserves its notional and marks the market in flight.
// The size may be shrunk to fit the remaining exposure budget; the returned
// size is the approved one. At most one execution per market may hold a
// reservation at a time.
func (l *Ledger) TryReserve(conditionID string, yesPrice, noPrice, size decimal.Decimal, lim Limits) (decimal.Decimal, RejectReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.get(conditionID)
	if e.InFlight {
		l.cleanupLocked(conditionID)
		return decimal.Zero, RejectInFlight
	}

	perShare := yesPrice.Add(noPrice)
	if perShare.IsZero() || size.IsZero() {
		l.cleanupLocked(conditionID)
		return decimal.Zero, RejectBelowMinViable
	}

	// Shrink-to-fit: scale the candidate down to the remaining budget
	// instead of rejecting outright.
	remaining := lim.MaxExposure.Sub(l.exposureLocked())
	approved := size
	if perShare.Mul(approved).GreaterThan(remaining) {
		if remaining.LessThanOrEqual(decimal.Zero) {
			l.cleanupLocked(conditionID)
			return decimal.Zero, RejectExposureCap
		}
		approved = remaining.Div(perShare).RoundDown(2)
	}
	if approved.IsZero() ||
		yesPrice.Mul(approved).LessThan(lim.MinOrderValue) ||
		noPrice.Mul(approved).LessThan(lim.MinOrderValue) {
		l.cleanupLocked(conditionID)
		return decimal.Zero, RejectBelowMinViable
	}

	yesNotional := yesPrice.Mul(approved)
	noNotional := noPrice.Mul(approved)

	projYes := e.YesNotional.Add(e.ReservedYes).Add(yesNotional)
	projNo := e.NoNotional.Add(e.ReservedNo).Add(noNotional)
	projTotal := projYes.Add(projNo)
	if lim.ImbalanceThreshold.IsPositive() && projTotal.IsPositive() {
		if projYes.Sub(projNo).Abs().GreaterThan(lim.ImbalanceThreshold.Mul(projTotal)) {
			l.cleanupLocked(conditionID)
			return decimal.Zero, RejectImbalance
		}
	}

	e.InFlight = true
	e.ReservedYes = e.ReservedYes.Add(yesNotional)
	e.ReservedNo = e.ReservedNo.Add(noNotional)
	return approved, RejectNone
}

// RecordFill converts reserved budget into committed exposure for the
// actually-filled amount of one leg. Unfilled remainder stays reserved until
// ReleaseReservation runs.
func (l *Ledger) RecordFill(conditionID string, outcome types.Outcome, qty, notional decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.get(conditionID)
	switch outcome {
	case types.OutcomeYes:
		e.YesQty = e.YesQty.Add(qty)
		e.YesNotional = e.YesNotional.Add(notional)
		e.ReservedYes = decimal.Max(decimal.Zero, e.ReservedYes.Sub(notional))
	case types.OutcomeNo:
		e.NoQty = e.NoQty.Add(qty)
		e.NoNotional = e.NoNotional.Add(notional)
		e.ReservedNo = decimal.Max(decimal.Zero, e.ReservedNo.Sub(notional))
	}
}

// ReleaseReservation drops any reserved-but-unfilled budget for the market
// and clears the in-flight marker. Call exactly once when an execution
// reaches a terminal state.
func (l *Ledger) ReleaseReservation(conditionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[conditionID]
	if !ok {
		return
	}
	e.ReservedYes = decimal.Zero
	e.ReservedNo = decimal.Zero
	e.InFlight = false
	l.cleanupLocked(conditionID)
}

// ApplyMerge decrements both sides by the merged quantity and reduces each
// side's notional proportionally to the quantity removed.
func (l *Ledger) ApplyMerge(conditionID string, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[conditionID]
	if !ok {
		return
	}
	e.YesQty, e.YesNotional = reduceSide(e.YesQty, e.YesNotional, qty)
	e.NoQty, e.NoNotional = reduceSide(e.NoQty, e.NoNotional, qty)
	l.cleanupLocked(conditionID)
}

func reduceSide(haveQty, haveNotional, removeQty decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if haveQty.LessThanOrEqual(decimal.Zero) {
		return haveQty, haveNotional
	}
	removed := decimal.Min(removeQty, haveQty)
	ratio := removed.Div(haveQty)
	newNotional := haveNotional.Mul(decimal.NewFromInt(1).Sub(ratio))
	if newNotional.LessThan(costEpsilon) {
		newNotional = decimal.Zero
	}
	newQty := haveQty.Sub(removed)
	if newQty.LessThan(qtyEpsilon) {
		newQty = decimal.Zero
	}
	return newQty, newNotional
}

// HasOpenRisk reports whether the market still carries filled exposure, a
// live reservation, or an in-flight execution.
func (l *Ledger) HasOpenRisk(conditionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[conditionID]
	if !ok {
		return false
	}
	return !e.empty()
}

// InFlight reports whether an execution currently holds the market's
// single-flight marker.
func (l *Ledger) InFlight(conditionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[conditionID]
	return ok && e.InFlight
}

// Entry returns a copy of the market's record, if any.
func (l *Ledger) Entry(conditionID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[conditionID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a copy of every record, for recovery and reporting.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	return out
}

// Drop removes a market's record entirely. Recovery uses it when the
// exchange shows no corresponding live order or position.
func (l *Ledger) Drop(conditionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, conditionID)
}

// SetPosition overwrites a market's filled state from exchange-reported
// truth, leaving reservations untouched. Recovery uses it to adopt
// untracked live exposure after a restart.
func (l *Ledger) SetPosition(conditionID string, yesQty, yesNotional, noQty, noNotional decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.get(conditionID)
	e.YesQty = yesQty
	e.YesNotional = yesNotional
	e.NoQty = noQty
	e.NoNotional = noNotional
	l.cleanupLocked(conditionID)
}
