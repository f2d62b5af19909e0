package ledger

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/updown-arb/internal/types"
)

func testLimits() Limits {
	return Limits{
		MaxExposure:        decimal.NewFromInt(1000),
		ImbalanceThreshold: decimal.NewFromFloat(0.5),
		MinOrderValue:      decimal.NewFromInt(1),
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTryReserveApprovesWithinBudget(t *testing.T) {
	l := New()

	approved, reason := l.TryReserve("0xa", d("0.46"), d("0.52"), d("50"), testLimits())
	require.Equal(t, RejectNone, reason)
	assert.True(t, approved.Equal(d("50")))
	assert.True(t, l.Exposure().Equal(d("49")), "0.98 * 50 reserved, got %s", l.Exposure())
	assert.True(t, l.InFlight("0xa"))
}

func TestTryReserveShrinksToFit(t *testing.T) {
	l := New()

	// Commit 950 of the 1000 budget on another market.
	l.RecordFill("0xbusy", types.OutcomeYes, d("950"), d("475"))
	l.RecordFill("0xbusy", types.OutcomeNo, d("950"), d("475"))

	// Candidate wants 100 shares at 0.50+0.50 = 100 USDC; only 50 remains.
	approved, reason := l.TryReserve("0xa", d("0.50"), d("0.50"), d("100"), testLimits())
	require.Equal(t, RejectNone, reason)
	assert.True(t, approved.Equal(d("50")), "expected shrink to 50 shares, got %s", approved)
	assert.True(t, l.Exposure().LessThanOrEqual(d("1000")))
}

func TestTryReserveRejectsWhenBudgetExhausted(t *testing.T) {
	l := New()
	l.RecordFill("0xbusy", types.OutcomeYes, d("1000"), d("500"))
	l.RecordFill("0xbusy", types.OutcomeNo, d("1000"), d("500"))

	approved, reason := l.TryReserve("0xa", d("0.50"), d("0.50"), d("10"), testLimits())
	assert.Equal(t, RejectExposureCap, reason)
	assert.True(t, approved.IsZero())
	assert.False(t, l.InFlight("0xa"))
}

func TestTryReserveRejectsShrunkenBelowMinValue(t *testing.T) {
	l := New()
	l.RecordFill("0xbusy", types.OutcomeYes, d("999"), d("499.5"))
	l.RecordFill("0xbusy", types.OutcomeNo, d("999"), d("499.5"))

	// Remaining budget is 1 USDC; each leg would be ~0.50, under the minimum.
	_, reason := l.TryReserve("0xa", d("0.50"), d("0.50"), d("10"), testLimits())
	assert.Equal(t, RejectBelowMinViable, reason)
}

func TestTryReserveSingleFlight(t *testing.T) {
	l := New()

	_, reason := l.TryReserve("0xa", d("0.46"), d("0.52"), d("10"), testLimits())
	require.Equal(t, RejectNone, reason)

	_, reason = l.TryReserve("0xa", d("0.46"), d("0.52"), d("10"), testLimits())
	assert.Equal(t, RejectInFlight, reason, "second reservation for the same market must be refused")

	l.ReleaseReservation("0xa")
	_, reason = l.TryReserve("0xa", d("0.46"), d("0.52"), d("10"), testLimits())
	assert.Equal(t, RejectNone, reason, "after release the market is reservable again")
}

func TestConcurrentReservationsNeverExceedCap(t *testing.T) {
	l := New()
	lim := testLimits()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			l.TryReserve("0x"+id, d("0.50"), d("0.49"), d("40"), lim)
		}(i)
	}
	wg.Wait()

	assert.True(t, l.Exposure().LessThanOrEqual(lim.MaxExposure),
		"aggregate exposure %s must never exceed the cap", l.Exposure())
}

func TestRecordFillMovesReservedToCommitted(t *testing.T) {
	l := New()
	approved, reason := l.TryReserve("0xa", d("0.46"), d("0.52"), d("50"), testLimits())
	require.Equal(t, RejectNone, reason)

	l.RecordFill("0xa", types.OutcomeYes, approved, d("0.46").Mul(approved))
	l.RecordFill("0xa", types.OutcomeNo, approved, d("0.52").Mul(approved))
	l.ReleaseReservation("0xa")

	e, ok := l.Entry("0xa")
	require.True(t, ok)
	assert.True(t, e.YesQty.Equal(d("50")))
	assert.True(t, e.NoQty.Equal(d("50")))
	assert.False(t, e.InFlight)
	assert.True(t, l.Exposure().Equal(d("49")), "committed exposure survives release, got %s", l.Exposure())
}

func TestReleaseWithoutFillClearsEntry(t *testing.T) {
	l := New()
	_, reason := l.TryReserve("0xa", d("0.46"), d("0.52"), d("50"), testLimits())
	require.Equal(t, RejectNone, reason)

	l.ReleaseReservation("0xa")

	assert.True(t, l.Exposure().IsZero())
	assert.False(t, l.HasOpenRisk("0xa"))
	_, ok := l.Entry("0xa")
	assert.False(t, ok, "empty entry is removed")
}

func TestApplyMergeDecrementsBothSides(t *testing.T) {
	l := New()
	l.RecordFill("0xa", types.OutcomeYes, d("30"), d("15"))
	l.RecordFill("0xa", types.OutcomeNo, d("12"), d("6"))

	l.ApplyMerge("0xa", d("12"))

	e, ok := l.Entry("0xa")
	require.True(t, ok)
	assert.True(t, e.YesQty.Equal(d("18")), "30 - 12, got %s", e.YesQty)
	assert.True(t, e.NoQty.IsZero(), "12 - 12, got %s", e.NoQty)
	assert.True(t, e.NoNotional.IsZero(), "NO notional fully released")
	assert.True(t, e.YesNotional.Equal(d("9")), "YES notional reduced proportionally, got %s", e.YesNotional)
}

func TestApplyMergeFullPositionRemovesEntry(t *testing.T) {
	l := New()
	l.RecordFill("0xa", types.OutcomeYes, d("20"), d("10"))
	l.RecordFill("0xa", types.OutcomeNo, d("20"), d("10"))

	l.ApplyMerge("0xa", d("20"))

	assert.False(t, l.HasOpenRisk("0xa"))
	assert.True(t, l.Exposure().IsZero())
}

func TestImbalanceRejection(t *testing.T) {
	l := New()
	// Existing one-sided YES exposure from a partial fill.
	l.RecordFill("0xa", types.OutcomeYes, d("100"), d("50"))

	lim := testLimits()
	lim.ImbalanceThreshold = decimal.NewFromFloat(0.3)

	// A tiny balanced add cannot fix the 100% imbalance, so it is refused.
	_, reason := l.TryReserve("0xa", d("0.50"), d("0.50"), d("4"), lim)
	assert.Equal(t, RejectImbalance, reason)
}

func TestSetPositionOverwritesFilledState(t *testing.T) {
	l := New()
	l.RecordFill("0xa", types.OutcomeYes, d("5"), d("2.5"))

	l.SetPosition("0xa", d("30"), d("15"), d("12"), d("6"))

	e, ok := l.Entry("0xa")
	require.True(t, ok)
	assert.True(t, e.YesQty.Equal(d("30")))
	assert.True(t, e.NoQty.Equal(d("12")))
	assert.True(t, l.HasOpenRisk("0xa"))
}

func TestDustCleanup(t *testing.T) {
	l := New()
	l.SetPosition("0xa", d("0.00005"), d("0.001"), d("0"), d("0"))

	assert.False(t, l.HasOpenRisk("0xa"), "sub-epsilon residue is dust, not risk")
}
