package merge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/journal"
	"github.com/you/updown-arb/internal/ledger"
	"github.com/you/updown-arb/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubPositions struct {
	held []types.Position
	err  error
}

func (s *stubPositions) ForMarkets(context.Context, []string) ([]types.Position, error) {
	return s.held, s.err
}

type stubRedeemer struct {
	calls    int32
	failures int32 // fail this many leading calls
	err      error
}

func (s *stubRedeemer) Merge(_ context.Context, _ string, _ decimal.Decimal) (string, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= s.failures {
		return "", s.err
	}
	return "0xtxhash", nil
}

func nopJournal() *journal.Journal {
	return journal.NewWithClient(nil, "", zap.NewNop())
}

func TestPlanJobsPairsHoldings(t *testing.T) {
	held := []types.Position{
		{ConditionID: "0xa", Outcome: types.OutcomeYes, Size: d("30")},
		{ConditionID: "0xa", Outcome: types.OutcomeNo, Size: d("12")},
		{ConditionID: "0xb", Outcome: types.OutcomeYes, Size: d("5")}, // one-sided
	}

	jobs := PlanJobs(held)
	require.Len(t, jobs, 1)
	assert.Equal(t, "0xa", jobs[0].ConditionID)
	assert.True(t, jobs[0].Quantity.Equal(d("12")), "merge quantity = min(30, 12), got %s", jobs[0].Quantity)
	assert.Equal(t, types.MergePlanned, jobs[0].Status)
}

func TestPlanJobsSkipsDust(t *testing.T) {
	held := []types.Position{
		{ConditionID: "0xa", Outcome: types.OutcomeYes, Size: d("0.005")},
		{ConditionID: "0xa", Outcome: types.OutcomeNo, Size: d("0.005")},
	}
	assert.Empty(t, PlanJobs(held))
}

func TestRunOnceConfirmsAndUpdatesLedger(t *testing.T) {
	led := ledger.New()
	led.SetPosition("0xa", d("30"), d("15"), d("12"), d("6"))

	pos := &stubPositions{held: []types.Position{
		{ConditionID: "0xa", Outcome: types.OutcomeYes, Size: d("30")},
		{ConditionID: "0xa", Outcome: types.OutcomeNo, Size: d("12")},
	}}
	red := &stubRedeemer{}
	task := NewTask(pos, red, led, nopJournal(), time.Minute, nil, zap.NewNop())

	require.NoError(t, task.RunOnce(context.Background()))

	assert.Equal(t, int32(1), red.calls)
	e, ok := led.Entry("0xa")
	require.True(t, ok)
	assert.True(t, e.YesQty.Equal(d("18")), "30 - 12 after merge, got %s", e.YesQty)
	assert.True(t, e.NoQty.IsZero())
}

func TestRunOnceFailedMergeLeavesLedgerUntouched(t *testing.T) {
	led := ledger.New()
	led.SetPosition("0xa", d("10"), d("5"), d("10"), d("5"))

	pos := &stubPositions{held: []types.Position{
		{ConditionID: "0xa", Outcome: types.OutcomeYes, Size: d("10")},
		{ConditionID: "0xa", Outcome: types.OutcomeNo, Size: d("10")},
	}}
	red := &stubRedeemer{failures: 10, err: errors.New("revert")}
	task := NewTask(pos, red, led, nopJournal(), time.Minute, nil, zap.NewNop())

	require.NoError(t, task.RunOnce(context.Background()))

	e, ok := led.Entry("0xa")
	require.True(t, ok)
	assert.True(t, e.YesQty.Equal(d("10")), "failed merge must not decrement holdings")
}

func TestRateLimitedMergeRetriesOnce(t *testing.T) {
	led := ledger.New()
	pos := &stubPositions{held: []types.Position{
		{ConditionID: "0xa", Outcome: types.OutcomeYes, Size: d("10")},
		{ConditionID: "0xa", Outcome: types.OutcomeNo, Size: d("10")},
	}}
	rateErr := errors.New("429 too many requests")
	red := &stubRedeemer{failures: 1, err: rateErr}
	task := NewTask(pos, red, led, nopJournal(), time.Minute,
		func(err error) bool { return errors.Is(err, rateErr) }, zap.NewNop())
	task.backoff = time.Millisecond

	require.NoError(t, task.RunOnce(context.Background()))
	assert.Equal(t, int32(2), red.calls, "one throttled attempt plus one retry")
}

func TestZeroIntervalNeverTicks(t *testing.T) {
	pos := &stubPositions{held: []types.Position{
		{ConditionID: "0xa", Outcome: types.OutcomeYes, Size: d("10")},
		{ConditionID: "0xa", Outcome: types.OutcomeNo, Size: d("10")},
	}}
	red := &stubRedeemer{}
	task := NewTask(pos, red, ledger.New(), nopJournal(), 0, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		task.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled task must return immediately")
	}
	assert.Equal(t, int32(0), red.calls, "no merges may happen with interval 0")
}
