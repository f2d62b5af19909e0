package execution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/clob"
	"github.com/you/updown-arb/internal/config"
	"github.com/you/updown-arb/internal/journal"
	"github.com/you/updown-arb/internal/ledger"
	"github.com/you/updown-arb/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeAPI struct {
	mu        sync.Mutex
	posted    []clob.LimitOrder
	byToken   map[string]clob.PostResult
	errByTok  map[string]error
	orders    map[string]*clob.OrderInfo
	cancelled []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		byToken:  make(map[string]clob.PostResult),
		errByTok: make(map[string]error),
		orders:   make(map[string]*clob.OrderInfo),
	}
}

func (f *fakeAPI) PostBuyOrder(_ context.Context, lo clob.LimitOrder) (clob.PostResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, lo)
	if err := f.errByTok[lo.TokenID]; err != nil {
		return clob.PostResult{}, err
	}
	return f.byToken[lo.TokenID], nil
}

func (f *fakeAPI) GetOrder(_ context.Context, orderID string) (*clob.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *o
	return &cp, nil
}

func (f *fakeAPI) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if o, ok := f.orders[orderID]; ok {
		o.Status = "CANCELED"
	}
	return nil
}

func (f *fakeAPI) NegRisk(context.Context, string) (bool, error) { return false, nil }

func testConfig(orderType string) *config.Config {
	cfg := &config.Config{}
	cfg.Execution.OrderType = orderType
	cfg.Execution.Slippage = "0.01,0.02"
	cfg.Execution.FillPollMs = 10
	cfg.Execution.FillTimeoutSecs = 1
	cfg.Execution.GTDExpirationSecs = 60
	return cfg
}

func testMarket() types.Market {
	return types.Market{ConditionID: "0xa", Slug: "bitcoin-up-or-down-january-16-3am-et",
		YesTokenID: "yes-tok", NoTokenID: "no-tok"}
}

func testOpp() types.Opportunity {
	return types.Opportunity{
		ConditionID: "0xa",
		YesTokenID:  "yes-tok",
		NoTokenID:   "no-tok",
		YesAsk:      d("0.46"),
		NoAsk:       d("0.52"),
		Size:        d("50"),
	}
}

func reserve(t *testing.T, led *ledger.Ledger, opp types.Opportunity) {
	t.Helper()
	_, reason := led.TryReserve(opp.ConditionID, opp.YesAsk, opp.NoAsk, opp.Size, ledger.Limits{
		MaxExposure:   d("1000"),
		MinOrderValue: d("1"),
	})
	require.Equal(t, ledger.RejectNone, reason)
}

func nopJournal() *journal.Journal {
	return journal.NewWithClient(nil, "", zap.NewNop())
}

func TestExecuteBothLegsFilled(t *testing.T) {
	api := newFakeAPI()
	api.byToken["yes-tok"] = clob.PostResult{Success: true, OrderID: "y1", Status: "matched", TakingRaw: "50", MakingRaw: "23"}
	api.byToken["no-tok"] = clob.PostResult{Success: true, OrderID: "n1", Status: "matched", TakingRaw: "50", MakingRaw: "26.5"}

	led := ledger.New()
	opp := testOpp()
	reserve(t, led, opp)

	eng, err := NewEngine(api, led, nopJournal(), testConfig("FAK"), zap.NewNop())
	require.NoError(t, err)

	res := eng.Execute(context.Background(), testMarket(), opp)

	assert.Equal(t, StatusComplete, res.Status)
	assert.False(t, led.InFlight("0xa"), "reservation released after terminal state")

	e, ok := led.Entry("0xa")
	require.True(t, ok)
	assert.True(t, e.YesQty.Equal(d("50")))
	assert.True(t, e.NoQty.Equal(d("50")))
	assert.True(t, led.Exposure().Equal(d("49.5")), "committed 23 + 26.5, got %s", led.Exposure())
}

func TestExecuteAppliesPerLegSlippage(t *testing.T) {
	api := newFakeAPI()
	api.byToken["yes-tok"] = clob.PostResult{Success: true, OrderID: "y1", Status: "matched", TakingRaw: "50"}
	api.byToken["no-tok"] = clob.PostResult{Success: true, OrderID: "n1", Status: "matched", TakingRaw: "50"}

	led := ledger.New()
	opp := testOpp()
	reserve(t, led, opp)

	eng, err := NewEngine(api, led, nopJournal(), testConfig("FAK"), zap.NewNop())
	require.NoError(t, err)
	eng.Execute(context.Background(), testMarket(), opp)

	require.Len(t, api.posted, 2)
	prices := map[string]decimal.Decimal{}
	for _, lo := range api.posted {
		prices[lo.TokenID] = lo.Price
	}
	// 0.46 * 1.01 = 0.4646 -> 0.46; 0.52 * 1.02 = 0.5304 -> 0.53.
	assert.True(t, prices["yes-tok"].Equal(d("0.46")), "got %s", prices["yes-tok"])
	assert.True(t, prices["no-tok"].Equal(d("0.53")), "got %s", prices["no-tok"])
}

func TestExecuteOneLegKilled(t *testing.T) {
	api := newFakeAPI()
	api.byToken["yes-tok"] = clob.PostResult{Success: true, OrderID: "y1", Status: "matched", TakingRaw: "50", MakingRaw: "23"}
	api.byToken["no-tok"] = clob.PostResult{Success: true, ErrorMsg: "order killed: insufficient liquidity"}

	led := ledger.New()
	opp := testOpp()
	reserve(t, led, opp)

	eng, err := NewEngine(api, led, nopJournal(), testConfig("FAK"), zap.NewNop())
	require.NoError(t, err)

	res := eng.Execute(context.Background(), testMarket(), opp)

	assert.Equal(t, StatusPartial, res.Status)
	e, ok := led.Entry("0xa")
	require.True(t, ok)
	assert.True(t, e.YesQty.Equal(d("50")), "filled leg stays on the ledger")
	assert.True(t, e.NoQty.IsZero())
	assert.True(t, led.HasOpenRisk("0xa"), "unhedged exposure remains open risk")
	assert.False(t, led.InFlight("0xa"))
}

func TestExecuteBothLegsFailed(t *testing.T) {
	api := newFakeAPI()
	api.errByTok["yes-tok"] = errors.New("503 service unavailable")
	api.errByTok["no-tok"] = errors.New("503 service unavailable")

	led := ledger.New()
	opp := testOpp()
	reserve(t, led, opp)

	eng, err := NewEngine(api, led, nopJournal(), testConfig("FAK"), zap.NewNop())
	require.NoError(t, err)

	res := eng.Execute(context.Background(), testMarket(), opp)

	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, led.Exposure().IsZero(), "nothing filled, nothing committed")
	assert.False(t, led.HasOpenRisk("0xa"))
}

func TestExecuteRestingOrderPolledToFill(t *testing.T) {
	api := newFakeAPI()
	api.byToken["yes-tok"] = clob.PostResult{Success: true, OrderID: "y1", Status: "live"}
	api.byToken["no-tok"] = clob.PostResult{Success: true, OrderID: "n1", Status: "live"}
	api.orders["y1"] = &clob.OrderInfo{ID: "y1", Status: "MATCHED", OriginalSize: "50", SizeMatched: "50", Price: "0.46"}
	api.orders["n1"] = &clob.OrderInfo{ID: "n1", Status: "MATCHED", OriginalSize: "50", SizeMatched: "50", Price: "0.53"}

	led := ledger.New()
	opp := testOpp()
	reserve(t, led, opp)

	eng, err := NewEngine(api, led, nopJournal(), testConfig("GTC"), zap.NewNop())
	require.NoError(t, err)

	res := eng.Execute(context.Background(), testMarket(), opp)

	assert.Equal(t, StatusComplete, res.Status)
	assert.Empty(t, api.cancelled)
}

func TestExecuteRestingOrderTimeoutCancelsRemainder(t *testing.T) {
	api := newFakeAPI()
	api.byToken["yes-tok"] = clob.PostResult{Success: true, OrderID: "y1", Status: "live"}
	api.byToken["no-tok"] = clob.PostResult{Success: true, OrderID: "n1", Status: "live"}
	// YES rests half-filled forever; NO fills immediately.
	api.orders["y1"] = &clob.OrderInfo{ID: "y1", Status: "LIVE", OriginalSize: "50", SizeMatched: "20", Price: "0.46"}
	api.orders["n1"] = &clob.OrderInfo{ID: "n1", Status: "MATCHED", OriginalSize: "50", SizeMatched: "50", Price: "0.53"}

	led := ledger.New()
	opp := testOpp()
	reserve(t, led, opp)

	eng, err := NewEngine(api, led, nopJournal(), testConfig("GTC"), zap.NewNop())
	require.NoError(t, err)

	res := eng.Execute(context.Background(), testMarket(), opp)

	assert.Equal(t, StatusPartial, res.Status)
	assert.Contains(t, api.cancelled, "y1")
	e, ok := led.Entry("0xa")
	require.True(t, ok)
	assert.True(t, e.YesQty.Equal(d("20")), "partial fill recorded, got %s", e.YesQty)
}

func TestExecuteShutdownCancelsRestingOrders(t *testing.T) {
	api := newFakeAPI()
	api.byToken["yes-tok"] = clob.PostResult{Success: true, OrderID: "y1", Status: "live"}
	api.byToken["no-tok"] = clob.PostResult{Success: true, OrderID: "n1", Status: "live"}
	api.orders["y1"] = &clob.OrderInfo{ID: "y1", Status: "LIVE", OriginalSize: "50", SizeMatched: "0", Price: "0.46"}
	api.orders["n1"] = &clob.OrderInfo{ID: "n1", Status: "LIVE", OriginalSize: "50", SizeMatched: "0", Price: "0.53"}

	led := ledger.New()
	opp := testOpp()
	reserve(t, led, opp)

	eng, err := NewEngine(api, led, nopJournal(), testConfig("GTC"), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := eng.Execute(ctx, testMarket(), opp)

	assert.Equal(t, StatusFailed, res.Status)
	assert.ElementsMatch(t, []string{"y1", "n1"}, api.cancelled,
		"resting orders must be cancelled even when the run context is gone")
	assert.True(t, res.Yes.State.Terminal())
	assert.True(t, res.No.State.Terminal())
	assert.False(t, led.InFlight("0xa"))
}

func TestExecuteDryRunSimulatesFills(t *testing.T) {
	cfg := testConfig("FAK")
	cfg.DryRun = true

	led := ledger.New()
	opp := testOpp()
	reserve(t, led, opp)

	eng, err := NewEngine(nil, led, nopJournal(), cfg, zap.NewNop())
	require.NoError(t, err)

	res := eng.Execute(context.Background(), testMarket(), opp)

	assert.Equal(t, StatusComplete, res.Status)
	e, ok := led.Entry("0xa")
	require.True(t, ok)
	assert.True(t, e.YesQty.Equal(d("50")), "paper fill recorded")
	assert.False(t, led.InFlight("0xa"))
}
