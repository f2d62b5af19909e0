package feed

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/types"
)

func testFeed() *Feed {
	f := New("wss://example.test/ws/market", 10*time.Second, zap.NewNop())
	f.SetMarkets([]types.Market{{
		ConditionID: "0xa",
		YesTokenID:  "yes-tok",
		NoTokenID:   "no-tok",
	}})
	drain(f)
	return f
}

func drain(f *Feed) {
	for {
		select {
		case <-f.changes:
		default:
			return
		}
	}
}

func bookMsg(tokenID, ts string, asks ...[2]string) []byte {
	out := fmt.Sprintf(`{"event_type":"book","asset_id":"%s","market":"0xa","timestamp":"%s","asks":[`, tokenID, ts)
	for i, a := range asks {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"price":"%s","size":"%s"}`, a[0], a[1])
	}
	return []byte(out + "]}")
}

func TestBookSnapshotBestAskIsLastLevel(t *testing.T) {
	f := testFeed()

	// Asks arrive sorted worst-to-best.
	f.handleMessage(bookMsg("yes-tok", "1000",
		[2]string{"0.60", "10"}, [2]string{"0.50", "25"}, [2]string{"0.46", "120"}))

	snap, ok := f.Snapshot("yes-tok")
	require.True(t, ok)
	assert.Equal(t, "0.46", snap.BestAsk.String())
	assert.Equal(t, "120", snap.AskSize.String())
	assert.Equal(t, "0xa", snap.ConditionID)
	assert.Equal(t, types.OutcomeYes, snap.Outcome)
}

func TestBookSnapshotDiscardsStaleTimestamp(t *testing.T) {
	f := testFeed()

	f.handleMessage(bookMsg("yes-tok", "2000", [2]string{"0.46", "50"}))
	f.handleMessage(bookMsg("yes-tok", "1000", [2]string{"0.99", "1"}))

	snap, ok := f.Snapshot("yes-tok")
	require.True(t, ok)
	assert.Equal(t, "0.46", snap.BestAsk.String(), "older snapshot must not overwrite newer state")
}

func TestBookSnapshotIgnoresUntrackedToken(t *testing.T) {
	f := testFeed()

	f.handleMessage(bookMsg("other-tok", "1000", [2]string{"0.40", "10"}))

	_, ok := f.Snapshot("other-tok")
	assert.False(t, ok)
}

func TestPriceChangePatchesSellLadder(t *testing.T) {
	f := testFeed()
	f.handleMessage(bookMsg("yes-tok", "1000",
		[2]string{"0.50", "25"}, [2]string{"0.46", "120"}))

	// The 0.46 level empties out and a new 0.48 level appears. BUY-side
	// changes are not ours to track.
	f.handleMessage([]byte(`{"event_type":"price_change","asset_id":"yes-tok","market":"0xa","timestamp":"2000","changes":[
		{"price":"0.46","side":"SELL","size":"0"},
		{"price":"0.48","side":"SELL","size":"30"},
		{"price":"0.45","side":"BUY","size":"999"}]}`))

	snap, ok := f.Snapshot("yes-tok")
	require.True(t, ok)
	assert.Equal(t, "0.48", snap.BestAsk.String())
	assert.Equal(t, "30", snap.AskSize.String())
}

func TestHandleMessageAcceptsBatchedEvents(t *testing.T) {
	f := testFeed()

	msg := append([]byte("["), bookMsg("yes-tok", "1000", [2]string{"0.46", "50"})...)
	msg = append(msg, ',')
	msg = append(msg, bookMsg("no-tok", "1000", [2]string{"0.52", "80"})...)
	msg = append(msg, ']')
	f.handleMessage(msg)

	yes, no, ok := f.Pair(types.Market{YesTokenID: "yes-tok", NoTokenID: "no-tok"})
	require.True(t, ok)
	assert.Equal(t, "0.46", yes.BestAsk.String())
	assert.Equal(t, "0.52", no.BestAsk.String())
}

func TestChangesNotifiesPerMarket(t *testing.T) {
	f := testFeed()

	f.handleMessage(bookMsg("yes-tok", "1000", [2]string{"0.46", "50"}))

	select {
	case id := <-f.Changes():
		assert.Equal(t, "0xa", id)
	default:
		t.Fatal("expected a change notification")
	}
}

func TestChangesNeverBlocksReader(t *testing.T) {
	f := testFeed()

	// Nobody drains the channel; the reader must keep applying updates.
	for i := 0; i < changeBufferSize*2; i++ {
		f.handleMessage(bookMsg("yes-tok", fmt.Sprintf("%d", 1000+i), [2]string{"0.46", "50"}))
	}

	snap, ok := f.Snapshot("yes-tok")
	require.True(t, ok)
	assert.True(t, snap.UpdatedAt.Equal(time.UnixMilli(int64(1000+changeBufferSize*2-1))))
}

func TestSetMarketsUnchangedSetSkipsResubscribe(t *testing.T) {
	f := testFeed()
	<-f.resub // consume the initial subscription signal

	f.SetMarkets([]types.Market{{ConditionID: "0xa", YesTokenID: "yes-tok", NoTokenID: "no-tok"}})
	select {
	case <-f.resub:
		t.Fatal("unchanged subscription must not force a reconnect")
	default:
	}

	f.SetMarkets([]types.Market{{ConditionID: "0xb", YesTokenID: "y2", NoTokenID: "n2"}})
	select {
	case <-f.resub:
	default:
		t.Fatal("changed subscription must trigger a reconnect")
	}
}

func TestSetMarketsDropsRemovedTokens(t *testing.T) {
	f := testFeed()
	f.handleMessage(bookMsg("yes-tok", "1000", [2]string{"0.46", "50"}))

	f.SetMarkets([]types.Market{{ConditionID: "0xb", YesTokenID: "y2", NoTokenID: "n2"}})

	_, ok := f.Snapshot("yes-tok")
	assert.False(t, ok, "rotated-out market state must be dropped")
}
