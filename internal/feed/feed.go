package feed

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/metrics"
	"github.com/you/updown-arb/internal/types"
)

const (
	dialTimeout      = 10 * time.Second
	writeTimeout     = 5 * time.Second
	baseReconnect    = time.Second
	maxReconnect     = 30 * time.Second
	changeBufferSize = 256
)

type tokenInfo struct {
	conditionID string
	outcome     types.Outcome
}

// Feed maintains live best-ask snapshots for the subscribed CLOB tokens over
// the market websocket channel. It reconnects with jittered backoff and
// resubscribes whenever the active market set changes.
type Feed struct {
	url      string
	pingEvry time.Duration
	log      *zap.Logger

	mu      sync.RWMutex
	tokens  map[string]tokenInfo
	ladders map[string]map[string]decimal.Decimal // tokenID -> price -> size
	books   map[string]types.BookSnapshot

	resub   chan struct{}
	changes chan string
}

func New(url string, ping time.Duration, log *zap.Logger) *Feed {
	return &Feed{
		url:      url,
		pingEvry: ping,
		log:      log,
		tokens:   make(map[string]tokenInfo),
		ladders:  make(map[string]map[string]decimal.Decimal),
		books:    make(map[string]types.BookSnapshot),
		resub:    make(chan struct{}, 1),
		changes:  make(chan string, changeBufferSize),
	}
}

// Changes delivers the condition id of every market whose book moved. The
// channel is lossy: a slow consumer drops notifications, never blocks the
// reader loop. Snapshots always reflect the latest state regardless.
func (f *Feed) Changes() <-chan string {
	return f.changes
}

// SetMarkets replaces the subscription set and drops state for tokens no
// longer tracked. The reader reconnects to pick up the new subscription; an
// unchanged token set is a no-op so repeated refreshes of the same window
// never tear a healthy connection down.
func (f *Feed) SetMarkets(markets []types.Market) {
	f.mu.Lock()
	next := make(map[string]tokenInfo, len(markets)*2)
	for _, m := range markets {
		next[m.YesTokenID] = tokenInfo{conditionID: m.ConditionID, outcome: types.OutcomeYes}
		next[m.NoTokenID] = tokenInfo{conditionID: m.ConditionID, outcome: types.OutcomeNo}
	}
	if sameTokenSet(f.tokens, next) {
		f.mu.Unlock()
		return
	}
	for id := range f.books {
		if _, keep := next[id]; !keep {
			delete(f.books, id)
			delete(f.ladders, id)
		}
	}
	f.tokens = next
	f.mu.Unlock()

	select {
	case f.resub <- struct{}{}:
	default:
	}
}

func sameTokenSet(a, b map[string]tokenInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range b {
		if _, ok := a[id]; !ok {
			return false
		}
	}
	return true
}

// Snapshot returns the latest book state for a token.
func (f *Feed) Snapshot(tokenID string) (types.BookSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.books[tokenID]
	return s, ok
}

// Pair returns both sides of a market's book.
func (f *Feed) Pair(m types.Market) (yes, no types.BookSnapshot, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	yes, okY := f.books[m.YesTokenID]
	no, okN := f.books[m.NoTokenID]
	return yes, no, okY && okN
}

// Run drives the connect/read loop until the context ends. Every failure
// tears the connection down and redials with exponential backoff plus jitter.
func (f *Feed) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.session(ctx); err != nil && ctx.Err() == nil {
			attempt++
			metrics.FeedReconnects.Inc()
			delay := backoff(attempt)
			f.log.Warn("feed disconnected, reconnecting",
				zap.Error(err), zap.Duration("backoff", delay), zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
	}
}

func backoff(attempt int) time.Duration {
	d := baseReconnect << uint(attempt-1)
	if d > maxReconnect || d <= 0 {
		d = maxReconnect
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (f *Feed) session(ctx context.Context) error {
	tokens := f.tokenIDs()
	if len(tokens) == 0 {
		// Nothing to subscribe; wait for markets.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.resub:
			return nil
		case <-time.After(time.Second):
			return nil
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{"type": "market", "assets_ids": tokens}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	f.log.Info("feed subscribed", zap.Int("tokens", len(tokens)))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(sessionCtx, conn)
	go func() {
		select {
		case <-sessionCtx.Done():
		case <-f.resub:
			// Force a reconnect with the fresh subscription set.
			conn.Close()
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		f.handleMessage(msg)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(f.pingEvry)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				conn.Close()
				return
			}
		}
	}
}

type priceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookEvent struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Asks      []priceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
	Changes   []struct {
		Price string `json:"price"`
		Side  string `json:"side"`
		Size  string `json:"size"`
	} `json:"changes"`
}

// handleMessage accepts either a single event object or an array of them,
// which is how the market channel batches updates.
func (f *Feed) handleMessage(msg []byte) {
	for i := 0; i < len(msg); i++ {
		switch msg[i] {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			var events []bookEvent
			if err := json.Unmarshal(msg, &events); err != nil {
				f.log.Debug("feed message unparseable", zap.Error(err))
				return
			}
			for _, ev := range events {
				f.applyEvent(ev)
			}
			return
		default:
			var ev bookEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				f.log.Debug("feed message unparseable", zap.Error(err))
				return
			}
			f.applyEvent(ev)
			return
		}
	}
}

func (f *Feed) applyEvent(ev bookEvent) {
	switch ev.EventType {
	case "book":
		f.applyBook(ev)
	case "price_change":
		f.applyPriceChange(ev)
	}
}

// applyBook replaces the token's ask ladder with the snapshot. Asks arrive
// sorted worst-to-best, so the best ask is the final element.
func (f *Feed) applyBook(ev bookEvent) {
	ts := parseMillis(ev.Timestamp)

	ladder := make(map[string]decimal.Decimal, len(ev.Asks))
	bestAsk, bestSize := decimal.Zero, decimal.Zero
	for _, lvl := range ev.Asks {
		p, err1 := decimal.NewFromString(lvl.Price)
		s, err2 := decimal.NewFromString(lvl.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		ladder[lvl.Price] = s
		bestAsk, bestSize = p, s
	}

	f.storeSnapshot(ev.AssetID, ladder, bestAsk, bestSize, ts)
}

// applyPriceChange patches individual sell levels and recomputes the best ask
// as the lowest-priced level with remaining size.
func (f *Feed) applyPriceChange(ev bookEvent) {
	ts := parseMillis(ev.Timestamp)

	f.mu.Lock()
	info, tracked := f.tokens[ev.AssetID]
	if !tracked {
		f.mu.Unlock()
		return
	}
	prev, hasPrev := f.books[ev.AssetID]
	if hasPrev && ts.Before(prev.UpdatedAt) {
		// Out-of-order delivery after a reconnect; keep the newer state.
		f.mu.Unlock()
		return
	}
	ladder := f.ladders[ev.AssetID]
	if ladder == nil {
		ladder = make(map[string]decimal.Decimal)
		f.ladders[ev.AssetID] = ladder
	}
	for _, ch := range ev.Changes {
		if ch.Side != "SELL" {
			continue
		}
		s, err := decimal.NewFromString(ch.Size)
		if err != nil {
			continue
		}
		if s.IsZero() {
			delete(ladder, ch.Price)
		} else {
			ladder[ch.Price] = s
		}
	}
	bestAsk, bestSize := bestOfLadder(ladder)
	f.books[ev.AssetID] = types.BookSnapshot{
		ConditionID: info.conditionID,
		TokenID:     ev.AssetID,
		Outcome:     info.outcome,
		BestAsk:     bestAsk,
		AskSize:     bestSize,
		UpdatedAt:   ts,
	}
	f.mu.Unlock()

	f.notify(info.conditionID)
}

func (f *Feed) storeSnapshot(tokenID string, ladder map[string]decimal.Decimal, bestAsk, bestSize decimal.Decimal, ts time.Time) {
	f.mu.Lock()
	info, tracked := f.tokens[tokenID]
	if !tracked {
		f.mu.Unlock()
		return
	}
	if prev, ok := f.books[tokenID]; ok && ts.Before(prev.UpdatedAt) {
		f.mu.Unlock()
		return
	}
	f.ladders[tokenID] = ladder
	f.books[tokenID] = types.BookSnapshot{
		ConditionID: info.conditionID,
		TokenID:     tokenID,
		Outcome:     info.outcome,
		BestAsk:     bestAsk,
		AskSize:     bestSize,
		UpdatedAt:   ts,
	}
	f.mu.Unlock()

	f.notify(info.conditionID)
}

func (f *Feed) notify(conditionID string) {
	select {
	case f.changes <- conditionID:
	default:
	}
}

func (f *Feed) tokenIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.tokens))
	for id := range f.tokens {
		ids = append(ids, id)
	}
	return ids
}

func bestOfLadder(ladder map[string]decimal.Decimal) (price, size decimal.Decimal) {
	first := true
	for p, s := range ladder {
		pd, err := decimal.NewFromString(p)
		if err != nil || !s.IsPositive() {
			continue
		}
		if first || pd.LessThan(price) {
			price, size = pd, s
			first = false
		}
	}
	return price, size
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
