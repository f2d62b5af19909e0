package discovery

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/schedule"
	"github.com/you/updown-arb/internal/types"
)

// Service turns hourly windows into tradable Up/Down markets for the
// configured symbols.
type Service struct {
	gamma   *GammaClient
	symbols []string
	log     *zap.Logger
}

func NewService(gamma *GammaClient, symbols []string, log *zap.Logger) *Service {
	return &Service{gamma: gamma, symbols: symbols, log: log}
}

// MarketsForWindow queries Gamma for every tracked symbol's slug in the given
// window. Markets that fail parsing or filtering are skipped individually;
// only a transport-level failure surfaces as an error.
func (s *Service) MarketsForWindow(ctx context.Context, windowStart time.Time) ([]types.Market, error) {
	slugs := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		slugs = append(slugs, schedule.MarketSlug(sym, windowStart))
	}

	raw, err := s.gamma.MarketsBySlugs(ctx, slugs)
	if err != nil {
		return nil, err
	}

	out := make([]types.Market, 0, len(raw))
	for _, gm := range raw {
		m, ok := parseMarket(gm, windowStart)
		if !ok {
			s.log.Debug("skipping market that failed filters", zap.String("slug", gm.Slug))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// parseMarket applies the tradability filters: the market must be active with
// an enabled order book accepting orders, have exactly the Up/Down outcome
// pair, and carry exactly two CLOB token ids (first is Up/YES).
func parseMarket(gm gammaMarket, windowStart time.Time) (types.Market, bool) {
	if !gm.Active || !gm.EnableOrderBook || !gm.AcceptingOrders {
		return types.Market{}, false
	}
	if len(gm.Outcomes) != 2 || !containsFold(gm.Outcomes, "Up") || !containsFold(gm.Outcomes, "Down") {
		return types.Market{}, false
	}
	if len(gm.ClobTokenIDs) != 2 {
		return types.Market{}, false
	}
	if strings.TrimSpace(gm.ConditionID) == "" || strings.TrimSpace(gm.Slug) == "" {
		return types.Market{}, false
	}

	end := gm.EndDate
	if end.IsZero() {
		end = schedule.WindowEnd(windowStart)
	}

	// Slugs look like "bitcoin-up-or-down-january-16-3am-et".
	symbol := strings.SplitN(gm.Slug, "-", 2)[0]

	return types.Market{
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Symbol:      symbol,
		Question:    gm.Question,
		YesTokenID:  strings.TrimSpace(gm.ClobTokenIDs[0]),
		NoTokenID:   strings.TrimSpace(gm.ClobTokenIDs[1]),
		WindowStart: windowStart,
		WindowEnd:   end,
	}, true
}

func containsFold(vals []string, want string) bool {
	for _, v := range vals {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
