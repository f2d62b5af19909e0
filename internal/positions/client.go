package positions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/you/updown-arb/internal/types"
)

const DefaultURL = "https://data-api.polymarket.com"

// Client reads the account's token holdings from the Data API. The endpoint
// is unauthenticated; positions are public by wallet address.
type Client struct {
	host       string
	wallet     string
	httpClient *http.Client
}

func NewClient(host, wallet string) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultURL
	}
	host = strings.TrimRight(host, "/")
	if !strings.HasPrefix(host, "http") {
		return nil, fmt.Errorf("data api url must be http(s), got %q", host)
	}
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("wallet address required for positions lookup")
	}
	return &Client{
		host:       host,
		wallet:     wallet,
		httpClient: &http.Client{Timeout: 12 * time.Second},
	}, nil
}

type rawPosition struct {
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	Mergeable    bool    `json:"mergeable"`
}

// ForMarkets fetches positions for the given condition ids; empty means all.
func (c *Client) ForMarkets(ctx context.Context, conditionIDs []string) ([]types.Position, error) {
	q := url.Values{}
	q.Set("user", c.wallet)
	if len(conditionIDs) > 0 {
		q.Set("market", strings.Join(conditionIDs, ","))
	}
	q.Set("limit", "500")

	endpoint := c.host + "/positions?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("data api positions: status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var raw []rawPosition
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("data api decode: %w", err)
	}

	out := make([]types.Position, 0, len(raw))
	for _, rp := range raw {
		out = append(out, types.Position{
			ConditionID:  rp.ConditionID,
			TokenID:      rp.Asset,
			Outcome:      outcomeFromIndex(rp.OutcomeIndex),
			OutcomeIndex: rp.OutcomeIndex,
			Size:         decimal.NewFromFloat(rp.Size),
			AvgPrice:     decimal.NewFromFloat(rp.AvgPrice),
		})
	}
	return out, nil
}

// Up/Down markets list the Up (YES) outcome first.
func outcomeFromIndex(idx int) types.Outcome {
	if idx == 0 {
		return types.OutcomeYes
	}
	return types.OutcomeNo
}
