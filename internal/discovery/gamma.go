package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultGammaURL = "https://gamma-api.polymarket.com"

// DefaultUserAgent mimics a browser UA to avoid Cloudflare 403s.
const DefaultUserAgent = "Mozilla/5.0"

// GammaClient queries the Gamma metadata API for market definitions.
type GammaClient struct {
	host       string
	httpClient *http.Client
	userAgent  string
}

func NewGammaClient(host string) (*GammaClient, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultGammaURL
	}
	host = strings.TrimRight(host, "/")

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("gamma url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("gamma url must be http(s), got %q", host)
	}

	return &GammaClient{
		host:       host,
		httpClient: &http.Client{Timeout: 12 * time.Second},
		userAgent:  DefaultUserAgent,
	}, nil
}

// clobTokenIDs handles Gamma's habit of returning clobTokenIds as a JSON
// string that itself contains a JSON array.
type clobTokenIDs []string

func (c *clobTokenIDs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*c = nil
			return nil
		}
		var ids []string
		if err := json.Unmarshal([]byte(s), &ids); err != nil {
			return err
		}
		*c = ids
		return nil
	}
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*c = ids
	return nil
}

// stringList tolerates the same string-encoded-array quirk for outcomes.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*s = nil
			return nil
		}
		var vals []string
		if err := json.Unmarshal([]byte(raw), &vals); err != nil {
			return err
		}
		*s = vals
		return nil
	}
	var vals []string
	if err := json.Unmarshal(b, &vals); err != nil {
		return err
	}
	*s = vals
	return nil
}

type gammaMarket struct {
	ConditionID     string       `json:"conditionId"`
	Slug            string       `json:"slug"`
	Question        string       `json:"question"`
	Outcomes        stringList   `json:"outcomes"`
	ClobTokenIDs    clobTokenIDs `json:"clobTokenIds"`
	EndDate         time.Time    `json:"endDate"`
	Active          bool         `json:"active"`
	EnableOrderBook bool         `json:"enableOrderBook"`
	AcceptingOrders bool         `json:"acceptingOrders"`
}

// MarketsBySlugs fetches market metadata for the given slugs in one batch
// request.
func (c *GammaClient) MarketsBySlugs(ctx context.Context, slugs []string) ([]gammaMarket, error) {
	if c == nil {
		return nil, fmt.Errorf("gamma client nil")
	}
	if len(slugs) == 0 {
		return nil, nil
	}

	q := url.Values{}
	for _, s := range slugs {
		q.Add("slug", s)
	}
	endpoint := c.host + "/markets?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyLimit(resp.Body, 8<<10)
		return nil, fmt.Errorf("gamma %s: status=%d body=%q", endpoint, resp.StatusCode, body)
	}

	var markets []gammaMarket
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("gamma decode: %w", err)
	}
	return markets, nil
}

func readBodyLimit(r io.Reader, max int64) string {
	if r == nil || max <= 0 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, max))
	return strings.TrimSpace(string(b))
}
