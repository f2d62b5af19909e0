package clob

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/you/updown-arb/internal/config"
)

const (
	// PolygonChainID is where the CLOB exchange contracts live.
	PolygonChainID = 137

	httpTimeout = 15 * time.Second
)

// Creds are the L2 API credentials. They come from config or are derived
// once via the L1 wallet signature.
type Creds struct {
	Key        string `json:"key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type derivedCreds struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Client talks to the Polymarket CLOB REST API. Read endpoints need no auth,
// order endpoints sign every request with the L2 HMAC scheme, and credential
// bootstrap uses an L1 EIP-712 wallet signature.
type Client struct {
	host       string
	httpClient *http.Client
	chainID    int64
	privateKey *ecdsa.PrivateKey
	signer     common.Address
	funder     common.Address
	sigType    int

	mu    sync.RWMutex
	creds *Creds
}

func NewClient(cfg *config.Config) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Clob.Host), "/")
	if !strings.HasPrefix(host, "http") {
		return nil, fmt.Errorf("clob host must be http(s), got %q", host)
	}

	pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer := crypto.PubkeyToAddress(pk.PublicKey)

	funder := signer
	if cfg.ProxyAddress != "" {
		if !common.IsHexAddress(cfg.ProxyAddress) {
			return nil, fmt.Errorf("invalid proxy address %q", cfg.ProxyAddress)
		}
		funder = common.HexToAddress(cfg.ProxyAddress)
	}

	c := &Client{
		host:       host,
		httpClient: &http.Client{Timeout: httpTimeout},
		chainID:    PolygonChainID,
		privateKey: pk,
		signer:     signer,
		funder:     funder,
		sigType:    cfg.Clob.SignatureType,
	}
	if cfg.Clob.ApiKey != "" && cfg.Clob.ApiSecret != "" && cfg.Clob.ApiPassphrase != "" {
		c.creds = &Creds{
			Key:        cfg.Clob.ApiKey,
			Secret:     cfg.Clob.ApiSecret,
			Passphrase: cfg.Clob.ApiPassphrase,
		}
	}
	return c, nil
}

func (c *Client) SignerAddress() common.Address { return c.signer }
func (c *Client) FunderAddress() common.Address { return c.funder }

// EnsureCreds makes sure L2 credentials exist, deriving them from the wallet
// when the config carries none. Derive is tried before create so an existing
// key is reused instead of burning a nonce.
func (c *Client) EnsureCreds(ctx context.Context) error {
	c.mu.RLock()
	have := c.creds != nil
	c.mu.RUnlock()
	if have {
		return nil
	}

	creds, err := c.deriveCreds(ctx, http.MethodGet, "/auth/derive-api-key")
	if err != nil {
		creds, err = c.deriveCreds(ctx, http.MethodPost, "/auth/api-key")
		if err != nil {
			return fmt.Errorf("derive api creds: %w", err)
		}
	}

	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()
	return nil
}

func (c *Client) deriveCreds(ctx context.Context, method, path string) (Creds, error) {
	ts := time.Now().Unix()
	sig, err := buildAuthSignature(c.privateKey, c.signer, c.chainID, ts, 0)
	if err != nil {
		return Creds{}, err
	}
	h := make(http.Header)
	h.Set("POLY_ADDRESS", c.signer.Hex())
	h.Set("POLY_SIGNATURE", sig)
	h.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", ts))
	h.Set("POLY_NONCE", "0")

	var raw derivedCreds
	if err := c.do(ctx, method, path, nil, h, nil, &raw); err != nil {
		return Creds{}, err
	}
	if raw.APIKey == "" {
		return Creds{}, fmt.Errorf("empty api key in %s response", path)
	}
	return Creds{Key: raw.APIKey, Secret: raw.Secret, Passphrase: raw.Passphrase}, nil
}

// authHeaders builds the L2 headers for a signed request. signedPath must
// include the query string when one is sent.
func (c *Client) authHeaders(method, signedPath string, body []byte) (http.Header, error) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	if creds == nil {
		return nil, fmt.Errorf("api creds not available, call EnsureCreds first")
	}

	ts := time.Now().Unix()
	sig, err := buildHmacSignature(creds.Secret, ts, method, signedPath, body)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("POLY_ADDRESS", c.signer.Hex())
	h.Set("POLY_SIGNATURE", sig)
	h.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", ts))
	h.Set("POLY_API_KEY", creds.Key)
	h.Set("POLY_PASSPHRASE", creds.Passphrase)
	return h, nil
}

func (c *Client) apiKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return ""
	}
	return c.creds.Key
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, headers http.Header, body []byte, out any) error {
	u := c.host + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", path, err, strings.TrimSpace(string(b)))
	}
	return nil
}

// APIError carries the HTTP status so callers can distinguish rate limits
// from hard failures.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("clob %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsRateLimited reports whether err is an HTTP 429 from the CLOB.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}
