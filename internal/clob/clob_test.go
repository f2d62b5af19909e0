package clob

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/updown-arb/internal/types"
)

func TestHmacSignatureIsDeterministic(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("super-secret-hmac-key-material!!"))
	body := []byte(`{"orderID":"0x123"}`)

	a, err := buildHmacSignature(secret, 1700000000, http.MethodDelete, "/order", body)
	require.NoError(t, err)
	b, err := buildHmacSignature(secret, 1700000000, http.MethodDelete, "/order", body)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := buildHmacSignature(secret, 1700000001, http.MethodDelete, "/order", body)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "timestamp is part of the signed message")
}

func TestHmacSignatureIsURLSafe(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("another-secret-hmac-key-material"))

	// Scan enough inputs that a standard-alphabet digest would show up.
	for i := 0; i < 64; i++ {
		sig, err := buildHmacSignature(secret, int64(i), http.MethodGet, fmt.Sprintf("/data/order/%d", i), nil)
		require.NoError(t, err)
		assert.NotContains(t, sig, "+")
		assert.NotContains(t, sig, "/")
	}
}

func TestNormalizeSecretAcceptsURLSafeUnpadded(t *testing.T) {
	raw := []byte{0xfb, 0xef, 0xff, 0x01, 0x02}
	std := base64.StdEncoding.EncodeToString(raw)
	urlSafe := strings.TrimRight(base64.URLEncoding.EncodeToString(raw), "=")

	got, err := base64.StdEncoding.DecodeString(normalizeSecret(urlSafe))
	require.NoError(t, err)
	want, err := base64.StdEncoding.DecodeString(normalizeSecret(std))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestOrderInfoState(t *testing.T) {
	cases := []struct {
		status   string
		matched  string
		original string
		want     types.OrderState
	}{
		{"CANCELED", "0", "50", types.OrderCancelled},
		{"EXPIRED", "0", "50", types.OrderExpired},
		{"UNMATCHED", "0", "50", types.OrderRejected},
		{"MATCHED", "50", "50", types.OrderFilled},
		{"LIVE", "0", "50", types.OrderPending},
		{"LIVE", "20", "50", types.OrderPartiallyFilled},
		{"LIVE", "50", "50", types.OrderFilled},
	}
	for _, tc := range cases {
		o := OrderInfo{Status: tc.status, SizeMatched: tc.matched, OriginalSize: tc.original}
		assert.Equal(t, tc.want, o.State(), "status=%s matched=%s", tc.status, tc.matched)
	}
}

func TestPostResultAmounts(t *testing.T) {
	r := PostResult{TakingRaw: "50", MakingRaw: "24.5"}
	assert.True(t, r.FilledShares().Equal(decimal.NewFromInt(50)))
	assert.True(t, r.SpentCollateral().Equal(decimal.RequireFromString("24.5")))

	// A killed FOK/FAK comes back with success=true, an error message, and
	// empty amounts.
	killed := PostResult{Success: true, ErrorMsg: "order killed"}
	assert.True(t, killed.FilledShares().IsZero())
	assert.True(t, killed.SpentCollateral().IsZero())
}

func TestToUnitsTruncatesExcessPrecision(t *testing.T) {
	assert.Equal(t, "500000", toUnits(decimal.RequireFromString("0.5")).String())
	assert.Equal(t, "464699", toUnits(decimal.RequireFromString("0.4646999")).String())
	assert.Equal(t, "50000000", toUnits(decimal.NewFromInt(50)).String())
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(&APIError{Status: http.StatusTooManyRequests}))
	assert.True(t, IsRateLimited(fmt.Errorf("post order: %w", &APIError{Status: 429})))
	assert.False(t, IsRateLimited(&APIError{Status: http.StatusBadGateway}))
	assert.False(t, IsRateLimited(errors.New("connection refused")))
}
