package clob

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	orderbuilder "github.com/polymarket/go-order-utils/pkg/builder"
	ordermodel "github.com/polymarket/go-order-utils/pkg/model"
	"github.com/shopspring/decimal"

	"github.com/you/updown-arb/internal/types"
)

// Collateral (USDC) and outcome tokens both use 6 on-chain decimals.
const tokenDecimals = 6

// LimitOrder describes a buy at an explicit price. Size is in shares; the
// order's maker amount is price*size in collateral.
type LimitOrder struct {
	TokenID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Type       types.OrderType
	Expiration time.Time // GTD only
	NegRisk    bool
}

// PostResult is the CLOB's answer to an order submission. Success with a
// non-empty ErrorMsg means the order was accepted then killed (FOK/FAK), so
// both fields must be checked.
type PostResult struct {
	Success   bool   `json:"success"`
	ErrorMsg  string `json:"errorMsg"`
	OrderID   string `json:"orderID"`
	Status    string `json:"status"`
	TakingRaw string `json:"takingAmount"`
	MakingRaw string `json:"makingAmount"`
}

// FilledShares parses the matched taker amount (shares for buys). Empty
// means no fill.
func (r PostResult) FilledShares() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(r.TakingRaw))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// SpentCollateral parses the matched maker amount (USDC for buys).
func (r PostResult) SpentCollateral() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(r.MakingRaw))
	if err != nil {
		return decimal.Zero
	}
	return d
}

type orderPayload struct {
	Order     orderJSON       `json:"order"`
	Owner     string          `json:"owner"`
	OrderType types.OrderType `json:"orderType"`
}

type orderJSON struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

var zeroAddress = common.Address{}.Hex()

// PostBuyOrder signs and submits a buy for lo.Size shares at lo.Price.
func (c *Client) PostBuyOrder(ctx context.Context, lo LimitOrder) (PostResult, error) {
	if !lo.Price.IsPositive() || !lo.Size.IsPositive() {
		return PostResult{}, fmt.Errorf("price and size must be positive")
	}

	takerAmount := toUnits(lo.Size)
	makerAmount := toUnits(lo.Price.Mul(lo.Size).RoundUp(tokenDecimals))
	if takerAmount.Sign() <= 0 || makerAmount.Sign() <= 0 {
		return PostResult{}, fmt.Errorf("order amounts round to zero")
	}

	expiration := "0"
	if lo.Type == types.OrderTypeGTD {
		if lo.Expiration.IsZero() {
			return PostResult{}, fmt.Errorf("GTD order requires an expiration")
		}
		expiration = strconv.FormatInt(lo.Expiration.Unix(), 10)
	}

	contract := ordermodel.CTFExchange
	if lo.NegRisk {
		contract = ordermodel.NegRiskCTFExchange
	}

	od := &ordermodel.OrderData{
		Maker:         c.funder.Hex(),
		Taker:         zeroAddress,
		TokenId:       lo.TokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		FeeRateBps:    "0",
		Nonce:         "0",
		Signer:        c.signer.Hex(),
		Expiration:    expiration,
		Side:          ordermodel.BUY,
		SignatureType: ordermodel.SignatureType(c.sigType),
	}

	builder := orderbuilder.NewExchangeOrderBuilderImpl(big.NewInt(c.chainID), rand.Int63)
	signed, err := builder.BuildSignedOrder(c.privateKey, od, contract)
	if err != nil {
		return PostResult{}, fmt.Errorf("sign order: %w", err)
	}

	payload := orderPayload{
		Owner:     c.apiKey(),
		OrderType: lo.Type,
		Order: orderJSON{
			Salt:          signed.Salt.Int64(),
			Maker:         signed.Maker.Hex(),
			Signer:        signed.Signer.Hex(),
			Taker:         signed.Taker.Hex(),
			TokenID:       signed.TokenId.String(),
			MakerAmount:   signed.MakerAmount.String(),
			TakerAmount:   signed.TakerAmount.String(),
			Expiration:    signed.Expiration.String(),
			Nonce:         signed.Nonce.String(),
			FeeRateBps:    signed.FeeRateBps.String(),
			Side:          "BUY",
			SignatureType: int(signed.SignatureType.Int64()),
			Signature:     "0x" + common.Bytes2Hex(signed.Signature),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return PostResult{}, err
	}

	headers, err := c.authHeaders(http.MethodPost, "/order", body)
	if err != nil {
		return PostResult{}, err
	}

	var resp PostResult
	if err := c.do(ctx, http.MethodPost, "/order", nil, headers, body, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// CancelOrder removes a resting order. Cancelling an already-terminal order
// is not an error at the call site; the CLOB reports it in the response.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("order id required")
	}
	body, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return err
	}
	headers, err := c.authHeaders(http.MethodDelete, "/order", body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, "/order", nil, headers, body, nil)
}

// OrderInfo mirrors the /data/order payload for fill polling and recovery.
type OrderInfo struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	OrderType    string `json:"order_type"`
	CreatedAt    int64  `json:"created_at"`
}

// Matched returns the filled share quantity.
func (o OrderInfo) Matched() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(o.SizeMatched))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Original returns the submitted share quantity.
func (o OrderInfo) Original() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(o.OriginalSize))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// PriceDec returns the limit price.
func (o OrderInfo) PriceDec() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(o.Price))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// State maps the CLOB status plus fill progress onto the order lifecycle.
func (o OrderInfo) State() types.OrderState {
	switch strings.ToUpper(o.Status) {
	case "CANCELED", "CANCELLED":
		return types.OrderCancelled
	case "EXPIRED":
		return types.OrderExpired
	case "UNMATCHED":
		return types.OrderRejected
	case "MATCHED":
		return types.OrderFilled
	}
	matched := o.Matched()
	switch {
	case matched.IsZero():
		return types.OrderPending
	case matched.GreaterThanOrEqual(o.Original()):
		return types.OrderFilled
	default:
		return types.OrderPartiallyFilled
	}
}

type orderInfoResp struct {
	Order *OrderInfo `json:"order"`
}

// GetOrder fetches one order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderInfo, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("order id required")
	}
	path := "/data/order/" + orderID
	headers, err := c.authHeaders(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp orderInfoResp
	if err := c.do(ctx, http.MethodGet, path, nil, headers, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("order %s missing in response", orderID)
	}
	return resp.Order, nil
}

// OpenOrders lists the account's resting orders, optionally filtered by
// market condition id.
func (c *Client) OpenOrders(ctx context.Context, conditionID string) ([]OrderInfo, error) {
	q := url.Values{}
	if conditionID != "" {
		q.Set("market", conditionID)
	}
	signedPath := "/data/orders"
	if len(q) > 0 {
		signedPath += "?" + q.Encode()
	}
	headers, err := c.authHeaders(http.MethodGet, signedPath, nil)
	if err != nil {
		return nil, err
	}
	var resp []OrderInfo
	if err := c.do(ctx, http.MethodGet, signedPath, nil, headers, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// NegRisk looks up whether the token trades on the neg-risk exchange, which
// changes the EIP-712 verifying contract for order signatures.
func (c *Client) NegRisk(ctx context.Context, tokenID string) (bool, error) {
	var resp struct {
		NegRisk bool `json:"neg_risk"`
	}
	params := url.Values{"token_id": []string{tokenID}}
	if err := c.do(ctx, http.MethodGet, "/neg-risk", params, nil, nil, &resp); err != nil {
		return false, err
	}
	return resp.NegRisk, nil
}

// toUnits converts a human decimal to 1e6 on-chain units, truncating excess
// precision.
func toUnits(d decimal.Decimal) *big.Int {
	return d.Shift(tokenDecimals).Truncate(0).BigInt()
}
