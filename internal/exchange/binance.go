// Package exchange
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
	"github.com/Tedyzetaa/r2-trader/pkg/logger"
)

const (
	binanceMainnetURL = "https://api.binance.com"
	binanceTestnetURL = "https://testnet.binance.vision"
)

// Binance API error codes that map onto the sentinel taxonomy.
const (
	binanceCodeInvalidSignature    = -1022
	binanceCodeInvalidSymbol       = -1121
	binanceCodeRejectedAPIKey      = -2014
	binanceCodeInvalidAPIKey       = -2015
	binanceCodeInsufficientBalance = -2010
)

type BinanceClient struct {
	apiKey    string
	secretKey string
	baseURL   string
	http      *http.Client
}

// NewBinanceClient creates a Binance spot client. The testnet flag
// switches the base URL so test keys never touch real funds.
func NewBinanceClient(apiKey, secretKey string, testnet bool) (*BinanceClient, error) {
	if apiKey == "" || secretKey == "" {
		return nil, errors.New("exchange: binance API credentials not configured")
	}
	base := binanceMainnetURL
	if testnet {
		base = binanceTestnetURL
	}
	return &BinanceClient{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   base,
		http:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (b *BinanceClient) Name() string { return "binance" }

// sign produces the HMAC SHA256 signature Binance requires on account and
// order endpoints.
func (b *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classifyError maps an HTTP status plus Binance error payload onto the
// package's sentinel errors.
func classifyError(status int, body []byte) error {
	var apiErr binanceAPIError
	_ = json.Unmarshal(body, &apiErr)

	switch apiErr.Code {
	case binanceCodeInvalidSymbol:
		return fmt.Errorf("binance: %s: %w", apiErr.Msg, ErrInvalidSymbol)
	case binanceCodeInsufficientBalance:
		return fmt.Errorf("binance: %s: %w", apiErr.Msg, ErrInsufficientBalance)
	case binanceCodeInvalidSignature, binanceCodeRejectedAPIKey, binanceCodeInvalidAPIKey:
		return fmt.Errorf("binance: %s: %w", apiErr.Msg, ErrAuth)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("binance: HTTP %d %s: %w", status, apiErr.Msg, ErrAuth)
	case status == http.StatusTooManyRequests || status == 418:
		// 418 is Binance's ban response for ignoring 429s.
		return fmt.Errorf("binance: HTTP %d %s: %w", status, apiErr.Msg, ErrRateLimited)
	default:
		return &StatusError{Status: status, Body: strings.TrimSpace(string(body))}
	}
}

// doRequest performs one API call. Signed requests get a timestamp and
// signature appended and the API key header set.
func (b *BinanceClient) doRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	payload := params.Encode()
	if signed {
		// Binance verifies the HMAC over the payload exactly as sent and
		// expects the signature appended after it, not sorted into it.
		payload += "&signature=" + b.sign(payload)
	}

	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, b.baseURL+path, strings.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		endpoint := b.baseURL + path
		if payload != "" {
			endpoint += "?" + payload
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("binance: building request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyError(resp.StatusCode, body)
	}
	return body, nil
}

// GetKlines fetches up to limit candles for a symbol and interval, ordered
// by open time ascending.
func (b *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]candle.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := b.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, false)
	if err != nil {
		return nil, fmt.Errorf("GetKlines %s: %w", symbol, err)
	}

	// Each kline is a mixed array: open time in ms, then OHLCV as strings.
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decoding klines: %w", err)
	}

	candles := make([]candle.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, ok := k[0].(float64)
		if !ok {
			continue
		}
		c := candle.Candle{
			Symbol:    symbol,
			Timestamp: time.UnixMilli(int64(openTime)).UTC(),
			Open:      anyToFloat(k[1]),
			High:      anyToFloat(k[2]),
			Low:       anyToFloat(k[3]),
			Close:     anyToFloat(k[4]),
			Volume:    anyToFloat(k[5]),
		}
		if err := c.Validate(); err != nil {
			logger.L().Warnf("exchange | %s skipping invalid kline at %s: %v", b.Name(), c.Timestamp, err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

type binanceAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// GetBalance fetches the current free and locked funds for one asset.
func (b *BinanceClient) GetBalance(ctx context.Context, asset string) (Balance, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/api/v3/account", nil, true)
	if err != nil {
		return Balance{}, fmt.Errorf("GetBalance %s: %w", asset, err)
	}

	var account binanceAccount
	if err := json.Unmarshal(body, &account); err != nil {
		return Balance{}, fmt.Errorf("binance: decoding account: %w", err)
	}
	for _, bal := range account.Balances {
		if bal.Asset == asset {
			free, _ := strconv.ParseFloat(bal.Free, 64)
			locked, _ := strconv.ParseFloat(bal.Locked, 64)
			return Balance{Asset: asset, Free: free, Locked: locked}, nil
		}
	}
	// An asset the account never held is reported as zero, not an error.
	return Balance{Asset: asset}, nil
}

type binanceOrderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	Fills       []struct {
		Price string `json:"price"`
		Qty   string `json:"qty"`
	} `json:"fills"`
	TransactTime int64 `json:"transactTime"`
}

// CreateMarketOrder submits a market order and normalizes the response.
func (b *BinanceClient) CreateMarketOrder(ctx context.Context, req OrderRequest) (Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return Order{}, fmt.Errorf("CreateMarketOrder %s %s: %w", req.Side, req.Symbol, err)
	}

	var resp binanceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Order{}, fmt.Errorf("binance: decoding order response: %w", err)
	}

	// Market orders can fill across several price levels; report the
	// volume-weighted average.
	var filledQty, notional float64
	for _, f := range resp.Fills {
		price, _ := strconv.ParseFloat(f.Price, 64)
		qty, _ := strconv.ParseFloat(f.Qty, 64)
		filledQty += qty
		notional += price * qty
	}
	var fillPrice float64
	if filledQty > 0 {
		fillPrice = notional / filledQty
	}
	if filledQty == 0 {
		filledQty, _ = strconv.ParseFloat(resp.ExecutedQty, 64)
	}

	ts := time.Now().UTC()
	if resp.TransactTime > 0 {
		ts = time.UnixMilli(resp.TransactTime).UTC()
	}

	return Order{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            strings.ToUpper(req.Side),
		Quantity:        req.Quantity,
		FilledQty:       filledQty,
		FillPrice:       fillPrice,
		Status:          strings.ToUpper(resp.Status),
		Timestamp:       ts,
	}, nil
}

func anyToFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
