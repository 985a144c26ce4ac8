// Package exchange
package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Tedyzetaa/r2-trader/internal/candle"
	"github.com/Tedyzetaa/r2-trader/pkg/logger"
	wallex "github.com/wallexchange/wallex-go"
)

// wallexResolutions maps the engine's kline intervals onto Wallex chart
// resolutions.
var wallexResolutions = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"4h":  "240",
	"1d":  "1D",
}

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

type WallexClient struct {
	client *wallex.Client
}

// NewWallexClient creates a Wallex client.
func NewWallexClient(apiKey string) *WallexClient {
	return &WallexClient{
		client: wallex.New(wallex.ClientOptions{APIKey: apiKey}),
	}
}

func (w *WallexClient) Name() string { return "wallex" }

// GetKlines fetches the most recent limit candles for a symbol and
// interval, ordered by open time ascending.
func (w *WallexClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]candle.Candle, error) {
	resolution, ok := wallexResolutions[interval]
	if !ok {
		return nil, fmt.Errorf("wallex: unsupported interval %q: %w", interval, ErrInvalidSymbol)
	}
	dur := intervalDurations[interval]

	end := time.Now().UTC()
	start := end.Add(-dur * time.Duration(limit))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wallexCandles, err := w.client.Candles(symbol, resolution, start, end)
	if err != nil {
		return nil, fmt.Errorf("GetKlines %s: wallex: %w", symbol, err)
	}

	candles := make([]candle.Candle, 0, len(wallexCandles))
	for _, wc := range wallexCandles {
		open, _ := strconv.ParseFloat(string(wc.Open), 64)
		high, _ := strconv.ParseFloat(string(wc.High), 64)
		low, _ := strconv.ParseFloat(string(wc.Low), 64)
		closePrice, _ := strconv.ParseFloat(string(wc.Close), 64)
		volume, _ := strconv.ParseFloat(string(wc.Volume), 64)

		c := candle.Candle{
			Symbol:    symbol,
			Timestamp: wc.Timestamp.UTC().Truncate(dur),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		}
		if err := c.Validate(); err != nil {
			logger.L().Warnf("exchange | %s skipping invalid candle at %s: %v", w.Name(), c.Timestamp, err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// GetBalance fetches the current free and locked funds for one asset.
func (w *WallexClient) GetBalance(ctx context.Context, asset string) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	balances, err := w.client.Balances()
	if err != nil {
		return Balance{}, fmt.Errorf("GetBalance %s: wallex: %w", asset, err)
	}
	wb, ok := balances[asset]
	if !ok || wb == nil {
		return Balance{Asset: asset}, nil
	}
	free, _ := strconv.ParseFloat(string(wb.Value), 64)
	locked, _ := strconv.ParseFloat(string(wb.Locked), 64)
	return Balance{Asset: asset, Free: free, Locked: locked}, nil
}

// CreateMarketOrder submits a market order and normalizes the response.
// Wallex has no client order ID field, so the generated ID is carried only
// on the normalized result.
func (w *WallexClient) CreateMarketOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	qty := strconv.FormatFloat(req.Quantity, 'f', 8, 64)
	params := &wallex.OrderParams{
		Symbol:   req.Symbol,
		Type:     "MARKET",
		Side:     strings.ToUpper(req.Side),
		Quantity: wallex.Number(qty),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return Order{}, fmt.Errorf("CreateMarketOrder %s %s: wallex: %w", req.Side, req.Symbol, err)
	}

	return Order{
		ExchangeOrderID: resp.ClientOrderID,
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            strings.ToUpper(req.Side),
		Quantity:        req.Quantity,
		FilledQty:       wallexNumber(resp.ExecutedQty),
		FillPrice:       wallexNumber(resp.ExecutedPrice),
		Status:          strings.ToUpper(resp.Status),
		Timestamp:       resp.CreatedAt.UTC(),
	}, nil
}

// wallexNumber safely dereferences a *wallex.Number.
func wallexNumber(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := strconv.ParseFloat(string(*n), 64)
	return out
}
