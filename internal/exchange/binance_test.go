// Package exchange
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestBinance(srv *httptest.Server) *BinanceClient {
	return &BinanceClient{
		apiKey:    "test-key",
		secretKey: testSecret,
		baseURL:   srv.URL,
		http:      srv.Client(),
	}
}

// assertSignedPayload checks that the signature parameter is the last one
// and that it is the HMAC of everything before it, exactly as Binance
// verifies it server-side.
func assertSignedPayload(t *testing.T, payload string) {
	t.Helper()
	idx := strings.LastIndex(payload, "&signature=")
	require.Positive(t, idx, "payload %q carries no signature", payload)
	signed, sig := payload[:idx], payload[idx+len("&signature="):]
	assert.NotContains(t, signed, "signature=", "signature must come last, not sorted into the payload")

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(signed))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestBinanceClient_SignedGetAppendsSignatureLast(t *testing.T) {
	var gotQuery, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAPIKey = r.Header.Get("X-MBX-APIKEY")
		_, _ = w.Write([]byte(`{"balances":[{"asset":"USDT","free":"5","locked":"1"}]}`))
	}))
	defer srv.Close()

	b := newTestBinance(srv)
	bal, err := b.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.Equal(t, 5.0, bal.Free)
	assert.Equal(t, 1.0, bal.Locked)

	assert.Equal(t, "test-key", gotAPIKey)
	assertSignedPayload(t, gotQuery)
}

func TestBinanceClient_SignedPostAppendsSignatureLast(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`{"orderId":7,"status":"FILLED","executedQty":"1","fills":[{"price":"100","qty":"1"}],"transactTime":1750000000000}`))
	}))
	defer srv.Close()

	b := newTestBinance(srv)
	order, err := b.CreateMarketOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Quantity: 1, ClientID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "7", order.ExchangeOrderID)
	assert.Equal(t, 100.0, order.FillPrice)

	assertSignedPayload(t, gotBody)
	// The signed portion still carries every order parameter.
	assert.Contains(t, gotBody, "symbol=BTCUSDT")
	assert.Contains(t, gotBody, "newClientOrderId=c1")
	assert.Contains(t, gotBody, "timestamp=")
}

func TestBinanceClient_UnsignedKlinesCarryNoSignature(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[[1750000000000,"100","101","99","100.5","12"]]`))
	}))
	defer srv.Close()

	b := newTestBinance(srv)
	candles, err := b.GetKlines(context.Background(), "BTCUSDT", "1m", 1)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 100.5, candles[0].Close)

	assert.NotContains(t, gotQuery, "signature=")
	assert.NotContains(t, gotQuery, "timestamp=")
}
