package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	"github.com/gorilla/websocket"

	"cryptostream/config"
	"cryptostream/internal/rest"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		MaxReconnectAttempts: 3,
		IdleTimeout:          2 * time.Second,
		HandshakeTimeout:     time.Second,
		OutputBuffer:         16,
	}
}

func testHTTPConfig() config.HTTPConfig {
	return config.HTTPConfig{
		Timeout: 2 * time.Second,
		Retry:   config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func testConnector(t *testing.T, kind Kind, restURL, wsURL string, syms ...string) *Connector {
	t.Helper()
	cfg := config.ExchangeConfig{Enabled: true, RestURL: restURL, WSURL: wsURL, Symbols: syms}
	c, err := NewConnector(kind, cfg, testStreamConfig(), testHTTPConfig(), rest.New(testHTTPConfig(), nil), nil)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

// wsServer serves fn on every websocket connection and returns a ws:// URL.
func wsServer(t *testing.T, fn func(ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fn(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func hold(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestCapabilitySets(t *testing.T) {
	cases := map[Kind][]string{
		Binance:     {"ohlc", "open_interest", "funding_rate", "liquidations", "large_trades"},
		Bybit:       {"ohlc", "open_interest", "funding_rate", "liquidations", "large_trades"},
		OKX:         {"open_interest", "funding_rate", "liquidations"},
		Hyperliquid: {"ohlc", "open_interest", "funding_rate", "large_trades"},
		Kucoin:      {"open_interest", "funding_rate"},
	}
	for kind, want := range cases {
		if got := kind.Capabilities().String(); got != strings.Join(want, ",") {
			t.Fatalf("%s capabilities = %s, want %v", kind, got, want)
		}
	}
	if k, ok := ParseKind(" OKX "); !ok || k != OKX {
		t.Fatalf("ParseKind failed: %v %v", k, ok)
	}
	if c, ok := ParseCapability("Large_Trades"); !ok || c != CapLargeTrades {
		t.Fatalf("ParseCapability failed: %v %v", c, ok)
	}
}

func TestCapabilityErrorBeforeIO(t *testing.T) {
	// unroutable endpoints: any I/O would fail with a different error
	c := testConnector(t, OKX, "http://127.0.0.1:1", "ws://127.0.0.1:1")
	ctx := context.Background()

	if _, err := c.FetchOHLC(ctx, "BTCUSDT", "1h", 10); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Fatalf("FetchOHLC: expected capability error, got %v", err)
	}
	if _, err := c.StreamOHLC(ctx, "BTCUSDT", "1m"); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Fatalf("StreamOHLC: expected capability error, got %v", err)
	}
	if _, err := c.StreamLargeTrades(ctx, "BTCUSDT"); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Fatalf("StreamLargeTrades: expected capability error, got %v", err)
	}
	_, err := c.FetchOpenInterestHistory(ctx, "BTCUSDT", "5m", 10)
	var ce *CapabilityError
	if !errors.As(err, &ce) || ce.Operation != "open_interest_history" || ce.Exchange != "okx" {
		t.Fatalf("expected open_interest_history capability error, got %v", err)
	}

	k := testConnector(t, Kucoin, "http://127.0.0.1:1", "")
	if _, err := k.StreamLiquidations(ctx); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Fatalf("kucoin liquidations: expected capability error, got %v", err)
	}
	if c.LiveStreams() != 0 || k.LiveStreams() != 0 {
		t.Fatal("no stream should have been started")
	}
}

func TestIntervals(t *testing.T) {
	cases := map[string]time.Duration{
		"1m": time.Minute, "15m": 15 * time.Minute, "4h": 4 * time.Hour, "1d": 24 * time.Hour, "1w": 7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := IntervalDuration(in)
		if err != nil || got != want {
			t.Fatalf("IntervalDuration(%s) = %v, %v", in, got, err)
		}
	}
	for _, bad := range []string{"", "m", "0m", "5x", "-1h"} {
		if _, err := IntervalDuration(bad); err == nil {
			t.Fatalf("IntervalDuration(%q) should fail", bad)
		}
	}
	if v, _ := bybitInterval("4h"); v != "240" || fromBybitInterval("240") != "4h" {
		t.Fatalf("bybit interval mapping broken: %s", v)
	}
	if _, err := bybitOIInterval("1m"); err == nil {
		t.Fatal("bybit has no 1m open interest period")
	}
}

func TestManager(t *testing.T) {
	pings := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"0","data":[]}`))
	}))
	defer pings.Close()

	cfg := config.Default()
	cfg.HTTP = testHTTPConfig()
	cfg.Exchanges = config.ExchangesConfig{
		OKX:         config.ExchangeConfig{Enabled: true, RestURL: pings.URL},
		Hyperliquid: config.ExchangeConfig{Enabled: true, RestURL: "http://127.0.0.1:1"},
		Bybit:       config.ExchangeConfig{Enabled: false},
	}
	m, err := NewManager(&cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Shutdown()

	if got := strings.Join(m.List(), ","); got != "hyperliquid,okx" {
		t.Fatalf("List = %s", got)
	}
	if !m.Has("OKX") || m.Has("bybit") {
		t.Fatal("Has reports wrong exchanges")
	}
	_, err = m.Get("bybit")
	var ue *UnknownExchangeError
	if !errors.Is(err, ErrUnknownExchange) || !errors.As(err, &ue) || len(ue.Available) != 2 {
		t.Fatalf("expected unknown exchange listing available, got %v", err)
	}
	if cs := m.WithCapability(CapLiquidations); len(cs) != 1 || cs[0].Name() != "okx" {
		t.Fatalf("WithCapability(liquidations) = %v", cs)
	}
	if cs := m.WithCapability(CapOpenInterest); len(cs) != 2 {
		t.Fatalf("WithCapability(open_interest) = %d connectors", len(cs))
	}

	health := m.HealthCheck(context.Background())
	if !health["okx"] || health["hyperliquid"] {
		t.Fatalf("unexpected health: %v", health)
	}
}

type throttledMarket struct {
	futuresmarket.MarketAPI
	calls int
}

func (m *throttledMarket) GetSymbol(req *futuresmarket.GetSymbolReq, ctx context.Context) (*futuresmarket.GetSymbolResp, error) {
	m.calls++
	return nil, errors.New("request failed: 429000 Too Many Requests")
}

func TestKucoinThrottleIsRateLimited(t *testing.T) {
	httpCfg := config.HTTPConfig{
		Timeout: time.Second,
		Retry:   config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
	cfg := config.ExchangeConfig{Enabled: true, RestURL: "http://127.0.0.1:1"}
	c, err := NewConnector(Kucoin, cfg, testStreamConfig(), httpCfg, rest.New(httpCfg, nil), nil)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	market := &throttledMarket{}
	c.kucoin = market

	_, err = c.FetchOpenInterest(context.Background(), "BTCUSDT")
	var rl *rest.RateLimitedError
	if !errors.As(err, &rl) || !errors.Is(err, rest.ErrRateLimited) {
		t.Fatalf("expected *rest.RateLimitedError, got %v", err)
	}
	if rl.Exchange != "kucoin" || rl.Attempts != 3 || market.calls != 3 {
		t.Fatalf("unexpected error %+v after %d calls", rl, market.calls)
	}
}
