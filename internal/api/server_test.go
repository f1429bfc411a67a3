package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cryptostream/config"
	"cryptostream/internal/bus"
	"cryptostream/internal/candles"
	"cryptostream/internal/exchange"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
)

// hyperliquidServer answers candle snapshots and pings on POST /info.
func hyperliquidServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type string `json:"type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Type {
		case "candleSnapshot":
			_, _ = io.WriteString(w, `[{"t":1700000000000,"T":1700000299999,"s":"ETH","i":"5m","o":"2000","c":"2010","h":"2020","l":"1990","v":"3","n":7}]`)
		default:
			_, _ = io.WriteString(w, `{}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// throttledServer answers every request with 429.
func throttledServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	srv *Server
	bus *bus.Bus
	h   http.Handler
}

// newFixture serves hyperliquid and okx from local servers. A non-nil
// lookup backs a candle hub on the fixture's bus.
func newFixture(t *testing.T, lookup candles.Lookup) fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Exchanges = config.ExchangesConfig{
		Hyperliquid: config.ExchangeConfig{Enabled: true, RestURL: hyperliquidServer(t).URL},
		OKX:         config.ExchangeConfig{Enabled: true, RestURL: throttledServer(t).URL},
	}
	cfg.HTTP = config.HTTPConfig{
		Timeout: 2 * time.Second,
		Retry:   config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	log := logger.Logger()
	manager, err := exchange.NewManager(&cfg, nil, log)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Shutdown)

	b := bus.New(16, log)
	var hub *candles.Hub
	if lookup != nil {
		hub = candles.NewHub(lookup, b, 10*time.Millisecond, log)
		t.Cleanup(hub.Close)
	}
	srv, err := NewServer(config.APIConfig{Enabled: true, Address: ":0", ResourceHistory: 10, WriteTimeout: time.Second}, cfg.App, Deps{
		Exchanges: manager,
		Bus:       b,
		Candles:   hub,
		Components: map[string]StatsFunc{
			"detector": func() interface{} { return []string{"ok"} },
		},
	}, log)
	if err != nil || srv == nil {
		t.Fatalf("NewServer: %v %v", srv, err)
	}
	t.Cleanup(srv.cleanup)
	return fixture{srv: srv, bus: b, h: srv.Handler()}
}

func (f fixture) get(t *testing.T, path string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := httptest.NewRecorder()
	f.h.ServeHTTP(res, req)
	return res.Code, res.Body.String()
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                       "0.0.0.0:8000",
		"  :9090  ":              "0.0.0.0:9090",
		"localhost":              "localhost:8000",
		"[::1]:443":              "[::1]:443",
		"::1":                    "[::1]:8000",
		"*:8080":                 "0.0.0.0:8080",
		"http://10.0.0.1:8080":   "10.0.0.1:8080",
		"https://api.example.io": "api.example.io:8000",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.APIConfig{}, config.AppConfig{}, Deps{}, nil)
	if err != nil || srv != nil {
		t.Fatalf("disabled server = %v, %v", srv, err)
	}
	if _, err := NewServer(config.APIConfig{Enabled: true}, config.AppConfig{}, Deps{}, nil); err == nil {
		t.Fatal("expected error without dependencies")
	}
}

func TestSystemEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.get(t, "/health")
	if code != http.StatusOK {
		t.Fatalf("/health status %d", code)
	}
	var health struct {
		Status    string          `json:"status"`
		Exchanges map[string]bool `json:"exchanges"`
	}
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "degraded" || !health.Exchanges["hyperliquid"] || health.Exchanges["okx"] {
		t.Fatalf("unexpected health %+v", health)
	}

	code, body = f.get(t, "/exchanges")
	if code != http.StatusOK || !strings.Contains(body, `"large_trades"`) || !strings.Contains(body, `"okx"`) {
		t.Fatalf("/exchanges %d %s", code, body)
	}

	code, body = f.get(t, "/stats")
	if code != http.StatusOK || !strings.Contains(body, `"bus"`) || !strings.Contains(body, `"detector"`) || !strings.Contains(body, `"flows"`) {
		t.Fatalf("/stats %d %s", code, body)
	}

	metrics.SetBusSubscribers("liquidation", 0)
	code, body = f.get(t, "/metrics")
	if code != http.StatusOK || !strings.Contains(body, "cryptostream_bus_subscribers") {
		t.Fatalf("/metrics %d", code)
	}

	if code, _ = f.get(t, "/resources"); code != http.StatusOK {
		t.Fatalf("/resources %d", code)
	}
	if code, _ = f.get(t, "/nope/at/all/here"); code != http.StatusNotFound {
		t.Fatalf("unknown route %d", code)
	}
}

func TestDebugEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	metrics.EmitMetric(f.srv.log, "api_test", "sampled", 7, "gauge", nil)
	f.srv.log.WithComponent("api_test").Warn("sampled warning")

	code, body := f.get(t, "/debug/metrics?component=api_test")
	if code != http.StatusOK || !strings.Contains(body, `"sampled"`) {
		t.Fatalf("/debug/metrics %d %s", code, body)
	}
	code, body = f.get(t, "/debug/logs")
	if code != http.StatusOK || !strings.Contains(body, "sampled warning") {
		t.Fatalf("/debug/logs %d %s", code, body)
	}
	if code, _ = f.get(t, "/debug/logs?level=loud"); code != http.StatusBadRequest {
		t.Fatalf("bad level accepted: %d", code)
	}
}

func TestMarketEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		path string
		want int
	}{
		{"/hyperliquid/ohlc/ETHUSDT/5m?limit=1", http.StatusOK},
		{"/hyperliquid/ohlc/ETHUSDT/5x", http.StatusBadRequest},
		{"/hyperliquid/ohlc/ETHUSDT/5m?limit=0", http.StatusBadRequest},
		{"/okx/ohlc/BTCUSDT/1m", http.StatusNotFound},
		{"/kraken/oi/BTCUSDT", http.StatusNotFound},
		{"/okx/oi/BTCUSDT", http.StatusServiceUnavailable},
		{"/hyperliquid/oi-hist/ETHUSDT?period=1h", http.StatusNotFound},
		{"/okx/funding-hist/BTCUSDT", http.StatusNotFound},
		{"/multi/ohlc/ETHUSDT/5m?limit=1", http.StatusOK},
	}
	for _, tc := range cases {
		if code, body := f.get(t, tc.path); code != tc.want {
			t.Fatalf("GET %s = %d (%s), want %d", tc.path, code, body, tc.want)
		}
	}

	_, body := f.get(t, "/hyperliquid/ohlc/ETHUSDT/5m?limit=1")
	var candles []struct {
		Exchange    string  `json:"exchange"`
		Close       float64 `json:"close"`
		QuoteVolume float64 `json:"quote_volume"`
	}
	if err := json.Unmarshal([]byte(body), &candles); err != nil || len(candles) != 1 {
		t.Fatalf("decode candles: %v %s", err, body)
	}
	if candles[0].Exchange != "hyperliquid" || candles[0].Close != 2010 {
		t.Fatalf("unexpected candle %+v", candles[0])
	}

	_, body = f.get(t, "/multi/ohlc/ETHUSDT/5m?limit=1")
	var multi map[string][]json.RawMessage
	if err := json.Unmarshal([]byte(body), &multi); err != nil {
		t.Fatalf("decode multi: %v", err)
	}
	if len(multi) != 1 || len(multi["hyperliquid"]) != 1 {
		t.Fatalf("unexpected multi response %s", body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&exchange.UnknownExchangeError{Name: "x"}, http.StatusNotFound},
		{&exchange.CapabilityError{Exchange: "okx", Capability: exchange.CapOHLC}, http.StatusNotFound},
		{exchange.ErrNoData, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
