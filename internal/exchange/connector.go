package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	bybit "github.com/bybit-exchange/bybit.go.api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	"golang.org/x/time/rate"

	"cryptostream/config"
	"cryptostream/internal/metrics"
	"cryptostream/internal/models"
	"cryptostream/internal/rest"
	"cryptostream/internal/stream"
	"cryptostream/logger"
)

// Connector is the single adapter type for every venue. It dispatches on its
// Kind and refuses operations outside its capability set before any I/O.
type Connector struct {
	kind      Kind
	caps      Capability
	cfg       config.ExchangeConfig
	streamCfg config.StreamConfig
	http      *rest.Client
	log       *logger.Log

	binance       *futures.Client
	bybit         *bybit.Client
	kucoin        futuresmarket.MarketAPI
	kucoinLimiter *rate.Limiter

	mu   sync.Mutex
	live map[*stream.Conn]context.CancelFunc
}

// NewConnector builds a connector for kind. Empty endpoints in cfg fall back
// to the public production URLs.
func NewConnector(kind Kind, cfg config.ExchangeConfig, streamCfg config.StreamConfig, httpCfg config.HTTPConfig, client *rest.Client, log *logger.Log) (*Connector, error) {
	if _, ok := kindNames[kind]; !ok {
		return nil, fmt.Errorf("unknown exchange kind %d", kind)
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if client == nil {
		client = rest.New(httpCfg, log)
	}
	if cfg.RestURL == "" {
		cfg.RestURL = defaultRestURL[kind]
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSURL[kind]
	}
	cfg.RestURL = strings.TrimRight(cfg.RestURL, "/")
	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")

	c := &Connector{
		kind:      kind,
		caps:      kind.Capabilities(),
		cfg:       cfg,
		streamCfg: streamCfg,
		http:      client,
		log:       log,
		live:      make(map[*stream.Conn]context.CancelFunc),
	}

	switch kind {
	case Binance:
		c.binance = newBinanceClient(cfg.RestURL, client.HTTPClient(kind.String()))
	case Bybit:
		c.bybit = newBybitClient(cfg.RestURL, client.HTTPClient(kind.String()))
	case Kucoin:
		c.kucoin = newKucoinMarketAPI(cfg.RestURL, httpCfg.Timeout)
		rps := httpCfg.RequestsPerSecond
		if rps <= 0 {
			rps = 5
		}
		burst := httpCfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.kucoinLimiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c, nil
}

var defaultRestURL = map[Kind]string{
	Binance:     "https://fapi.binance.com",
	Bybit:       "https://api.bybit.com",
	OKX:         "https://www.okx.com",
	Hyperliquid: "https://api.hyperliquid.xyz",
	Kucoin:      "https://api-futures.kucoin.com",
}

var defaultWSURL = map[Kind]string{
	Binance:     "wss://fstream.binance.com/ws",
	Bybit:       "wss://stream.bybit.com/v5/public/linear",
	OKX:         "wss://ws.okx.com:8443/ws/v5/public",
	Hyperliquid: "wss://api.hyperliquid.xyz/ws",
}

func (c *Connector) Kind() Kind               { return c.kind }
func (c *Connector) Name() string             { return c.kind.String() }
func (c *Connector) Capabilities() Capability { return c.caps }
func (c *Connector) Supports(cap Capability) bool {
	return c.caps.Has(cap)
}

// Symbols returns the configured default symbol set in canonical form.
func (c *Connector) Symbols() []string {
	out := make([]string, 0, len(c.cfg.Symbols))
	for _, s := range c.cfg.Symbols {
		out = append(out, strings.ToUpper(s))
	}
	return out
}

func (c *Connector) require(cap Capability) error {
	if !c.caps.Has(cap) {
		return &CapabilityError{Exchange: c.Name(), Capability: cap}
	}
	return nil
}

func (c *Connector) entry(operation string) *logger.Entry {
	return c.log.WithComponent(c.Name() + "_connector").WithField("operation", operation)
}

// FetchOHLC returns up to limit candles, oldest first.
func (c *Connector) FetchOHLC(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if err := c.require(CapOHLC); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	symbol = strings.ToUpper(symbol)
	switch c.kind {
	case Binance:
		return c.binanceOHLC(ctx, symbol, interval, limit)
	case Bybit:
		return c.bybitOHLC(ctx, symbol, interval, limit)
	case Hyperliquid:
		return c.hyperliquidOHLC(ctx, symbol, interval, limit)
	}
	return nil, &CapabilityError{Exchange: c.Name(), Capability: CapOHLC}
}

func (c *Connector) FetchOpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error) {
	if err := c.require(CapOpenInterest); err != nil {
		return models.OpenInterest{}, err
	}
	symbol = strings.ToUpper(symbol)
	switch c.kind {
	case Binance:
		return c.binanceOpenInterest(ctx, symbol)
	case Bybit:
		return c.bybitOpenInterest(ctx, symbol)
	case OKX:
		return c.okxOpenInterest(ctx, symbol)
	case Hyperliquid:
		return c.hyperliquidOpenInterest(ctx, symbol)
	case Kucoin:
		return c.kucoinOpenInterest(ctx, symbol)
	}
	return models.OpenInterest{}, &CapabilityError{Exchange: c.Name(), Capability: CapOpenInterest}
}

func (c *Connector) FetchFundingRate(ctx context.Context, symbol string) (models.FundingRate, error) {
	if err := c.require(CapFundingRate); err != nil {
		return models.FundingRate{}, err
	}
	symbol = strings.ToUpper(symbol)
	switch c.kind {
	case Binance:
		return c.binanceFundingRate(ctx, symbol)
	case Bybit:
		return c.bybitFundingRate(ctx, symbol)
	case OKX:
		return c.okxFundingRate(ctx, symbol)
	case Hyperliquid:
		return c.hyperliquidFundingRate(ctx, symbol)
	case Kucoin:
		return c.kucoinFundingRate(ctx, symbol)
	}
	return models.FundingRate{}, &CapabilityError{Exchange: c.Name(), Capability: CapFundingRate}
}

// FetchOpenInterestHistory returns up to limit open interest samples at the
// given period (5m, 15m, 1h ...), oldest first.
func (c *Connector) FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterest, error) {
	if err := c.require(CapOpenInterest); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 30
	}
	symbol = strings.ToUpper(symbol)
	switch c.kind {
	case Binance:
		return c.binanceOpenInterestHistory(ctx, symbol, period, limit)
	case Bybit:
		return c.bybitOpenInterestHistory(ctx, symbol, period, limit)
	}
	return nil, &CapabilityError{Exchange: c.Name(), Capability: CapOpenInterest, Operation: "open_interest_history"}
}

// FetchFundingHistory returns up to limit settled funding rates, oldest first.
func (c *Connector) FetchFundingHistory(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error) {
	if err := c.require(CapFundingRate); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	symbol = strings.ToUpper(symbol)
	switch c.kind {
	case Binance:
		return c.binanceFundingHistory(ctx, symbol, limit)
	case Bybit:
		return c.bybitFundingHistory(ctx, symbol, limit)
	case Hyperliquid:
		return c.hyperliquidFundingHistory(ctx, symbol, limit)
	}
	return nil, &CapabilityError{Exchange: c.Name(), Capability: CapFundingRate, Operation: "funding_history"}
}

// ListSymbols returns the tradable perpetual symbols. Only Binance lists its
// universe; other venues return the configured symbols.
func (c *Connector) ListSymbols(ctx context.Context) ([]string, error) {
	if c.kind == Binance {
		return c.binanceSymbols(ctx)
	}
	return c.Symbols(), nil
}

// Ping checks that the venue REST API answers.
func (c *Connector) Ping(ctx context.Context) error {
	switch c.kind {
	case Binance:
		return c.binance.NewPingService().Do(ctx)
	case Bybit:
		return c.http.GetJSON(ctx, c.Name(), c.cfg.RestURL+"/v5/market/time", nil, &struct{}{})
	case OKX:
		return c.http.GetJSON(ctx, c.Name(), c.cfg.RestURL+"/api/v5/public/time", nil, &struct{}{})
	case Hyperliquid:
		var out interface{}
		return c.http.PostJSON(ctx, c.Name(), c.cfg.RestURL+"/info", map[string]string{"type": "meta"}, &out)
	case Kucoin:
		return c.http.GetJSON(ctx, c.Name(), c.cfg.RestURL+"/api/v1/timestamp", nil, &struct{}{})
	}
	return nil
}

// StreamOHLC streams candles for one symbol. Candles older than the last one
// delivered are dropped, and closed candles that break the price envelope are
// treated as malformed.
func (c *Connector) StreamOHLC(ctx context.Context, symbol, interval string) (<-chan models.Candle, error) {
	if err := c.require(CapOHLC); err != nil {
		return nil, err
	}
	if _, err := IntervalDuration(interval); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)

	var spec wsSpec[models.Candle]
	switch c.kind {
	case Binance:
		spec = c.binanceKlineSpec(symbol, interval)
	case Bybit:
		s, err := c.bybitKlineSpec(symbol, interval)
		if err != nil {
			return nil, err
		}
		spec = s
	case Hyperliquid:
		spec = c.hyperliquidCandleSpec(symbol, interval)
	}

	parse := spec.parse
	var last time.Time
	spec.parse = func(b []byte) ([]models.Candle, error) {
		candles, err := parse(b)
		if err != nil {
			return nil, err
		}
		out := candles[:0]
		for _, cd := range candles {
			if cd.Timestamp.Before(last) {
				metrics.EmitDropMetric(c.log, metrics.DropMetricOutOfOrder, c.Name(), "ohlc", cd.Symbol, "connector")
				continue
			}
			if err := cd.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			last = cd.Timestamp
			out = append(out, cd)
		}
		return out, nil
	}
	spec.maxAttempts = c.streamCfg.MaxReconnectAttempts
	return openStreams(ctx, c, string(models.EventCandle), []wsSpec[models.Candle]{spec}), nil
}

// StreamLiquidations streams forced closes. With no symbols the venue's
// all-market feed is used where one exists, otherwise the configured symbols.
// Connections reconnect without limit.
func (c *Connector) StreamLiquidations(ctx context.Context, syms ...string) (<-chan models.Liquidation, error) {
	specs, err := c.liquidationSpecs(ctx, syms)
	if err != nil {
		return nil, err
	}
	return openStreams(ctx, c, string(models.EventLiquidation), specs), nil
}

// WatchLiquidations streams forced closes for one symbol. The connection
// gives up after stream.max_reconnect_attempts consecutive failures.
func (c *Connector) WatchLiquidations(ctx context.Context, symbol string) (<-chan models.Liquidation, error) {
	specs, err := c.liquidationSpecs(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	return openStreams(ctx, c, string(models.EventLiquidation), bounded(specs, c.streamCfg.MaxReconnectAttempts)), nil
}

func (c *Connector) liquidationSpecs(ctx context.Context, syms []string) ([]wsSpec[models.Liquidation], error) {
	if err := c.require(CapLiquidations); err != nil {
		return nil, err
	}
	syms = upper(syms)
	switch c.kind {
	case Binance:
		return []wsSpec[models.Liquidation]{c.binanceLiquidationSpec(syms)}, nil
	case Bybit:
		if len(syms) == 0 {
			syms = c.Symbols()
		}
		if len(syms) == 0 {
			return nil, fmt.Errorf("%s: no liquidation symbols configured", c.Name())
		}
		return []wsSpec[models.Liquidation]{c.bybitLiquidationSpec(syms)}, nil
	case OKX:
		return []wsSpec[models.Liquidation]{c.okxLiquidationSpec(ctx, syms)}, nil
	}
	return nil, nil
}

// StreamLargeTrades streams individual aggressive trades. Size filtering is
// left to the caller. Connections reconnect without limit.
func (c *Connector) StreamLargeTrades(ctx context.Context, syms ...string) (<-chan models.LargeTrade, error) {
	specs, err := c.largeTradeSpecs(syms)
	if err != nil {
		return nil, err
	}
	return openStreams(ctx, c, string(models.EventLargeTrade), specs), nil
}

// WatchLargeTrades is the bounded single-symbol form of StreamLargeTrades.
func (c *Connector) WatchLargeTrades(ctx context.Context, symbol string) (<-chan models.LargeTrade, error) {
	specs, err := c.largeTradeSpecs([]string{symbol})
	if err != nil {
		return nil, err
	}
	return openStreams(ctx, c, string(models.EventLargeTrade), bounded(specs, c.streamCfg.MaxReconnectAttempts)), nil
}

func (c *Connector) largeTradeSpecs(syms []string) ([]wsSpec[models.LargeTrade], error) {
	if err := c.require(CapLargeTrades); err != nil {
		return nil, err
	}
	syms = upper(syms)
	if len(syms) == 0 {
		syms = c.Symbols()
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("%s: no trade symbols configured", c.Name())
	}
	var specs []wsSpec[models.LargeTrade]
	switch c.kind {
	case Binance:
		for _, s := range syms {
			specs = append(specs, c.binanceAggTradeSpec(s))
		}
	case Bybit:
		specs = []wsSpec[models.LargeTrade]{c.bybitTradeSpec(syms)}
	case Hyperliquid:
		specs = []wsSpec[models.LargeTrade]{c.hyperliquidTradeSpec(syms)}
	}
	return specs, nil
}

func bounded[T any](specs []wsSpec[T], attempts int) []wsSpec[T] {
	for i := range specs {
		specs[i].maxAttempts = attempts
	}
	return specs
}

// LiveStreams reports how many websocket state machines are running.
func (c *Connector) LiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Shutdown stops every stream the connector owns.
func (c *Connector) Shutdown() {
	c.mu.Lock()
	conns := make([]*stream.Conn, 0, len(c.live))
	for conn, cancel := range c.live {
		cancel()
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Stop()
	}
}

func (c *Connector) track(conn *stream.Conn, cancel context.CancelFunc) {
	c.mu.Lock()
	c.live[conn] = cancel
	c.mu.Unlock()
}

func (c *Connector) untrack(conn *stream.Conn) {
	c.mu.Lock()
	delete(c.live, conn)
	c.mu.Unlock()
}

func upper(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
