package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"cryptostream/internal/models"
	"cryptostream/internal/symbols"
)

const binanceName = "binance"

func newBinanceClient(base string, hc *http.Client) *futures.Client {
	client := futures.NewClient("", "")
	client.HTTPClient = hc
	client.SetApiEndpoint(base)
	return client
}

var candleFields = []string{"open", "high", "low", "close", "volume", "quote_volume"}

func (c *Connector) binanceOHLC(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := c.binance.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}
	now := time.Now().UnixMilli()
	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		v, err := models.ParseFloats(candleFields, k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume)
		if err != nil {
			return nil, fmt.Errorf("%w: binance kline %s: %v", ErrMalformedMessage, symbol, err)
		}
		out = append(out, models.Candle{
			Exchange:    binanceName,
			Symbol:      symbol,
			Timestamp:   models.ToUTC(k.OpenTime),
			Interval:    interval,
			Open:        v[0],
			High:        v[1],
			Low:         v[2],
			Close:       v[3],
			Volume:      v[4],
			QuoteVolume: v[5],
			TradesCount: k.TradeNum,
			IsClosed:    k.CloseTime < now,
		})
	}
	return out, nil
}

func (c *Connector) binanceOpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error) {
	res, err := c.binance.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.OpenInterest{}, fmt.Errorf("binance open interest %s: %w", symbol, err)
	}
	oi, err := models.ParseFloat(res.OpenInterest)
	if err != nil {
		return models.OpenInterest{}, fmt.Errorf("%w: binance open interest: %v", ErrMalformedMessage, err)
	}
	return models.OpenInterest{
		Exchange:     binanceName,
		Symbol:       symbol,
		Timestamp:    models.ToUTC(res.Time),
		OpenInterest: oi,
	}, nil
}

func (c *Connector) binanceFundingRate(ctx context.Context, symbol string) (models.FundingRate, error) {
	rates, err := c.binanceFundingHistory(ctx, symbol, 1)
	if err != nil {
		return models.FundingRate{}, err
	}
	if len(rates) == 0 {
		return models.FundingRate{}, fmt.Errorf("binance funding rate %s: %w", symbol, ErrNoData)
	}
	return rates[len(rates)-1], nil
}

func (c *Connector) binanceFundingHistory(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error) {
	res, err := c.binance.NewFundingRateService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance funding rate %s: %w", symbol, err)
	}
	out := make([]models.FundingRate, 0, len(res))
	for _, r := range res {
		rate, err := models.ParseFloat(r.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("%w: binance funding rate: %v", ErrMalformedMessage, err)
		}
		ts := models.ToUTC(r.FundingTime)
		out = append(out, models.FundingRate{
			Exchange:    binanceName,
			Symbol:      symbol,
			Timestamp:   ts,
			FundingRate: rate,
			FundingTime: ts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FundingTime.Before(out[j].FundingTime) })
	return out, nil
}

type binanceOIStat struct {
	Symbol               string      `json:"symbol"`
	SumOpenInterest      string      `json:"sumOpenInterest"`
	SumOpenInterestValue string      `json:"sumOpenInterestValue"`
	Timestamp            json.Number `json:"timestamp"`
}

// binanceOpenInterestHistory reads /futures/data/openInterestHist, which
// carries the notional value the point-in-time endpoint lacks.
func (c *Connector) binanceOpenInterestHistory(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterest, error) {
	if limit > 500 {
		limit = 500
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", period)
	q.Set("limit", strconv.Itoa(limit))

	var stats []binanceOIStat
	if err := c.http.GetJSON(ctx, binanceName, c.cfg.RestURL+"/futures/data/openInterestHist", q, &stats); err != nil {
		return nil, fmt.Errorf("binance open interest history %s: %w", symbol, err)
	}
	return parseBinanceOIStats(symbol, stats)
}

func parseBinanceOIStats(symbol string, stats []binanceOIStat) ([]models.OpenInterest, error) {
	out := make([]models.OpenInterest, 0, len(stats))
	for _, s := range stats {
		v, err := models.ParseFloats([]string{"sumOpenInterest", "sumOpenInterestValue"}, s.SumOpenInterest, s.SumOpenInterestValue)
		if err != nil {
			return nil, fmt.Errorf("%w: binance open interest history: %v", ErrMalformedMessage, err)
		}
		ts, err := models.ParseEpoch(s.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: binance open interest history timestamp: %v", ErrMalformedMessage, err)
		}
		out = append(out, models.OpenInterest{
			Exchange:          binanceName,
			Symbol:            symbol,
			Timestamp:         ts,
			OpenInterest:      v[0],
			OpenInterestValue: models.Float(v[1]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// binanceSymbols lists USDT perpetuals currently trading.
func (c *Connector) binanceSymbols(ctx context.Context) ([]string, error) {
	info, err := c.binance.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}
	var out []string
	for _, s := range info.Symbols {
		if s.ContractType != futures.ContractTypePerpetual || s.Status != "TRADING" || s.QuoteAsset != "USDT" {
			continue
		}
		out = append(out, s.Symbol)
	}
	return out, nil
}

func (c *Connector) binanceKlineSpec(symbol, interval string) wsSpec[models.Candle] {
	return wsSpec[models.Candle]{
		name:  fmt.Sprintf("binance:kline:%s:%s", symbol, interval),
		url:   fmt.Sprintf("%s/%s@kline_%s", c.cfg.WSURL, strings.ToLower(symbol), interval),
		parse: parseBinanceKline,
	}
}

func parseBinanceKline(frame []byte) ([]models.Candle, error) {
	var ev futures.WsKlineEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, malformed("binance kline: %v", err)
	}
	if ev.Event != "" && ev.Event != "kline" {
		return nil, nil
	}
	k := ev.Kline
	if k.StartTime == 0 {
		return nil, malformed("binance kline: missing start time")
	}
	v, err := models.ParseFloats(candleFields, k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteVolume)
	if err != nil {
		return nil, malformed("binance kline: %v", err)
	}
	sym := ev.Symbol
	if sym == "" {
		sym = k.Symbol
	}
	return []models.Candle{{
		Exchange:    binanceName,
		Symbol:      symbols.Canonical(binanceName, sym),
		Timestamp:   models.ToUTC(k.StartTime),
		Interval:    k.Interval,
		Open:        v[0],
		High:        v[1],
		Low:         v[2],
		Close:       v[3],
		Volume:      v[4],
		QuoteVolume: v[5],
		TradesCount: k.TradeNum,
		IsClosed:    k.IsFinal,
	}}, nil
}

// binanceLiquidationSpec uses the all-market force order feed and filters it
// locally when symbols are given.
func (c *Connector) binanceLiquidationSpec(syms []string) wsSpec[models.Liquidation] {
	return wsSpec[models.Liquidation]{
		name:  "binance:liquidations",
		url:   c.cfg.WSURL + "/!forceOrder@arr",
		parse: binanceLiquidationParser(syms),
	}
}

func binanceLiquidationParser(syms []string) func([]byte) ([]models.Liquidation, error) {
	want := make(map[string]bool, len(syms))
	for _, s := range syms {
		want[s] = true
	}
	return func(frame []byte) ([]models.Liquidation, error) {
		var events []futures.WsLiquidationOrderEvent
		trimmed := bytes.TrimSpace(frame)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &events); err != nil {
				return nil, malformed("binance force order: %v", err)
			}
		} else {
			var ev futures.WsLiquidationOrderEvent
			if err := json.Unmarshal(trimmed, &ev); err != nil {
				return nil, malformed("binance force order: %v", err)
			}
			events = append(events, ev)
		}

		out := make([]models.Liquidation, 0, len(events))
		for _, ev := range events {
			o := ev.LiquidationOrder
			if o.Symbol == "" {
				return nil, malformed("binance force order: missing symbol")
			}
			sym := symbols.Canonical(binanceName, o.Symbol)
			if len(want) > 0 && !want[sym] {
				continue
			}
			side, ok := models.ParseSide(string(o.Side))
			if !ok {
				side = models.SideSell
			}
			ts := o.TradeTime
			if ts == 0 {
				ts = ev.Time
			}
			liq, err := models.NewLiquidation(binanceName, sym, side, o.Price, o.OrigQuantity, models.ToUTC(ts))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			out = append(out, liq)
		}
		return out, nil
	}
}

func (c *Connector) binanceAggTradeSpec(symbol string) wsSpec[models.LargeTrade] {
	return wsSpec[models.LargeTrade]{
		name:  "binance:aggTrade:" + symbol,
		url:   fmt.Sprintf("%s/%s@aggTrade", c.cfg.WSURL, strings.ToLower(symbol)),
		parse: parseBinanceAggTrade,
	}
}

// parseBinanceAggTrade maps the maker flag to the taker side: a buyer-maker
// trade was sold into.
func parseBinanceAggTrade(frame []byte) ([]models.LargeTrade, error) {
	var ev futures.WsAggTradeEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, malformed("binance aggTrade: %v", err)
	}
	if ev.Event != "" && ev.Event != "aggTrade" {
		return nil, nil
	}
	if ev.Symbol == "" {
		return nil, malformed("binance aggTrade: missing symbol")
	}
	side := models.SideBuy
	if ev.Maker {
		side = models.SideSell
	}
	trade, err := models.NewLargeTrade(binanceName, symbols.Canonical(binanceName, ev.Symbol), side, ev.Price, ev.Quantity, ev.Maker, models.ToUTC(ev.TradeTime))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return []models.LargeTrade{trade}, nil
}
