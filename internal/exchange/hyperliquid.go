package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cryptostream/internal/models"
	"cryptostream/internal/symbols"
)

const hyperliquidName = "hyperliquid"

var hyperliquidPing = []byte(`{"method":"ping"}`)

func (c *Connector) hyperliquidInfo(ctx context.Context, req, out interface{}) error {
	if err := c.http.PostJSON(ctx, hyperliquidName, c.cfg.RestURL+"/info", req, out); err != nil {
		return fmt.Errorf("hyperliquid info: %w", err)
	}
	return nil
}

type hyperliquidCandle struct {
	T      json.Number `json:"t"`
	Close  json.Number `json:"T"`
	Symbol string      `json:"s"`
	I      string      `json:"i"`
	O      interface{} `json:"o"`
	C      interface{} `json:"c"`
	H      interface{} `json:"h"`
	L      interface{} `json:"l"`
	V      interface{} `json:"v"`
	N      int64       `json:"n"`
	// Closed is only present on some websocket updates.
	Closed *bool `json:"closed,omitempty"`
}

func (k hyperliquidCandle) toCandle(symbol, interval string, now time.Time) (models.Candle, error) {
	ts, err := models.ParseEpoch(k.T)
	if err != nil {
		return models.Candle{}, malformed("hyperliquid candle t: %v", err)
	}
	v, err := models.ParseFloats([]string{"open", "high", "low", "close", "volume"}, k.O, k.H, k.L, k.C, k.V)
	if err != nil {
		return models.Candle{}, malformed("hyperliquid candle: %v", err)
	}
	closed := false
	if k.Closed != nil {
		closed = *k.Closed
	} else if end, err := models.ParseEpoch(k.Close); err == nil {
		closed = end.Before(now)
	}
	if interval == "" {
		interval = k.I
	}
	return models.Candle{
		Exchange:    hyperliquidName,
		Symbol:      symbol,
		Timestamp:   ts,
		Interval:    interval,
		Open:        v[0],
		High:        v[1],
		Low:         v[2],
		Close:       v[3],
		Volume:      v[4],
		QuoteVolume: v[4] * v[3],
		TradesCount: k.N,
		IsClosed:    closed,
	}, nil
}

func (c *Connector) hyperliquidOHLC(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	step, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	end := time.Now()
	start := end.Add(-step * time.Duration(limit))
	req := map[string]interface{}{
		"type": "candleSnapshot",
		"req": map[string]interface{}{
			"coin":      symbols.ToExchange(hyperliquidName, symbol),
			"interval":  interval,
			"startTime": start.UnixMilli(),
			"endTime":   end.UnixMilli(),
		},
	}
	var rows []hyperliquidCandle
	if err := c.hyperliquidInfo(ctx, req, &rows); err != nil {
		return nil, err
	}
	out := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		cd, err := r.toCandle(symbol, interval, end)
		if err != nil {
			return nil, err
		}
		out = append(out, cd)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type hyperliquidMeta struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

type hyperliquidAssetCtx struct {
	OpenInterest interface{} `json:"openInterest"`
	MarkPx       interface{} `json:"markPx"`
	Funding      interface{} `json:"funding"`
}

// hyperliquidAsset finds coin in the metaAndAssetCtxs response, a two element
// array of universe metadata and per-asset contexts in the same order.
func (c *Connector) hyperliquidAsset(ctx context.Context, symbol string) (hyperliquidAssetCtx, error) {
	var raw []json.RawMessage
	if err := c.hyperliquidInfo(ctx, map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return hyperliquidAssetCtx{}, err
	}
	return findHyperliquidAsset(raw, symbols.ToExchange(hyperliquidName, symbol))
}

func findHyperliquidAsset(raw []json.RawMessage, coin string) (hyperliquidAssetCtx, error) {
	if len(raw) < 2 {
		return hyperliquidAssetCtx{}, malformed("hyperliquid metaAndAssetCtxs has %d parts", len(raw))
	}
	var meta hyperliquidMeta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return hyperliquidAssetCtx{}, malformed("hyperliquid meta: %v", err)
	}
	var ctxs []hyperliquidAssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return hyperliquidAssetCtx{}, malformed("hyperliquid asset contexts: %v", err)
	}
	for i, u := range meta.Universe {
		if u.Name == coin && i < len(ctxs) {
			return ctxs[i], nil
		}
	}
	return hyperliquidAssetCtx{}, fmt.Errorf("hyperliquid %s: %w", coin, ErrNoData)
}

func (c *Connector) hyperliquidOpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error) {
	asset, err := c.hyperliquidAsset(ctx, symbol)
	if err != nil {
		return models.OpenInterest{}, err
	}
	v, err := models.ParseFloats([]string{"openInterest", "markPx"}, asset.OpenInterest, asset.MarkPx)
	if err != nil {
		return models.OpenInterest{}, malformed("hyperliquid open interest: %v", err)
	}
	return models.OpenInterest{
		Exchange:          hyperliquidName,
		Symbol:            symbol,
		Timestamp:         time.Now().UTC(),
		OpenInterest:      v[0],
		OpenInterestValue: models.Float(v[0] * v[1]),
	}, nil
}

// hyperliquidFundingRate reports the current hourly rate from the asset
// context; funding settles on the next full hour.
func (c *Connector) hyperliquidFundingRate(ctx context.Context, symbol string) (models.FundingRate, error) {
	asset, err := c.hyperliquidAsset(ctx, symbol)
	if err != nil {
		return models.FundingRate{}, err
	}
	fr, err := models.ParseFloat(asset.Funding)
	if err != nil {
		return models.FundingRate{}, malformed("hyperliquid funding: %v", err)
	}
	now := time.Now().UTC()
	return models.FundingRate{
		Exchange:    hyperliquidName,
		Symbol:      symbol,
		Timestamp:   now,
		FundingRate: fr,
		FundingTime: now.Truncate(time.Hour).Add(time.Hour),
	}, nil
}

type hyperliquidFunding struct {
	Coin        string      `json:"coin"`
	FundingRate interface{} `json:"fundingRate"`
	Time        json.Number `json:"time"`
}

func (c *Connector) hyperliquidFundingHistory(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error) {
	// funding settles hourly, so limit hours of history cover limit entries
	start := time.Now().Add(-time.Duration(limit+1) * time.Hour)
	req := map[string]interface{}{
		"type":      "fundingHistory",
		"coin":      symbols.ToExchange(hyperliquidName, symbol),
		"startTime": start.UnixMilli(),
	}
	var rows []hyperliquidFunding
	if err := c.hyperliquidInfo(ctx, req, &rows); err != nil {
		return nil, err
	}
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]models.FundingRate, 0, len(rows))
	for _, r := range rows {
		fr, err := models.ParseFloat(r.FundingRate)
		if err != nil {
			return nil, malformed("hyperliquid funding history: %v", err)
		}
		ts, err := models.ParseEpoch(r.Time)
		if err != nil {
			return nil, malformed("hyperliquid funding time: %v", err)
		}
		out = append(out, models.FundingRate{Exchange: hyperliquidName, Symbol: symbol, Timestamp: ts, FundingRate: fr, FundingTime: ts})
	}
	return out, nil
}

func hyperliquidSubscribe(subs ...map[string]string) func() [][]byte {
	return func() [][]byte {
		msgs := make([][]byte, 0, len(subs))
		for _, s := range subs {
			msg, _ := json.Marshal(map[string]interface{}{"method": "subscribe", "subscription": s})
			msgs = append(msgs, msg)
		}
		return msgs
	}
}

type hyperliquidFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func decodeHyperliquidFrame(frame []byte, channel string) (json.RawMessage, error) {
	var f hyperliquidFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, malformed("hyperliquid frame: %v", err)
	}
	if f.Channel != channel {
		return nil, nil
	}
	return f.Data, nil
}

func (c *Connector) hyperliquidCandleSpec(symbol, interval string) wsSpec[models.Candle] {
	coin := symbols.ToExchange(hyperliquidName, symbol)
	return wsSpec[models.Candle]{
		name:      fmt.Sprintf("hyperliquid:candle:%s:%s", symbol, interval),
		url:       c.cfg.WSURL,
		handshake: hyperliquidSubscribe(map[string]string{"type": "candle", "coin": coin, "interval": interval}),
		ping:      hyperliquidPing,
		parse:     hyperliquidCandleParser(symbol, interval),
	}
}

func hyperliquidCandleParser(symbol, interval string) func([]byte) ([]models.Candle, error) {
	return func(frame []byte) ([]models.Candle, error) {
		data, err := decodeHyperliquidFrame(frame, "candle")
		if err != nil || data == nil {
			return nil, err
		}
		var k hyperliquidCandle
		if err := json.Unmarshal(data, &k); err != nil {
			return nil, malformed("hyperliquid candle: %v", err)
		}
		cd, err := k.toCandle(symbol, interval, time.Now())
		if err != nil {
			return nil, err
		}
		return []models.Candle{cd}, nil
	}
}

func (c *Connector) hyperliquidTradeSpec(syms []string) wsSpec[models.LargeTrade] {
	subs := make([]map[string]string, 0, len(syms))
	for _, s := range syms {
		subs = append(subs, map[string]string{"type": "trades", "coin": symbols.ToExchange(hyperliquidName, s)})
	}
	return wsSpec[models.LargeTrade]{
		name:      "hyperliquid:trades",
		url:       c.cfg.WSURL,
		handshake: hyperliquidSubscribe(subs...),
		ping:      hyperliquidPing,
		parse:     parseHyperliquidTrades,
	}
}

type hyperliquidTrade struct {
	Coin string      `json:"coin"`
	Side string      `json:"side"`
	Px   string      `json:"px"`
	Sz   string      `json:"sz"`
	Time json.Number `json:"time"`
}

// parseHyperliquidTrades maps side B (bid) to a taker buy and A (ask) to a
// taker sell.
func parseHyperliquidTrades(frame []byte) ([]models.LargeTrade, error) {
	data, err := decodeHyperliquidFrame(frame, "trades")
	if err != nil || data == nil {
		return nil, err
	}
	var rows []hyperliquidTrade
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, malformed("hyperliquid trades: %v", err)
	}
	out := make([]models.LargeTrade, 0, len(rows))
	for _, r := range rows {
		side, ok := models.ParseSide(r.Side)
		if !ok {
			return nil, malformed("hyperliquid trade side %q", r.Side)
		}
		ts, err := models.ParseEpoch(r.Time)
		if err != nil {
			return nil, malformed("hyperliquid trade time: %v", err)
		}
		trade, err := models.NewLargeTrade(hyperliquidName, symbols.Canonical(hyperliquidName, r.Coin), side, r.Px, r.Sz, side == models.SideSell, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		out = append(out, trade)
	}
	return out, nil
}
