package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/google/uuid"

	"cryptostream/internal/metrics/rate"
	"cryptostream/internal/models"
	"cryptostream/internal/symbols"
)

const (
	bybitName = "bybit"
	// bybitMaxArgs is the subscribe batch size Bybit accepts per request.
	bybitMaxArgs = 10
)

var bybitPing = []byte(`{"op":"ping"}`)

func newBybitClient(base string, hc *http.Client) *bybit.Client {
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = hc
	return client
}

// bybitResult checks the response envelope and decodes Result into out.
func (c *Connector) bybitResult(op string, resp *bybit.ServerResponse, out interface{}) error {
	if resp == nil {
		return fmt.Errorf("bybit %s: %w", op, ErrNoData)
	}
	if resp.RetCode != 0 {
		rate.ReportLimitFromMessage(c.log, bybitName, op, resp.RetMsg)
		return fmt.Errorf("bybit %s: retCode %d: %s", op, resp.RetCode, resp.RetMsg)
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("bybit %s: %w", op, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: bybit %s: %v", ErrMalformedMessage, op, err)
	}
	return nil
}

type bybitKlineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

func (c *Connector) bybitOHLC(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	bi, err := bybitInterval(interval)
	if err != nil {
		return nil, err
	}
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"interval": bi,
		"limit":    limit,
	}
	resp, err := c.bybit.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit kline %s: %w", symbol, err)
	}
	var res bybitKlineResult
	if err := c.bybitResult("kline", resp, &res); err != nil {
		return nil, err
	}
	return parseBybitKlines(symbol, interval, res.List, time.Now())
}

// parseBybitKlines converts [start, open, high, low, close, volume, turnover]
// rows, which Bybit sends newest first.
func parseBybitKlines(symbol, interval string, rows [][]string, now time.Time) ([]models.Candle, error) {
	step, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	out := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, malformed("bybit kline row has %d fields", len(row))
		}
		ts, err := models.ParseEpoch(row[0])
		if err != nil {
			return nil, malformed("bybit kline start: %v", err)
		}
		v, err := models.ParseFloats(candleFields, row[1], row[2], row[3], row[4], row[5], row[6])
		if err != nil {
			return nil, malformed("bybit kline: %v", err)
		}
		out = append(out, models.Candle{
			Exchange:    bybitName,
			Symbol:      symbol,
			Timestamp:   ts,
			Interval:    interval,
			Open:        v[0],
			High:        v[1],
			Low:         v[2],
			Close:       v[3],
			Volume:      v[4],
			QuoteVolume: v[5],
			IsClosed:    !ts.Add(step).After(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

type bybitOIResult struct {
	Symbol string `json:"symbol"`
	List   []struct {
		OpenInterest string `json:"openInterest"`
		Timestamp    string `json:"timestamp"`
	} `json:"list"`
}

func (c *Connector) bybitOpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error) {
	list, err := c.bybitOpenInterestHistory(ctx, symbol, "5m", 1)
	if err != nil {
		return models.OpenInterest{}, err
	}
	if len(list) == 0 {
		return models.OpenInterest{}, fmt.Errorf("bybit open interest %s: %w", symbol, ErrNoData)
	}
	return list[len(list)-1], nil
}

func (c *Connector) bybitOpenInterestHistory(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterest, error) {
	it, err := bybitOIInterval(period)
	if err != nil {
		return nil, err
	}
	if limit > 200 {
		limit = 200
	}
	params := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"intervalTime": it,
		"limit":        limit,
	}
	resp, err := c.bybit.NewUtaBybitServiceWithParams(params).GetOpenInterests(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit open interest %s: %w", symbol, err)
	}
	var res bybitOIResult
	if err := c.bybitResult("open_interest", resp, &res); err != nil {
		return nil, err
	}
	out := make([]models.OpenInterest, 0, len(res.List))
	for _, row := range res.List {
		oi, err := models.ParseFloat(row.OpenInterest)
		if err != nil {
			return nil, malformed("bybit open interest: %v", err)
		}
		ts, err := models.ParseEpoch(row.Timestamp)
		if err != nil {
			return nil, malformed("bybit open interest timestamp: %v", err)
		}
		out = append(out, models.OpenInterest{Exchange: bybitName, Symbol: symbol, Timestamp: ts, OpenInterest: oi})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

type bybitFundingResult struct {
	List []struct {
		Symbol               string `json:"symbol"`
		FundingRate          string `json:"fundingRate"`
		FundingRateTimestamp string `json:"fundingRateTimestamp"`
	} `json:"list"`
}

func (c *Connector) bybitFundingRate(ctx context.Context, symbol string) (models.FundingRate, error) {
	rates, err := c.bybitFundingHistory(ctx, symbol, 1)
	if err != nil {
		return models.FundingRate{}, err
	}
	if len(rates) == 0 {
		return models.FundingRate{}, fmt.Errorf("bybit funding rate %s: %w", symbol, ErrNoData)
	}
	return rates[len(rates)-1], nil
}

func (c *Connector) bybitFundingHistory(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"limit":    limit,
	}
	resp, err := c.bybit.NewUtaBybitServiceWithParams(params).GetFundingRateHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit funding rate %s: %w", symbol, err)
	}
	var res bybitFundingResult
	if err := c.bybitResult("funding_rate", resp, &res); err != nil {
		return nil, err
	}
	out := make([]models.FundingRate, 0, len(res.List))
	for _, row := range res.List {
		fr, err := models.ParseFloat(row.FundingRate)
		if err != nil {
			return nil, malformed("bybit funding rate: %v", err)
		}
		ts, err := models.ParseEpoch(row.FundingRateTimestamp)
		if err != nil {
			return nil, malformed("bybit funding timestamp: %v", err)
		}
		out = append(out, models.FundingRate{Exchange: bybitName, Symbol: symbol, Timestamp: ts, FundingRate: fr, FundingTime: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FundingTime.Before(out[j].FundingTime) })
	return out, nil
}

// bybitSubscribe batches topics into subscribe requests of at most
// bybitMaxArgs arguments each, with a fresh req_id per batch.
func bybitSubscribe(topics []string) func() [][]byte {
	return func() [][]byte {
		var msgs [][]byte
		for i := 0; i < len(topics); i += bybitMaxArgs {
			end := i + bybitMaxArgs
			if end > len(topics) {
				end = len(topics)
			}
			msg, _ := json.Marshal(map[string]interface{}{
				"op":     "subscribe",
				"args":   topics[i:end],
				"req_id": uuid.NewString(),
			})
			msgs = append(msgs, msg)
		}
		return msgs
	}
}

type bybitFrame struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Data    json.RawMessage `json:"data"`
}

// decodeBybitFrame returns the data of a topic frame. Acks and pongs yield
// nil data and no error; a rejected subscription is malformed.
func decodeBybitFrame(frame []byte) (bybitFrame, error) {
	var f bybitFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return f, malformed("bybit frame: %v", err)
	}
	if f.Op != "" {
		if f.Success != nil && !*f.Success {
			return f, malformed("bybit %s rejected: %s", f.Op, f.RetMsg)
		}
		f.Data = nil
		return f, nil
	}
	if f.Topic == "" {
		f.Data = nil
	}
	return f, nil
}

func (c *Connector) bybitKlineSpec(symbol, interval string) (wsSpec[models.Candle], error) {
	bi, err := bybitInterval(interval)
	if err != nil {
		return wsSpec[models.Candle]{}, err
	}
	return wsSpec[models.Candle]{
		name:      fmt.Sprintf("bybit:kline:%s:%s", symbol, interval),
		url:       c.cfg.WSURL,
		handshake: bybitSubscribe([]string{fmt.Sprintf("kline.%s.%s", bi, symbol)}),
		ping:      bybitPing,
		parse:     parseBybitKline,
	}, nil
}

type bybitWSKline struct {
	Start    json.Number `json:"start"`
	Interval string      `json:"interval"`
	Open     string      `json:"open"`
	Close    string      `json:"close"`
	High     string      `json:"high"`
	Low      string      `json:"low"`
	Volume   string      `json:"volume"`
	Turnover string      `json:"turnover"`
	Confirm  bool        `json:"confirm"`
}

func parseBybitKline(frame []byte) ([]models.Candle, error) {
	f, err := decodeBybitFrame(frame)
	if err != nil || f.Data == nil {
		return nil, err
	}
	// kline.<interval>.<SYMBOL>
	parts := strings.Split(f.Topic, ".")
	if len(parts) != 3 || parts[0] != "kline" {
		return nil, malformed("bybit kline topic %q", f.Topic)
	}
	bi, sym := parts[1], parts[2]
	var rows []bybitWSKline
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, malformed("bybit kline data: %v", err)
	}
	out := make([]models.Candle, 0, len(rows))
	for _, k := range rows {
		ts, err := models.ParseEpoch(k.Start)
		if err != nil {
			return nil, malformed("bybit kline start: %v", err)
		}
		v, err := models.ParseFloats(candleFields, k.Open, k.High, k.Low, k.Close, k.Volume, k.Turnover)
		if err != nil {
			return nil, malformed("bybit kline: %v", err)
		}
		out = append(out, models.Candle{
			Exchange:    bybitName,
			Symbol:      symbols.Canonical(bybitName, sym),
			Timestamp:   ts,
			Interval:    fromBybitInterval(bi),
			Open:        v[0],
			High:        v[1],
			Low:         v[2],
			Close:       v[3],
			Volume:      v[4],
			QuoteVolume: v[5],
			IsClosed:    k.Confirm,
		})
	}
	return out, nil
}

func (c *Connector) bybitLiquidationSpec(syms []string) wsSpec[models.Liquidation] {
	topics := make([]string, 0, len(syms))
	for _, s := range syms {
		topics = append(topics, "allLiquidation."+s)
	}
	return wsSpec[models.Liquidation]{
		name:      "bybit:liquidations",
		url:       c.cfg.WSURL,
		handshake: bybitSubscribe(topics),
		ping:      bybitPing,
		parse:     parseBybitLiquidations,
	}
}

type bybitWSFill struct {
	Symbol string      `json:"s"`
	Side   string      `json:"S"`
	Price  string      `json:"p"`
	Size   string      `json:"v"`
	Time   json.Number `json:"T"`
}

func parseBybitLiquidations(frame []byte) ([]models.Liquidation, error) {
	f, err := decodeBybitFrame(frame)
	if err != nil || f.Data == nil {
		return nil, err
	}
	var rows []bybitWSFill
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, malformed("bybit liquidation data: %v", err)
	}
	out := make([]models.Liquidation, 0, len(rows))
	for _, r := range rows {
		side, ok := models.ParseSide(r.Side)
		if !ok {
			side = models.SideSell
		}
		ts, err := models.ParseEpoch(r.Time)
		if err != nil {
			return nil, malformed("bybit liquidation time: %v", err)
		}
		liq, err := models.NewLiquidation(bybitName, symbols.Canonical(bybitName, r.Symbol), side, r.Price, r.Size, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		out = append(out, liq)
	}
	return out, nil
}

func (c *Connector) bybitTradeSpec(syms []string) wsSpec[models.LargeTrade] {
	topics := make([]string, 0, len(syms))
	for _, s := range syms {
		topics = append(topics, "publicTrade."+s)
	}
	return wsSpec[models.LargeTrade]{
		name:      "bybit:trades",
		url:       c.cfg.WSURL,
		handshake: bybitSubscribe(topics),
		ping:      bybitPing,
		parse:     parseBybitTrades,
	}
}

func parseBybitTrades(frame []byte) ([]models.LargeTrade, error) {
	f, err := decodeBybitFrame(frame)
	if err != nil || f.Data == nil {
		return nil, err
	}
	var rows []bybitWSFill
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, malformed("bybit trade data: %v", err)
	}
	out := make([]models.LargeTrade, 0, len(rows))
	for _, r := range rows {
		side, ok := models.ParseSide(r.Side)
		if !ok {
			return nil, malformed("bybit trade side %q", r.Side)
		}
		ts, err := models.ParseEpoch(r.Time)
		if err != nil {
			return nil, malformed("bybit trade time: %v", err)
		}
		trade, err := models.NewLargeTrade(bybitName, symbols.Canonical(bybitName, r.Symbol), side, r.Price, r.Size, side == models.SideSell, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		out = append(out, trade)
	}
	return out, nil
}
