package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"cryptostream/internal/metrics/rate"
	"cryptostream/internal/models"
	"cryptostream/internal/symbols"
)

const okxName = "okx"

var (
	okxPing = []byte("ping")
	okxPong = []byte("pong")
)

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// okxGet calls a public v5 endpoint and decodes the data array into out.
func (c *Connector) okxGet(ctx context.Context, path string, q url.Values, out interface{}) error {
	var env okxEnvelope
	if err := c.http.GetJSON(ctx, okxName, c.cfg.RestURL+path, q, &env); err != nil {
		return fmt.Errorf("okx %s: %w", path, err)
	}
	if env.Code != "" && env.Code != "0" {
		rate.ReportLimitFromMessage(c.log, okxName, path, env.Msg)
		return fmt.Errorf("okx %s: code %s: %s", path, env.Code, env.Msg)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: okx %s: %v", ErrMalformedMessage, path, err)
	}
	return nil
}

type okxOpenInterest struct {
	InstID string `json:"instId"`
	OI     string `json:"oi"`
	OICcy  string `json:"oiCcy"`
	OIUsd  string `json:"oiUsd"`
	TS     string `json:"ts"`
}

func (c *Connector) okxOpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", symbols.ToExchange(okxName, symbol))
	var rows []okxOpenInterest
	if err := c.okxGet(ctx, "/api/v5/public/open-interest", q, &rows); err != nil {
		return models.OpenInterest{}, err
	}
	if len(rows) == 0 {
		return models.OpenInterest{}, fmt.Errorf("okx open interest %s: %w", symbol, ErrNoData)
	}
	return parseOKXOpenInterest(symbol, rows[0])
}

// parseOKXOpenInterest reports oiCcy (base units) as the open interest, since
// oi counts contracts whose size differs per instrument.
func parseOKXOpenInterest(symbol string, row okxOpenInterest) (models.OpenInterest, error) {
	base := row.OICcy
	if base == "" {
		base = row.OI
	}
	oi, err := models.ParseFloat(base)
	if err != nil {
		return models.OpenInterest{}, malformed("okx open interest: %v", err)
	}
	ts, err := models.ParseEpoch(row.TS)
	if err != nil {
		return models.OpenInterest{}, malformed("okx open interest ts: %v", err)
	}
	out := models.OpenInterest{Exchange: okxName, Symbol: symbol, Timestamp: ts, OpenInterest: oi}
	if usd, err := models.ParseFloat(row.OIUsd); err == nil {
		out.OpenInterestValue = models.Float(usd)
	}
	return out, nil
}

type okxFunding struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingRate string `json:"nextFundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	TS              string `json:"ts"`
}

func (c *Connector) okxFundingRate(ctx context.Context, symbol string) (models.FundingRate, error) {
	q := url.Values{}
	q.Set("instId", symbols.ToExchange(okxName, symbol))
	var rows []okxFunding
	if err := c.okxGet(ctx, "/api/v5/public/funding-rate", q, &rows); err != nil {
		return models.FundingRate{}, err
	}
	if len(rows) == 0 {
		return models.FundingRate{}, fmt.Errorf("okx funding rate %s: %w", symbol, ErrNoData)
	}
	return parseOKXFunding(symbol, rows[0])
}

func parseOKXFunding(symbol string, row okxFunding) (models.FundingRate, error) {
	fr, err := models.ParseFloat(row.FundingRate)
	if err != nil {
		return models.FundingRate{}, malformed("okx funding rate: %v", err)
	}
	ft, err := models.ParseEpoch(row.FundingTime)
	if err != nil {
		return models.FundingRate{}, malformed("okx funding time: %v", err)
	}
	out := models.FundingRate{Exchange: okxName, Symbol: symbol, Timestamp: ft, FundingRate: fr, FundingTime: ft}
	if ts, err := models.ParseEpoch(row.TS); err == nil {
		out.Timestamp = ts
	}
	if next, err := models.ParseFloat(row.NextFundingRate); err == nil {
		out.NextFundingRate = models.Float(next)
	}
	if nt, err := models.ParseEpoch(row.NextFundingTime); err == nil {
		out.NextFundingTime = &nt
	}
	return out, nil
}

type okxInstrument struct {
	InstID string `json:"instId"`
	CtVal  string `json:"ctVal"`
	CtType string `json:"ctType"`
}

// okxContractSizes maps canonical symbols of linear swaps to their contract
// value in base units.
func (c *Connector) okxContractSizes(ctx context.Context) (map[string]decimal.Decimal, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	var rows []okxInstrument
	if err := c.okxGet(ctx, "/api/v5/public/instruments", q, &rows); err != nil {
		return nil, err
	}
	return okxContractSizes(rows), nil
}

func okxContractSizes(rows []okxInstrument) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		if r.CtType != "linear" {
			continue
		}
		if v, err := models.ParseDecimal(r.CtVal); err == nil && v.IsPositive() {
			out[symbols.Canonical(okxName, r.InstID)] = v
		}
	}
	return out
}

// okxLiquidationSpec subscribes to the SWAP-wide liquidation channel and
// filters by symbol locally. liquidation-orders reports sz in contracts;
// without the instrument list quantities stay in contracts.
func (c *Connector) okxLiquidationSpec(ctx context.Context, syms []string) wsSpec[models.Liquidation] {
	sizes, err := c.okxContractSizes(ctx)
	if err != nil {
		c.entry("instruments").WithError(err).Warn("okx contract sizes unavailable; liquidation sizes stay in contracts")
	}
	sub, _ := json.Marshal(map[string]interface{}{
		"op": "subscribe",
		"args": []map[string]string{
			{"channel": "liquidation-orders", "instType": "SWAP"},
		},
	})
	return wsSpec[models.Liquidation]{
		name:      "okx:liquidations",
		url:       c.cfg.WSURL,
		handshake: func() [][]byte { return [][]byte{sub} },
		ping:      okxPing,
		parse:     okxLiquidationParser(syms, sizes),
	}
}

type okxLiquidationFrame struct {
	Event string `json:"event"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []struct {
		InstID  string `json:"instId"`
		Details []struct {
			Side string      `json:"side"`
			Sz   string      `json:"sz"`
			BkPx string      `json:"bkPx"`
			TS   json.Number `json:"ts"`
		} `json:"details"`
	} `json:"data"`
}

func okxLiquidationParser(syms []string, sizes map[string]decimal.Decimal) func([]byte) ([]models.Liquidation, error) {
	want := make(map[string]bool, len(syms))
	for _, s := range syms {
		want[s] = true
	}
	return func(frame []byte) ([]models.Liquidation, error) {
		if bytes.Equal(bytes.TrimSpace(frame), okxPong) {
			return nil, nil
		}
		var f okxLiquidationFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return nil, malformed("okx frame: %v", err)
		}
		if f.Event == "error" {
			return nil, malformed("okx error event: %s", f.Msg)
		}
		if f.Event != "" || f.Arg.Channel != "liquidation-orders" {
			return nil, nil
		}
		var out []models.Liquidation
		for _, d := range f.Data {
			sym := symbols.Canonical(okxName, d.InstID)
			if len(want) > 0 && !want[sym] {
				continue
			}
			for _, det := range d.Details {
				side, ok := models.ParseSide(det.Side)
				if !ok {
					side = models.SideSell
				}
				ts, err := models.ParseEpoch(det.TS)
				if err != nil {
					return nil, malformed("okx liquidation ts: %v", err)
				}
				qty := det.Sz
				if ct, ok := sizes[sym]; ok {
					n, err := models.ParseDecimal(det.Sz)
					if err != nil {
						return nil, malformed("okx liquidation sz: %v", err)
					}
					qty = n.Mul(ct).String()
				}
				liq, err := models.NewLiquidation(okxName, sym, side, det.BkPx, qty, ts)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
				}
				out = append(out, liq)
			}
		}
		return out, nil
	}
}
