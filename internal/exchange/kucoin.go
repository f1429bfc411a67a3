package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"cryptostream/internal/metrics/rate"
	"cryptostream/internal/models"
	"cryptostream/internal/symbols"
)

const kucoinName = "kucoin"

func newKucoinMarketAPI(base string, timeout time.Duration) futuresmarket.MarketAPI {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transportOpt := sdktype.NewTransportOptionBuilder().
		SetTimeout(timeout).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(base).
		WithTransportOption(transportOpt).
		Build()
	return sdkapi.NewClient(option).RestService().GetFuturesService().GetMarketAPI()
}

// kucoinContract is the subset of the contract detail read from GetSymbol.
// Numeric fields come back as strings or numbers depending on the field.
type kucoinContract struct {
	Symbol                  string      `json:"symbol"`
	OpenInterest            interface{} `json:"openInterest"`
	MarkPrice               interface{} `json:"markPrice"`
	Multiplier              interface{} `json:"multiplier"`
	FundingFeeRate          interface{} `json:"fundingFeeRate"`
	PredictedFundingFeeRate interface{} `json:"predictedFundingFeeRate"`
	NextFundingRateDateTime interface{} `json:"nextFundingRateDateTime"`
	NextFundingRateTime     interface{} `json:"nextFundingRateTime"`
}

func (c *Connector) kucoinContract(ctx context.Context, symbol string) (kucoinContract, error) {
	native := symbols.ToExchange(kucoinName, symbol)
	start := time.Now()
	var payload []byte
	throttled := func(err error) bool {
		return rate.ReportLimitFromMessage(c.log, kucoinName, "get_symbol", err.Error())
	}
	err := c.http.Retry(ctx, kucoinName, "get_symbol", throttled, func(ctx context.Context) error {
		if err := c.kucoinLimiter.Wait(ctx); err != nil {
			return err
		}
		req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(native).Build()
		resp, err := c.kucoin.GetSymbol(req, ctx)
		if err != nil {
			return err
		}
		payload, err = json.Marshal(resp)
		return err
	})
	if err != nil {
		return kucoinContract{}, fmt.Errorf("kucoin contract %s: %w", native, err)
	}
	c.entry("get_symbol").WithField("duration_ms", time.Since(start).Milliseconds()).Debug("kucoin contract fetched")
	return decodeKucoinContract(payload)
}

func decodeKucoinContract(payload []byte) (kucoinContract, error) {
	var out kucoinContract
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, malformed("kucoin contract: %v", err)
	}
	if out.Symbol == "" {
		return out, malformed("kucoin contract: missing symbol")
	}
	return out, nil
}

// kucoinOpenInterest converts the contract count to base units using the
// contract multiplier when present.
func (c *Connector) kucoinOpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error) {
	k, err := c.kucoinContract(ctx, symbol)
	if err != nil {
		return models.OpenInterest{}, err
	}
	return kucoinOpenInterest(symbol, k, time.Now())
}

func kucoinOpenInterest(symbol string, k kucoinContract, now time.Time) (models.OpenInterest, error) {
	oi, err := models.ParseDecimal(k.OpenInterest)
	if err != nil {
		return models.OpenInterest{}, malformed("kucoin open interest: %v", err)
	}
	if mult, err := models.ParseDecimal(k.Multiplier); err == nil && mult.IsPositive() {
		oi = oi.Mul(mult)
	}
	out := models.OpenInterest{Exchange: kucoinName, Symbol: symbol, Timestamp: now.UTC(), OpenInterest: oi.InexactFloat64()}
	if mark, err := models.ParseDecimal(k.MarkPrice); err == nil && mark.IsPositive() {
		out.OpenInterestValue = models.Float(oi.Mul(mark).InexactFloat64())
	}
	return out, nil
}

func (c *Connector) kucoinFundingRate(ctx context.Context, symbol string) (models.FundingRate, error) {
	k, err := c.kucoinContract(ctx, symbol)
	if err != nil {
		return models.FundingRate{}, err
	}
	return kucoinFunding(symbol, k, time.Now())
}

// kucoinFunding reads the current rate; nextFundingRateDateTime is an epoch
// while the older nextFundingRateTime is milliseconds until settlement.
func kucoinFunding(symbol string, k kucoinContract, now time.Time) (models.FundingRate, error) {
	fr, err := models.ParseFloat(k.FundingFeeRate)
	if err != nil {
		return models.FundingRate{}, malformed("kucoin funding rate: %v", err)
	}
	now = now.UTC()
	ft := now
	if t, err := models.ParseEpoch(k.NextFundingRateDateTime); err == nil && t.Year() > 1970 {
		ft = t
	} else if ms, err := models.ParseFloat(k.NextFundingRateTime); err == nil && ms > 0 {
		ft = now.Add(time.Duration(ms) * time.Millisecond)
	}
	out := models.FundingRate{Exchange: kucoinName, Symbol: symbol, Timestamp: now, FundingRate: fr, FundingTime: ft}
	if next, err := models.ParseFloat(k.PredictedFundingFeeRate); err == nil {
		out.NextFundingRate = models.Float(next)
	}
	return out, nil
}
