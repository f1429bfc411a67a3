package exchange

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"cryptostream/internal/models"
)

func TestParseBinanceKline(t *testing.T) {
	frame := `{"e":"kline","E":1700000060000,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m",
		"o":"100.0","c":"101.5","h":"102","l":"99.5","v":"12.5","n":42,"x":true,"q":"1262.5"}}`
	got, err := parseBinanceKline([]byte(frame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candles", len(got))
	}
	c := got[0]
	if c.Exchange != "binance" || c.Symbol != "BTCUSDT" || c.Interval != "1m" || !c.IsClosed {
		t.Fatalf("unexpected candle: %+v", c)
	}
	if c.Open != 100 || c.High != 102 || c.Low != 99.5 || c.Close != 101.5 || c.QuoteVolume != 1262.5 || c.TradesCount != 42 {
		t.Fatalf("unexpected prices: %+v", c)
	}
	if !c.Timestamp.Equal(time.UnixMilli(1700000000000)) || c.Timestamp.Location() != time.UTC {
		t.Fatalf("unexpected timestamp: %v", c.Timestamp)
	}

	if _, err := parseBinanceKline([]byte(`{"e":"kline","k":{"t":1700000000000,"o":"x"}}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if _, err := parseBinanceKline([]byte(`not json`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestParseBinanceLiquidations(t *testing.T) {
	single := `{"e":"forceOrder","E":1700000000100,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","q":"0.5","p":"50000","T":1700000000000}}`
	list := `[` + single + `,{"e":"forceOrder","E":1,"o":{"s":"ETHUSDT","S":"WHAT","q":"10","p":"2000","T":1700000000000}}]`

	all := binanceLiquidationParser(nil)
	got, err := all([]byte(single))
	if err != nil || len(got) != 1 {
		t.Fatalf("single: %v %v", got, err)
	}
	if got[0].Side != models.SideSell || got[0].Value != 25000 || got[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected liquidation: %+v", got[0])
	}

	got, err = all([]byte(list))
	if err != nil || len(got) != 2 {
		t.Fatalf("list: %v %v", got, err)
	}
	if got[1].Side != models.SideSell {
		t.Fatalf("unknown side should default to sell, got %s", got[1].Side)
	}

	eth := binanceLiquidationParser([]string{"ETHUSDT"})
	got, err = eth([]byte(list))
	if err != nil || len(got) != 1 || got[0].Symbol != "ETHUSDT" {
		t.Fatalf("filtered: %v %v", got, err)
	}
}

func TestParseBinanceAggTrade(t *testing.T) {
	frame := `{"e":"aggTrade","E":1700000000001,"s":"ETHUSDT","a":1,"p":"2000.5","q":"30","f":1,"l":2,"T":1700000000000,"m":true}`
	got, err := parseBinanceAggTrade([]byte(frame))
	if err != nil || len(got) != 1 {
		t.Fatalf("parse: %v %v", got, err)
	}
	tr := got[0]
	if tr.Side != models.SideSell || !tr.IsBuyerMaker || tr.Value != 60015 {
		t.Fatalf("unexpected trade: %+v", tr)
	}
}

func TestParseBinanceOIStats(t *testing.T) {
	var stats []binanceOIStat
	raw := `[{"symbol":"BTCUSDT","sumOpenInterest":"20","sumOpenInterestValue":"1000000","timestamp":1700000300000},
		{"symbol":"BTCUSDT","sumOpenInterest":"10","sumOpenInterestValue":"500000","timestamp":1700000000000}]`
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := parseBinanceOIStats("BTCUSDT", stats)
	if err != nil || len(got) != 2 {
		t.Fatalf("parse: %v %v", got, err)
	}
	if got[0].OpenInterest != 10 || *got[0].OpenInterestValue != 500000 {
		t.Fatalf("expected oldest first, got %+v", got[0])
	}
}

func TestBybitSubscribeBatches(t *testing.T) {
	topics := make([]string, 23)
	for i := range topics {
		topics[i] = "publicTrade.SYM" + string(rune('A'+i))
	}
	msgs := bybitSubscribe(topics)()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(msgs))
	}
	sizes := []int{10, 10, 3}
	ids := map[string]bool{}
	for i, m := range msgs {
		var req struct {
			Op    string   `json:"op"`
			Args  []string `json:"args"`
			ReqID string   `json:"req_id"`
		}
		if err := json.Unmarshal(m, &req); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if req.Op != "subscribe" || len(req.Args) != sizes[i] || req.ReqID == "" {
			t.Fatalf("batch %d unexpected: %+v", i, req)
		}
		ids[req.ReqID] = true
	}
	if len(ids) != 3 {
		t.Fatal("req_id should be unique per batch")
	}
}

func TestParseBybitFrames(t *testing.T) {
	kline := `{"topic":"kline.60.BTCUSDT","type":"snapshot","data":[{"start":1700000000000,"end":1700003599999,"interval":"60",
		"open":"100","close":"105","high":"106","low":"99","volume":"3","turnover":"310","confirm":false,"timestamp":1700000001000}]}`
	candles, err := parseBybitKline([]byte(kline))
	if err != nil || len(candles) != 1 {
		t.Fatalf("kline: %v %v", candles, err)
	}
	if c := candles[0]; c.Interval != "1h" || c.Symbol != "BTCUSDT" || c.IsClosed || c.QuoteVolume != 310 {
		t.Fatalf("unexpected candle: %+v", c)
	}

	liq := `{"topic":"allLiquidation.BTCUSDT","type":"snapshot","ts":1,"data":[{"T":1700000000000,"s":"BTCUSDT","S":"Buy","v":"2","p":"30000"}]}`
	liqs, err := parseBybitLiquidations([]byte(liq))
	if err != nil || len(liqs) != 1 || liqs[0].Side != models.SideBuy || liqs[0].Value != 60000 {
		t.Fatalf("liquidation: %+v %v", liqs, err)
	}

	trade := `{"topic":"publicTrade.ETHUSDT","type":"snapshot","data":[{"T":1700000000000,"s":"ETHUSDT","S":"Sell","v":"40","p":"2000","L":"MinusTick","i":"x","BT":false}]}`
	trades, err := parseBybitTrades([]byte(trade))
	if err != nil || len(trades) != 1 || trades[0].Side != models.SideSell || !trades[0].IsBuyerMaker {
		t.Fatalf("trade: %+v %v", trades, err)
	}

	for _, ack := range []string{
		`{"success":true,"ret_msg":"","conn_id":"x","req_id":"y","op":"subscribe"}`,
		`{"success":true,"ret_msg":"pong","conn_id":"x","op":"ping"}`,
	} {
		if got, err := parseBybitTrades([]byte(ack)); err != nil || got != nil {
			t.Fatalf("ack should be ignored: %v %v", got, err)
		}
	}
	if _, err := parseBybitTrades([]byte(`{"success":false,"ret_msg":"invalid topic","op":"subscribe"}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("rejected subscription should be malformed, got %v", err)
	}
}

func TestParseBybitKlinesRest(t *testing.T) {
	now := time.UnixMilli(1700007200000)
	rows := [][]string{
		{"1700003600000", "105", "107", "104", "106", "1", "106"},
		{"1700000000000", "100", "106", "99", "105", "3", "310"},
	}
	got, err := parseBybitKlines("BTCUSDT", "1h", rows, now)
	if err != nil || len(got) != 2 {
		t.Fatalf("parse: %v %v", got, err)
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) {
		t.Fatal("expected oldest first")
	}
	if !got[0].IsClosed || !got[1].IsClosed {
		t.Fatal("both hours have ended at now")
	}
	if _, err := parseBybitKlines("BTCUSDT", "1h", [][]string{{"1"}}, now); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("short row should be malformed, got %v", err)
	}
}

func TestOKXLiquidationContractSizes(t *testing.T) {
	sizes := okxContractSizes([]okxInstrument{
		{InstID: "BTC-USDT-SWAP", CtVal: "0.01", CtType: "linear"},
		{InstID: "BTC-USD-SWAP", CtVal: "100", CtType: "inverse"},
		{InstID: "ETH-USDT-SWAP", CtVal: "", CtType: "linear"},
	})
	if len(sizes) != 1 || sizes["BTCUSDT"].String() != "0.01" {
		t.Fatalf("unexpected contract sizes: %v", sizes)
	}

	frame := `{"arg":{"channel":"liquidation-orders","instType":"SWAP"},"data":[
		{"instId":"BTC-USDT-SWAP","details":[{"side":"sell","sz":"200","bkPx":"30000","ts":"1700000000000"}]},
		{"instId":"ETH-USDT-SWAP","details":[{"side":"buy","sz":"3","bkPx":"2000","ts":"1700000000000"}]}]}`
	got, err := okxLiquidationParser(nil, sizes)([]byte(frame))
	if err != nil || len(got) != 2 {
		t.Fatalf("parse: %v %v", got, err)
	}
	if got[0].Quantity != 2 || got[0].Value != 60000 {
		t.Fatalf("contracts not converted to base units: %+v", got[0])
	}
	if got[1].Quantity != 3 || got[1].Value != 6000 {
		t.Fatalf("unknown contract size should keep sz: %+v", got[1])
	}
}

func TestParseOKX(t *testing.T) {
	frame := `{"arg":{"channel":"liquidation-orders","instType":"SWAP"},"data":[
		{"instId":"BTC-USDT-SWAP","details":[{"side":"buy","sz":"2","bkPx":"30000","ts":"1700000000000"},{"side":"sell","sz":"1","bkPx":"30010","ts":"1700000000001"}]},
		{"instId":"ETH-USDT-SWAP","details":[{"side":"sell","sz":"5","bkPx":"2000","ts":"1700000000000"}]}]}`
	parse := okxLiquidationParser([]string{"BTCUSDT"}, nil)
	got, err := parse([]byte(frame))
	if err != nil || len(got) != 2 {
		t.Fatalf("parse: %v %v", got, err)
	}
	if got[0].Symbol != "BTCUSDT" || got[0].Side != models.SideBuy || got[0].Value != 60000 {
		t.Fatalf("unexpected liquidation: %+v", got[0])
	}
	if got, err := parse([]byte("pong")); err != nil || got != nil {
		t.Fatalf("pong should be ignored: %v %v", got, err)
	}
	if got, err := parse([]byte(`{"event":"subscribe","arg":{"channel":"liquidation-orders"}}`)); err != nil || got != nil {
		t.Fatalf("subscribe ack should be ignored: %v %v", got, err)
	}
	if _, err := parse([]byte(`{"event":"error","msg":"bad"}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("error event should be malformed, got %v", err)
	}

	oi, err := parseOKXOpenInterest("BTCUSDT", okxOpenInterest{OI: "1000", OICcy: "10", OIUsd: "300000", TS: "1700000000000"})
	if err != nil || oi.OpenInterest != 10 || *oi.OpenInterestValue != 300000 {
		t.Fatalf("open interest: %+v %v", oi, err)
	}
	fr, err := parseOKXFunding("BTCUSDT", okxFunding{FundingRate: "0.0001", FundingTime: "1700006400000", NextFundingRate: "", NextFundingTime: "1700035200000"})
	if err != nil || fr.FundingRate != 0.0001 || fr.NextFundingRate != nil || fr.NextFundingTime == nil {
		t.Fatalf("funding: %+v %v", fr, err)
	}
}

func TestParseHyperliquid(t *testing.T) {
	trades := `{"channel":"trades","data":[{"coin":"BTC","side":"A","px":"30000","sz":"2","time":1700000000000,"hash":"0x","tid":1}]}`
	got, err := parseHyperliquidTrades([]byte(trades))
	if err != nil || len(got) != 1 {
		t.Fatalf("trades: %v %v", got, err)
	}
	if got[0].Symbol != "BTCUSDT" || got[0].Side != models.SideSell || got[0].Value != 60000 {
		t.Fatalf("unexpected trade: %+v", got[0])
	}
	for _, f := range []string{`{"channel":"subscriptionResponse","data":{}}`, `{"channel":"pong"}`} {
		if got, err := parseHyperliquidTrades([]byte(f)); err != nil || got != nil {
			t.Fatalf("%s should be ignored: %v %v", f, got, err)
		}
	}

	candle := `{"channel":"candle","data":{"t":1700000000000,"T":1700000059999,"s":"BTC","i":"1m","o":"100","c":"102","h":"103","l":"99","v":"4","n":7}}`
	parse := hyperliquidCandleParser("BTCUSDT", "1m")
	candles, err := parse([]byte(candle))
	if err != nil || len(candles) != 1 {
		t.Fatalf("candle: %v %v", candles, err)
	}
	if c := candles[0]; c.QuoteVolume != 408 || !c.IsClosed || c.TradesCount != 7 {
		t.Fatalf("unexpected candle: %+v", c)
	}

	meta := []json.RawMessage{
		json.RawMessage(`{"universe":[{"name":"BTC"},{"name":"ETH"}]}`),
		json.RawMessage(`[{"openInterest":"10","markPx":"30000","funding":"0.0001"},{"openInterest":"100","markPx":"2000","funding":"-0.0002"}]`),
	}
	asset, err := findHyperliquidAsset(meta, "ETH")
	if err != nil || asset.Funding != "-0.0002" {
		t.Fatalf("asset: %+v %v", asset, err)
	}
	if _, err := findHyperliquidAsset(meta, "DOGE"); !errors.Is(err, ErrNoData) {
		t.Fatalf("missing coin should be ErrNoData, got %v", err)
	}
}

func TestKucoinContract(t *testing.T) {
	raw := `{"symbol":"XBTUSDTM","openInterest":"5000","markPrice":30000,"multiplier":0.001,
		"fundingFeeRate":0.0001,"predictedFundingFeeRate":0.0002,"nextFundingRateDateTime":1700006400000}`
	k, err := decodeKucoinContract([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	now := time.UnixMilli(1700000000000)
	oi, err := kucoinOpenInterest("BTCUSDT", k, now)
	if err != nil || oi.OpenInterest != 5 || *oi.OpenInterestValue != 150000 {
		t.Fatalf("open interest: %+v %v", oi, err)
	}
	fr, err := kucoinFunding("BTCUSDT", k, now)
	if err != nil || fr.FundingRate != 0.0001 || *fr.NextFundingRate != 0.0002 {
		t.Fatalf("funding: %+v %v", fr, err)
	}
	if fr.FundingTime.UnixMilli() != 1700006400000 {
		t.Fatalf("funding time: %v", fr.FundingTime)
	}
	if _, err := decodeKucoinContract([]byte(`{}`)); !errors.Is(err, ErrMalformedMessage) || !strings.Contains(err.Error(), "symbol") {
		t.Fatalf("expected malformed missing symbol, got %v", err)
	}
}
