package models

import (
	"fmt"
	"math"
	"time"
)

// Candle is one OHLC bar. IsClosed is false while the bar is still forming.
type Candle struct {
	Exchange    string    `json:"exchange"`
	Symbol      string    `json:"symbol"`
	Timestamp   time.Time `json:"timestamp"`
	Interval    string    `json:"interval"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	QuoteVolume float64   `json:"quote_volume"`
	TradesCount int64     `json:"trades_count"`
	IsClosed    bool      `json:"is_closed"`
}

func (c Candle) Type() EventType { return EventCandle }
func (c Candle) Key() string     { return marketKey(c.Exchange, c.Symbol) }

// Validate checks the price envelope of a closed candle. Forming candles are
// not checked since upstream may publish them mid-update.
func (c Candle) Validate() error {
	if !c.IsClosed {
		return nil
	}
	if c.High < math.Max(c.Open, c.Close) {
		return fmt.Errorf("candle %s %s: high %v below open/close", c.Symbol, c.Interval, c.High)
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return fmt.Errorf("candle %s %s: low %v above open/close", c.Symbol, c.Interval, c.Low)
	}
	return nil
}
