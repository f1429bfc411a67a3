package models

import "strings"

// EventType names a class of canonical event. The trade, liquidation and
// spike types double as their wire "type" field.
type EventType string

const (
	EventCandle       EventType = "ohlc"
	EventOpenInterest EventType = "open_interest"
	EventFundingRate  EventType = "funding_rate"
	EventLiquidation  EventType = "liquidation"
	EventLargeTrade   EventType = "large_trade"
	EventSpikeAlert   EventType = "oi_spike"
)

// Event is implemented by every canonical market event.
type Event interface {
	Type() EventType
	// Key identifies the market the event belongs to, as exchange:symbol.
	Key() string
}

// Valued events carry a notional USD value that subscribers filter on.
type Valued interface {
	USDValue() float64
}

// Side is the taker side of a trade or the order side of a liquidation.
// A buy liquidation closes a short, a sell liquidation closes a long.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide maps provider spellings (BUY, Sell, B, A, bid, ask) to a Side.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "bid":
		return SideBuy, true
	case "sell", "s", "a", "ask":
		return SideSell, true
	}
	return "", false
}

func marketKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}
