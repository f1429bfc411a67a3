package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Liquidation is a forced close reported by a venue.
type Liquidation struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func (l Liquidation) Type() EventType   { return EventLiquidation }
func (l Liquidation) Key() string       { return marketKey(l.Exchange, l.Symbol) }
func (l Liquidation) USDValue() float64 { return l.Value }

func (l Liquidation) MarshalJSON() ([]byte, error) {
	type alias Liquidation
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventLiquidation, alias(l)})
}

// NewLiquidation parses the provider price and quantity and derives Value.
func NewLiquidation(exchange, symbol string, side Side, price, quantity string, ts time.Time) (Liquidation, error) {
	p, q, v, err := priced(price, quantity)
	if err != nil {
		return Liquidation{}, fmt.Errorf("liquidation %s %s: %w", exchange, symbol, err)
	}
	return Liquidation{
		Exchange:  exchange,
		Symbol:    symbol,
		Side:      side,
		Price:     p,
		Quantity:  q,
		Value:     v,
		Timestamp: ts.UTC(),
	}, nil
}

// LargeTrade is a single aggressive trade.
type LargeTrade struct {
	Exchange     string    `json:"exchange"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Price        float64   `json:"price"`
	Quantity     float64   `json:"quantity"`
	Value        float64   `json:"value"`
	IsBuyerMaker bool      `json:"is_buyer_maker"`
	Timestamp    time.Time `json:"timestamp"`
}

func (t LargeTrade) Type() EventType   { return EventLargeTrade }
func (t LargeTrade) Key() string       { return marketKey(t.Exchange, t.Symbol) }
func (t LargeTrade) USDValue() float64 { return t.Value }

func (t LargeTrade) MarshalJSON() ([]byte, error) {
	type alias LargeTrade
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventLargeTrade, alias(t)})
}

// NewLargeTrade parses the provider price and quantity and derives Value.
// The side is the taker side, so a buyer-maker trade is a sell.
func NewLargeTrade(exchange, symbol string, side Side, price, quantity string, isBuyerMaker bool, ts time.Time) (LargeTrade, error) {
	p, q, v, err := priced(price, quantity)
	if err != nil {
		return LargeTrade{}, fmt.Errorf("trade %s %s: %w", exchange, symbol, err)
	}
	return LargeTrade{
		Exchange:     exchange,
		Symbol:       symbol,
		Side:         side,
		Price:        p,
		Quantity:     q,
		Value:        v,
		IsBuyerMaker: isBuyerMaker,
		Timestamp:    ts.UTC(),
	}, nil
}

func priced(price, quantity string) (float64, float64, float64, error) {
	p, err := ParseDecimal(price)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("price: %w", err)
	}
	q, err := ParseDecimal(quantity)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("quantity: %w", err)
	}
	return p.InexactFloat64(), q.InexactFloat64(), p.Mul(q).InexactFloat64(), nil
}
