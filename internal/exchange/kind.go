package exchange

import (
	"sort"
	"strings"
)

// Kind identifies an exchange. The string form is the canonical exchange id
// carried on every event.
type Kind int

const (
	Binance Kind = iota + 1
	Bybit
	OKX
	Hyperliquid
	Kucoin
)

var kindNames = map[Kind]string{
	Binance:     "binance",
	Bybit:       "bybit",
	OKX:         "okx",
	Hyperliquid: "hyperliquid",
	Kucoin:      "kucoin",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseKind maps a case-insensitive exchange id to its Kind.
func ParseKind(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Capability is a bit set of the operations a connector supports.
type Capability uint8

const (
	CapOHLC Capability = 1 << iota
	CapOpenInterest
	CapFundingRate
	CapLiquidations
	CapLargeTrades
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapOHLC, "ohlc"},
	{CapOpenInterest, "open_interest"},
	{CapFundingRate, "funding_rate"},
	{CapLiquidations, "liquidations"},
	{CapLargeTrades, "large_trades"},
}

func (c Capability) Has(other Capability) bool { return c&other == other }

// Names lists the set bits in declaration order.
func (c Capability) Names() []string {
	var out []string
	for _, cn := range capabilityNames {
		if c.Has(cn.cap) {
			out = append(out, cn.name)
		}
	}
	return out
}

func (c Capability) String() string { return strings.Join(c.Names(), ",") }

// ParseCapability maps a capability name such as "liquidations" to its bit.
func ParseCapability(name string) (Capability, bool) {
	for _, cn := range capabilityNames {
		if cn.name == strings.ToLower(name) {
			return cn.cap, true
		}
	}
	return 0, false
}

// Capabilities is the fixed capability set of each exchange.
func (k Kind) Capabilities() Capability {
	switch k {
	case Binance, Bybit:
		return CapOHLC | CapOpenInterest | CapFundingRate | CapLiquidations | CapLargeTrades
	case OKX:
		return CapOpenInterest | CapFundingRate | CapLiquidations
	case Hyperliquid:
		return CapOHLC | CapOpenInterest | CapFundingRate | CapLargeTrades
	case Kucoin:
		return CapOpenInterest | CapFundingRate
	}
	return 0
}

// Kinds returns every known exchange, sorted by name.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := range kindNames {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
