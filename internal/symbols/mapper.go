package symbols

import "strings"

// quoteAssets are tried longest first when splitting a canonical symbol.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD"}

// SplitQuote splits a canonical symbol such as BTCUSDT into BTC and USDT.
func SplitQuote(sym string) (base, quote string, ok bool) {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	for _, q := range quoteAssets {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return sym[:len(sym)-len(q)], q, true
		}
	}
	return sym, "", false
}

// Canonical converts an exchange native symbol to the uppercase BASEQUOTE
// form used on every canonical event.
//
//	okx          BTC-USDT-SWAP -> BTCUSDT
//	kucoin       XBTUSDTM      -> BTCUSDT
//	hyperliquid  BTC           -> BTCUSDT
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "hyperliquid":
		if _, _, ok := SplitQuote(sym); !ok {
			sym += "USDT"
		}
	case "coinbase", "kraken":
		sym = strings.NewReplacer("-", "", "/", "").Replace(sym)
	}
	return sym
}

// ToExchange is the inverse of Canonical.
func ToExchange(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "okx":
		if strings.HasSuffix(sym, "-SWAP") {
			return sym
		}
		if base, quote, ok := SplitQuote(sym); ok {
			return base + "-" + quote + "-SWAP"
		}
	case "kucoin":
		if strings.HasSuffix(sym, "M") && strings.HasPrefix(sym, "XBT") {
			return sym
		}
		if strings.HasPrefix(sym, "BTC") {
			sym = "XBT" + sym[3:]
		}
		return sym + "M"
	case "hyperliquid":
		return Coin(sym)
	}
	return sym
}

// Coin strips the quote asset, BTCUSDT -> BTC. Symbols without a known quote
// are returned unchanged.
func Coin(sym string) string {
	base, _, _ := SplitQuote(sym)
	return base
}
