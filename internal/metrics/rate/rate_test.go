package rate

import (
	"net/http"
	"testing"

	"cryptostream/logger"
)

func TestReportRateLimitExceeded(t *testing.T) {
	ReportRateLimitExceeded(logger.GetLogger(), "Binance", "/fapi/v1/klines")
	ReportIPBan(nil, "binance", "/fapi/v1/klines")
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		rate     bool
		ban      bool
	}{
		{"binance", "Too many requests", true, false},
		{"binance", "Way too many requests; IP banned until 1700000000000", true, true},
		{"okx", "IP has been blocked for 60 seconds", false, true},
		{"kucoin", "429 Too Many Requests", true, false},
		{"bybit", "IP rate limit reached", false, true},
		{"bybit", "Too many visits!", true, false},
		{"hyperliquid", "rate limited", true, false},
		{"unknown", "hello world", false, false},
	}
	for _, c := range cases {
		rl, ban := detectLimit(c.exchange, c.msg)
		if rl != c.rate || ban != c.ban {
			t.Fatalf("%s %q: got rate=%v ban=%v, want rate=%v ban=%v", c.exchange, c.msg, rl, ban, c.rate, c.ban)
		}
	}
}

func TestReportLimitFromMessage(t *testing.T) {
	if ReportLimitFromMessage(nil, "okx", "/api/v5/public/open-interest", "ok") {
		t.Fatal("plain message reported as limit")
	}
	if !ReportLimitFromMessage(nil, "okx", "/api/v5/public/open-interest", "Too Many Requests") {
		t.Fatal("throttle message not detected")
	}
}

func TestUsedWeight(t *testing.T) {
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "37")
	w, ok := UsedWeight("binance", h)
	if !ok || w != 37 {
		t.Fatalf("UsedWeight = %v, %v", w, ok)
	}
	if _, ok := UsedWeight("hyperliquid", h); ok {
		t.Fatal("hyperliquid has no weight header")
	}
	h.Set("X-Bapi-Limit-Status", "x")
	if _, ok := UsedWeight("bybit", h); ok {
		t.Fatal("garbage weight accepted")
	}
	ReportUsedWeight(nil, "binance", "/fapi/v1/klines", h)
}
