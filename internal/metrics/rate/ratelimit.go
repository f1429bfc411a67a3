package rate

import (
	"strings"

	"cryptostream/internal/metrics"
	"cryptostream/logger"
)

// ReportRateLimitExceeded counts a throttle response from an exchange REST
// endpoint and logs it as a warning.
func ReportRateLimitExceeded(log *logger.Log, exchange, endpoint string) {
	report(log, exchange, endpoint, "rate_limit_exceeded").Warn("rate limit exceeded")
}

// ReportIPBan counts a ban response (Binance answers 418 once an IP keeps
// ignoring 429s) and logs it as an error.
func ReportIPBan(log *logger.Log, exchange, endpoint string) {
	report(log, exchange, endpoint, "ip_ban").Error("ip banned")
}

func report(log *logger.Log, exchange, endpoint, kind string) *logger.Entry {
	if log == nil {
		log = logger.GetLogger()
	}
	exchange = strings.ToLower(exchange)
	fields := logger.Fields{
		"exchange": exchange,
		"endpoint": endpoint,
	}
	metrics.RateLimited(exchange, kind)
	metrics.EmitMetric(log, "rate_limit", kind, int64(1), "counter", fields)
	return log.WithComponent("rate_limit").WithFields(fields)
}

// detectLimit inspects an exchange error message and reports whether it
// signals a rate limit or an IP ban. Wording differs per venue.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many visits"))
	case "hyperliquid":
		rateLimit = strings.Contains(lowerMsg, "rate limited") || strings.Contains(lowerMsg, "too many requests")
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records a rate limit or IP ban when msg matches the
// exchange's wording, and returns whether anything matched.
func ReportLimitFromMessage(log *logger.Log, exchange, endpoint, msg string) bool {
	rateLimit, ipBan := detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, endpoint)
	}
	if ipBan {
		ReportIPBan(log, exchange, endpoint)
	}
	return rateLimit || ipBan
}
