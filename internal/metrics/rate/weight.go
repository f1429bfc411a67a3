package rate

import (
	"net/http"
	"strconv"
	"strings"

	"cryptostream/internal/metrics"
	"cryptostream/logger"
)

// weightHeaders lists, per exchange, the response headers carrying consumed
// request weight. The first present header wins.
var weightHeaders = map[string][]string{
	"binance": {"X-Mbx-Used-Weight-1m", "X-Mbx-Used-Weight"},
	"bybit":   {"X-Bapi-Limit-Status"},
	"okx":     {"X-Ratelimit-Remaining"},
	"kucoin":  {"Gw-Ratelimit-Remaining"},
}

// UsedWeight extracts the request weight reported in header. For venues that
// report remaining quota instead of usage the remaining value is returned.
func UsedWeight(exchange string, header http.Header) (float64, bool) {
	for _, name := range weightHeaders[strings.ToLower(exchange)] {
		raw := header.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// ReportUsedWeight publishes the request weight found in a response header as
// a gauge. Responses without a weight header are ignored.
func ReportUsedWeight(log *logger.Log, exchange, endpoint string, header http.Header) {
	weight, ok := UsedWeight(exchange, header)
	if !ok {
		return
	}
	exchange = strings.ToLower(exchange)
	metrics.SetUsedWeight(exchange, weight)
	if log == nil {
		log = logger.GetLogger()
	}
	log.WithComponent("rate_limit").WithFields(logger.Fields{
		"exchange": exchange,
		"endpoint": endpoint,
		"weight":   weight,
	}).Debug("used weight")
}
