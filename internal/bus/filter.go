package bus

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"cryptostream/internal/models"
)

// Filter is the per-subscription predicate. Zero fields match everything,
// and each field only applies to the event types that carry it.
type Filter struct {
	// MinValueUSD applies to liquidations and large trades.
	MinValueUSD float64
	// Timeframes applies to spike alerts.
	Timeframes []string
	// Interval applies to candles.
	Interval string
}

func (f Filter) Match(ev models.Event) bool {
	if f.MinValueUSD > 0 {
		if v, ok := ev.(models.Valued); ok && v.USDValue() < f.MinValueUSD {
			return false
		}
	}
	if len(f.Timeframes) > 0 {
		if a, ok := ev.(models.SpikeAlert); ok && !contains(f.Timeframes, a.Timeframe) {
			return false
		}
	}
	if f.Interval != "" {
		if c, ok := ev.(models.Candle); ok && c.Interval != f.Interval {
			return false
		}
	}
	return true
}

// ParseFilter reads min_value_usd, timeframes (comma separated) and interval
// from query parameters.
func ParseFilter(q url.Values) (Filter, error) {
	var f Filter
	if v := strings.TrimSpace(q.Get("min_value_usd")); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return Filter{}, fmt.Errorf("min_value_usd must be a finite non-negative number, got %q", v)
		}
		f.MinValueUSD = n
	}
	if v := q.Get("timeframes"); v != "" {
		for _, tf := range strings.Split(v, ",") {
			if tf = strings.TrimSpace(tf); tf != "" {
				f.Timeframes = append(f.Timeframes, tf)
			}
		}
	}
	f.Interval = strings.TrimSpace(q.Get("interval"))
	return f, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
