package exchange

import (
	"fmt"
	"strconv"
	"time"
)

// IntervalDuration parses candle intervals such as 1m, 4h, 1d, 1w and 1M.
// A month counts as 30 days.
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'M':
		unit = 30 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	return time.Duration(n) * unit, nil
}

var bybitIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1M": "M",
}

// bybitInterval converts 1h style intervals to Bybit kline intervals.
func bybitInterval(interval string) (string, error) {
	if v, ok := bybitIntervals[interval]; ok {
		return v, nil
	}
	return "", fmt.Errorf("bybit: unsupported interval %q", interval)
}

// fromBybitInterval is the inverse of bybitInterval.
func fromBybitInterval(v string) string {
	for k, b := range bybitIntervals {
		if b == v {
			return k
		}
	}
	return v
}

var bybitOIIntervals = map[string]string{
	"5m": "5min", "15m": "15min", "30m": "30min", "1h": "1h", "4h": "4h", "1d": "1d",
}

func bybitOIInterval(period string) (string, error) {
	if v, ok := bybitOIIntervals[period]; ok {
		return v, nil
	}
	return "", fmt.Errorf("bybit: unsupported open interest period %q", period)
}
