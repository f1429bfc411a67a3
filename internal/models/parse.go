package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidNumber is returned for numeric fields that cannot be parsed.
var ErrInvalidNumber = errors.New("invalid number")

// millisThreshold separates epoch seconds from epoch milliseconds.
const millisThreshold = 1e12

// ParseDecimal accepts the numeric representations venues send: JSON strings,
// JSON numbers and Go numeric types.
func ParseDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, fmt.Errorf("%w: empty string", ErrInvalidNumber)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidNumber, n)
		}
		return d, nil
	case json.Number:
		return ParseDecimal(string(n))
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case decimal.Decimal:
		return n, nil
	case nil:
		return decimal.Zero, fmt.Errorf("%w: missing", ErrInvalidNumber)
	}
	return decimal.Zero, fmt.Errorf("%w: unsupported type %T", ErrInvalidNumber, v)
}

// ParseFloat is ParseDecimal converted to float64.
func ParseFloat(v interface{}) (float64, error) {
	d, err := ParseDecimal(v)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// ParseFloats parses several fields at once and reports the first failure by
// name. names and values must have the same length.
func ParseFloats(names []string, values ...interface{}) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, err := ParseFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", names[i], err)
		}
		out[i] = f
	}
	return out, nil
}

// ToUTC converts an epoch timestamp to UTC. Values above 1e12 are treated as
// milliseconds, anything else as seconds.
func ToUTC(ts int64) time.Time {
	if ts > millisThreshold {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

// ParseEpoch parses a string or numeric epoch and converts it with ToUTC.
func ParseEpoch(v interface{}) (time.Time, error) {
	d, err := ParseDecimal(v)
	if err != nil {
		return time.Time{}, err
	}
	return ToUTC(d.IntPart()), nil
}
