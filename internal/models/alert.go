package models

import (
	"encoding/json"
	"time"
)

// SpikeAlert reports an abnormal open interest or volume reading. Confirmed
// is set when both z-scores crossed the timeframe threshold.
type SpikeAlert struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	ZOI       float64   `json:"z_oi"`
	ZVol      float64   `json:"z_vol"`
	Confirmed bool      `json:"confirmed"`
	Timestamp time.Time `json:"-"`
}

func (a SpikeAlert) Type() EventType { return EventSpikeAlert }
func (a SpikeAlert) Key() string     { return marketKey(a.Exchange, a.Symbol) }

func (a SpikeAlert) MarshalJSON() ([]byte, error) {
	type alias SpikeAlert
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventSpikeAlert, alias(a)})
}
