package models

import "time"

// OpenInterest is a point-in-time open interest snapshot. OpenInterest is in
// base units; OpenInterestValue is the quote notional when the venue gives it.
type OpenInterest struct {
	Exchange          string    `json:"exchange"`
	Symbol            string    `json:"symbol"`
	Timestamp         time.Time `json:"timestamp"`
	OpenInterest      float64   `json:"open_interest"`
	OpenInterestValue *float64  `json:"open_interest_value,omitempty"`
}

func (o OpenInterest) Type() EventType { return EventOpenInterest }
func (o OpenInterest) Key() string     { return marketKey(o.Exchange, o.Symbol) }

// NotionalUSD returns OpenInterestValue when set, otherwise OpenInterest
// priced at markPrice.
func (o OpenInterest) NotionalUSD(markPrice float64) float64 {
	if o.OpenInterestValue != nil {
		return *o.OpenInterestValue
	}
	return o.OpenInterest * markPrice
}

// FundingRate is the rate applied at FundingTime. The next funding fields are
// kept in memory only and are not part of the wire shape.
type FundingRate struct {
	Exchange        string     `json:"exchange"`
	Symbol          string     `json:"symbol"`
	Timestamp       time.Time  `json:"timestamp"`
	FundingRate     float64    `json:"funding_rate"`
	FundingTime     time.Time  `json:"funding_time"`
	NextFundingRate *float64   `json:"-"`
	NextFundingTime *time.Time `json:"-"`
}

func (f FundingRate) Type() EventType { return EventFundingRate }
func (f FundingRate) Key() string     { return marketKey(f.Exchange, f.Symbol) }

// Float returns a pointer to v, for optional fields.
func Float(v float64) *float64 { return &v }
