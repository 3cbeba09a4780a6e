package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one minute-resolution OHLCV record for an instrument.
// Time is in the exchange's local zone. Bars are immutable once written;
// the bar store is append-only.
type Bar struct {
	Symbol       string          `json:"sym"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
	Time         time.Time       `json:"time"`
}
