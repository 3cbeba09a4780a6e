package models

import "time"

// Ticker represents one tracked instrument from the tickers catalog.
// LastFetchedTime is the incremental-sync cursor: the time of the last bar
// successfully persisted for this instrument. Nil means nothing has been
// fetched yet.
type Ticker struct {
	Symbol          string     `json:"symbol"`
	SecurityID      string     `json:"security_id"`
	ExchangeSegment string     `json:"exchange_segment"`
	InstrumentType  string     `json:"instrument_type"`
	LastFetchedTime *time.Time `json:"last_fetched_time"`
	IsActive        bool       `json:"is_active"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Cursor returns the instrument's cursor, or fallback when none is set.
func (t *Ticker) Cursor(fallback time.Time) time.Time {
	if t.LastFetchedTime != nil {
		return *t.LastFetchedTime
	}
	return fallback
}
