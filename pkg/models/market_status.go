package models

// MarketStatus is the bellwether-derived market state.
type MarketStatus string

const (
	// MarketActive means the bellwether returned recent bars.
	MarketActive MarketStatus = "ACTIVE"
	// MarketClosed means the bellwether returned no data; the market is
	// presumed shut. Not an error.
	MarketClosed MarketStatus = "CLOSED"
	// MarketError means the bellwether lookup itself failed.
	MarketError MarketStatus = "ERROR"
)
