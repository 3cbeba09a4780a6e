package services

import (
	"context"
	"time"

	"github.com/JuluruAkhil/ingestion-service/pkg/models"
)

// MarketData fetches one window of minute bars for an instrument.
type MarketData interface {
	FetchOhlc(ctx context.Context, ticker models.Ticker, from, to time.Time) ([]models.Bar, error)
}

// BarWriter persists minute bars, best-effort with row-level isolation.
type BarWriter interface {
	BatchInsert(ctx context.Context, bars []models.Bar)
}

// TickerDirectory reads the instrument catalog and advances sync cursors.
type TickerDirectory interface {
	FindActive(ctx context.Context) ([]models.Ticker, error)
	FindBySymbol(ctx context.Context, symbol string) (*models.Ticker, error)
	UpdateCursor(ctx context.Context, symbol string, lastFetchedTime time.Time) error
}
