package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JuluruAkhil/ingestion-service/pkg/models"
)

// TickerRepository reads the instrument catalog and advances per-instrument
// sync cursors. Instruments are created by an external load process and
// never deleted here; the only mutation this system performs is the cursor
// update.
type TickerRepository struct {
	ch     *ClickHouseClient
	loc    *time.Location
	logger *logrus.Entry
}

// NewTickerRepository creates a new ticker repository
func NewTickerRepository(ch *ClickHouseClient, loc *time.Location, logger *logrus.Logger) *TickerRepository {
	return &TickerRepository{
		ch:     ch,
		loc:    loc,
		logger: logger.WithField("component", "ticker-repository"),
	}
}

const tickerColumns = "symbol, security_id, exchange_segment, instrument_type, last_fetched_time, is_active, updated_at"

// FindActive returns the latest record per symbol among active instruments
func (r *TickerRepository) FindActive(ctx context.Context) ([]models.Ticker, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s.tickers WHERE is_active = 1 ORDER BY updated_at DESC LIMIT 1 BY symbol FORMAT JSONEachRow",
		tickerColumns, r.ch.Database())
	return r.fetchTickers(ctx, query)
}

// FindBySymbol returns a single instrument, or nil when unknown
func (r *TickerRepository) FindBySymbol(ctx context.Context, symbol string) (*models.Ticker, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s.tickers WHERE symbol = '%s' LIMIT 1 FORMAT JSONEachRow",
		tickerColumns, r.ch.Database(), escapeSQLString(symbol))
	tickers, err := r.fetchTickers(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, nil
	}
	return &tickers[0], nil
}

// UpdateCursor advances an instrument's last_fetched_time. greatest() keeps
// the cursor monotonic: an out-of-order or concurrent update can never move
// it backwards.
func (r *TickerRepository) UpdateCursor(ctx context.Context, symbol string, lastFetchedTime time.Time) error {
	cursorLiteral := lastFetchedTime.Truncate(time.Second).Format(clickhouseTimeLayout)
	updatedLiteral := time.Now().In(r.loc).Truncate(time.Second).Format(clickhouseTimeLayout)

	query := fmt.Sprintf(
		"ALTER TABLE %s.tickers UPDATE last_fetched_time = greatest(last_fetched_time, toDateTime('%s')), updated_at = toDateTime('%s') WHERE symbol = '%s'",
		r.ch.Database(), cursorLiteral, updatedLiteral, escapeSQLString(symbol))

	if err := r.ch.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to update ticker cursor for %s: %w", symbol, err)
	}
	return nil
}

func (r *TickerRepository) fetchTickers(ctx context.Context, query string) ([]models.Ticker, error) {
	response, err := r.ch.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tickers: %w", err)
	}

	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return nil, nil
	}

	rows := strings.Split(trimmed, "\n")
	tickers := make([]models.Ticker, 0, len(rows))
	for _, row := range rows {
		row = strings.TrimSpace(row)
		if row == "" {
			continue
		}
		ticker, err := r.parseTickerRow(row)
		if err != nil {
			r.logger.WithError(err).WithField("row", row).Warn("Failed to parse ticker row")
			continue
		}
		tickers = append(tickers, ticker)
	}
	return tickers, nil
}

// tickerRow is the JSONEachRow wire shape: DateTime columns arrive as
// "yyyy-MM-dd HH:mm:ss" strings and is_active as a 0/1 number.
type tickerRow struct {
	Symbol          string  `json:"symbol"`
	SecurityID      string  `json:"security_id"`
	ExchangeSegment string  `json:"exchange_segment"`
	InstrumentType  string  `json:"instrument_type"`
	LastFetchedTime *string `json:"last_fetched_time"`
	IsActive        uint8   `json:"is_active"`
	UpdatedAt       string  `json:"updated_at"`
}

func (r *TickerRepository) parseTickerRow(row string) (models.Ticker, error) {
	var raw tickerRow
	if err := json.Unmarshal([]byte(row), &raw); err != nil {
		return models.Ticker{}, err
	}

	ticker := models.Ticker{
		Symbol:          raw.Symbol,
		SecurityID:      raw.SecurityID,
		ExchangeSegment: raw.ExchangeSegment,
		InstrumentType:  raw.InstrumentType,
		IsActive:        raw.IsActive != 0,
	}

	if raw.UpdatedAt != "" {
		updatedAt, err := time.ParseInLocation(clickhouseTimeLayout, raw.UpdatedAt, r.loc)
		if err != nil {
			return models.Ticker{}, fmt.Errorf("invalid updated_at %q: %w", raw.UpdatedAt, err)
		}
		ticker.UpdatedAt = updatedAt
	}

	if raw.LastFetchedTime != nil && *raw.LastFetchedTime != "" {
		cursor, err := time.ParseInLocation(clickhouseTimeLayout, *raw.LastFetchedTime, r.loc)
		if err != nil {
			return models.Ticker{}, fmt.Errorf("invalid last_fetched_time %q: %w", *raw.LastFetchedTime, err)
		}
		// The store's DateTime zero stands in for NULL on unfetched rows.
		if !cursor.Equal(time.Unix(0, 0)) && cursor.Year() > 1970 {
			ticker.LastFetchedTime = &cursor
		}
	}

	return ticker, nil
}
