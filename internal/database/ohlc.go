package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JuluruAkhil/ingestion-service/pkg/models"
)

const clickhouseTimeLayout = "2006-01-02 15:04:05"

var rowIndexPattern = regexp.MustCompile(`at row (\d+)`)

// OhlcRepository persists minute bars into the append-only bars table.
// Inserts are best-effort with row-level isolation: a batch that the store
// rejects is bisected until the malformed rows are isolated and dropped,
// so well-formed rows are never lost to a bad neighbor.
type OhlcRepository struct {
	ch     *ClickHouseClient
	loc    *time.Location
	logger *logrus.Entry
}

// NewOhlcRepository creates a new bars repository
func NewOhlcRepository(ch *ClickHouseClient, loc *time.Location, logger *logrus.Logger) *OhlcRepository {
	return &OhlcRepository{
		ch:     ch,
		loc:    loc,
		logger: logger.WithField("component", "ohlc-repository"),
	}
}

// BatchInsert writes bars to the store, isolating malformed rows instead of
// failing the whole batch. Unresolvable rows are logged and dropped.
func (r *OhlcRepository) BatchInsert(ctx context.Context, bars []models.Bar) {
	if len(bars) == 0 {
		return
	}
	r.insertBatch(ctx, bars)
}

func (r *OhlcRepository) insertBatch(ctx context.Context, batch []models.Bar) {
	if len(batch) == 0 {
		return
	}
	if len(batch) == 1 {
		r.sendSingleRow(ctx, batch[0])
		return
	}
	if r.sendBatch(ctx, batch) {
		return
	}
	mid := len(batch) / 2
	r.insertBatch(ctx, batch[:mid])
	r.insertBatch(ctx, batch[mid:])
}

// GetLastBarTime returns the most recent persisted bar time for a symbol.
// This query is advisory: missing data and query failures both report
// "no known time".
func (r *OhlcRepository) GetLastBarTime(ctx context.Context, symbol string) (time.Time, bool) {
	query := fmt.Sprintf("SELECT max(time) FROM %s.bars WHERE sym = '%s'",
		r.ch.Database(), escapeSQLString(symbol))

	response, err := r.ch.Query(ctx, query)
	if err != nil {
		return time.Time{}, false
	}

	trimmed := strings.TrimSpace(response)
	if trimmed == "" || trimmed == `\N` {
		return time.Time{}, false
	}

	t, err := time.ParseInLocation(clickhouseTimeLayout, trimmed, r.loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (r *OhlcRepository) insertQuery() string {
	return fmt.Sprintf("INSERT INTO %s.bars FORMAT JSONEachRow", r.ch.Database())
}

// sendBatch attempts one bulk insert; returns true when every surviving row
// was written (possibly after excising one store-rejected row).
func (r *OhlcRepository) sendBatch(ctx context.Context, batch []models.Bar) bool {
	lines := make([]string, 0, len(batch))
	for i, bar := range batch {
		row, ok := r.serializeRow(bar)
		if !ok {
			continue
		}
		if !isValidRowLine(row) {
			r.logger.WithFields(logrus.Fields{
				"line": i + 1,
				"sym":  bar.Symbol,
			}).Warn("Dropping invalid JSONEachRow line in batch")
			continue
		}
		lines = append(lines, row)
	}
	if len(lines) == 0 {
		return true
	}

	payload := []byte(strings.Join(lines, "\n"))
	err := r.ch.Insert(ctx, r.insertQuery(), payload)
	if err == nil {
		r.logger.WithField("rows", len(lines)).Debug("Inserted bars")
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if r.handleRowError(ctx, lines, statusErr) {
			return true
		}
	}

	r.logger.WithError(err).WithField("rows", len(lines)).Error("Failed to insert bars")
	return false
}

// handleRowError excises the row the store named and retries the remainder
// once. Returns true when the retry succeeded (or the bad row was all there
// was to fix).
func (r *OhlcRepository) handleRowError(ctx context.Context, lines []string, statusErr *StatusError) bool {
	match := rowIndexPattern.FindStringSubmatch(statusErr.Body)
	if match == nil {
		return false
	}
	rowIndex, err := strconv.Atoi(match[1])
	if err != nil || rowIndex <= 0 || rowIndex > len(lines) {
		return false
	}

	badLine := sanitizeString(lines[rowIndex-1])
	if !isValidRowLine(badLine) {
		r.logger.WithFields(logrus.Fields{
			"row": rowIndex,
			"sym": extractSymbolHint(badLine),
		}).Warn("Dropping bad row reported by store")
		return true
	}

	remainder := make([]string, 0, len(lines)-1)
	remainder = append(remainder, lines[:rowIndex-1]...)
	remainder = append(remainder, lines[rowIndex:]...)
	if len(remainder) == 0 {
		return true
	}

	r.logger.WithField("row", rowIndex).Warn("Retrying insert after dropping row")
	if err := r.ch.Insert(ctx, r.insertQuery(), []byte(strings.Join(remainder, "\n"))); err != nil {
		r.logger.WithError(err).WithField("row", rowIndex).Error("Retry insert failed after dropping row")
		return false
	}
	return true
}

func (r *OhlcRepository) sendSingleRow(ctx context.Context, bar models.Bar) {
	row, ok := r.serializeRow(bar)
	if !ok {
		return
	}
	if !isValidRowLine(row) {
		r.logger.WithField("sym", bar.Symbol).Warn("Dropping invalid JSONEachRow line")
		return
	}

	if err := r.ch.Insert(ctx, r.insertQuery(), []byte(row)); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"sym": bar.Symbol,
			"row": row,
		}).Error("Failed to insert bar")
	}
}

// ohlcRow mirrors the bars table schema. Prices are raw JSON numbers so the
// decimal string form (trailing zeros already stripped) lands unquoted.
type ohlcRow struct {
	Sym          string          `json:"sym"`
	Open         json.RawMessage `json:"open"`
	High         json.RawMessage `json:"high"`
	Low          json.RawMessage `json:"low"`
	Close        json.RawMessage `json:"close"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
	Time         string          `json:"time"`
}

// serializeRow renders one bar as a JSONEachRow line. Rows missing required
// fields are dropped here, before any network attempt.
func (r *OhlcRepository) serializeRow(bar models.Bar) (string, bool) {
	sym := sanitizeString(bar.Symbol)
	timeStr := ""
	if !bar.Time.IsZero() {
		timeStr = sanitizeString(bar.Time.Format(clickhouseTimeLayout))
	}
	if sym == "" || timeStr == "" {
		r.logger.WithFields(logrus.Fields{
			"sym":  sym,
			"time": timeStr,
		}).Warn("Dropping OHLC row with missing fields")
		return "", false
	}

	row := ohlcRow{
		Sym:          sym,
		Open:         json.RawMessage(bar.Open.String()),
		High:         json.RawMessage(bar.High.String()),
		Low:          json.RawMessage(bar.Low.String()),
		Close:        json.RawMessage(bar.Close.String()),
		Volume:       bar.Volume,
		OpenInterest: bar.OpenInterest,
		Time:         timeStr,
	}

	encoded, err := json.Marshal(row)
	if err != nil {
		r.logger.WithError(err).WithField("sym", sym).Error("Failed to serialize OHLC row")
		return "", false
	}
	return string(encoded), true
}

// isValidRowLine reports whether row is a well-formed single-line
// JSONEachRow record.
func isValidRowLine(row string) bool {
	if strings.TrimSpace(row) == "" {
		return false
	}
	if strings.ContainsAny(row, "\x00\n\r") {
		return false
	}
	return strings.HasPrefix(row, "{") && strings.HasSuffix(row, "}")
}

// extractSymbolHint pulls the sym value out of a serialized row for logging
func extractSymbolHint(row string) string {
	symIndex := strings.Index(row, `"sym"`)
	if symIndex < 0 {
		return "?"
	}
	rest := row[symIndex+len(`"sym"`):]
	colonIndex := strings.Index(rest, ":")
	if colonIndex < 0 {
		return "?"
	}
	rest = rest[colonIndex+1:]
	quoteStart := strings.Index(rest, `"`)
	if quoteStart < 0 {
		return "?"
	}
	rest = rest[quoteStart+1:]
	quoteEnd := strings.Index(rest, `"`)
	if quoteEnd < 0 {
		return "?"
	}
	return rest[:quoteEnd]
}
