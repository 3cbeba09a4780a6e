package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JuluruAkhil/ingestion-service/pkg/models"
)

// Orchestrator runs per-instrument sync cycles under bounded concurrency.
// Each instrument's windows are fetched strictly sequentially so a window's
// write and cursor advance always complete before the next window starts;
// different instruments sync independently and may write concurrently.
type Orchestrator struct {
	tickers TickerDirectory
	bars    BarWriter
	market  MarketData
	logger  *logrus.Entry

	maxConcurrent   int
	historicalStart time.Time
	maxWindow       time.Duration

	// In-flight symbols. Insert-if-absent membership is the sole mutual
	// exclusion for a symbol: a second sync request for a running symbol
	// is a no-op skip, never queued.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewOrchestrator creates a new ingestion orchestrator
func NewOrchestrator(
	tickers TickerDirectory,
	bars BarWriter,
	market MarketData,
	historicalStart time.Time,
	maxWindow time.Duration,
	maxConcurrent int,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		tickers:         tickers,
		bars:            bars,
		market:          market,
		logger:          logger.WithField("component", "orchestrator"),
		maxConcurrent:   maxConcurrent,
		historicalStart: historicalStart,
		maxWindow:       maxWindow,
		inFlight:        make(map[string]struct{}),
	}
}

// Process syncs every given instrument up to referenceTime, fanning out to
// at most maxConcurrent tasks, and returns when all tasks have finished.
// A failure in one instrument's task never cancels the others.
func (o *Orchestrator) Process(ctx context.Context, tickers []models.Ticker, referenceTime time.Time) {
	o.logger.WithField("tickers", len(tickers)).Info("Starting parallel sync")

	sem := make(chan struct{}, o.maxConcurrent)
	var wg sync.WaitGroup

	for _, ticker := range tickers {
		wg.Add(1)
		go func(t models.Ticker) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				o.logger.WithField("symbol", t.Symbol).Warn("Canceled while waiting to schedule")
				return
			}
			defer func() { <-sem }()

			o.syncTicker(ctx, t, referenceTime)
		}(ticker)
	}

	wg.Wait()
}

// syncTicker runs one instrument's sync cycle: claim the symbol, partition
// the missing range into bounded windows, and fetch/persist them in order,
// advancing the cursor after every persisted window so partial progress
// survives a later failure.
func (o *Orchestrator) syncTicker(ctx context.Context, ticker models.Ticker, endTime time.Time) {
	symbol := ticker.Symbol
	if !o.markInFlight(symbol) {
		o.logger.WithField("symbol", symbol).Info("Skipping symbol since a sync is already running")
		return
	}
	defer o.clearInFlight(symbol)

	start := ticker.Cursor(o.historicalStart).Add(time.Minute)
	if !start.Before(endTime) {
		o.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"cursor": start,
			"end":    endTime,
		}).Debug("Skipping symbol since cursor is not before end")
		return
	}

	for _, w := range splitWindows(start, endTime, o.maxWindow) {
		o.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"from":   w.Start,
			"to":     w.End,
		}).Info("Fetching window")

		bars, err := o.market.FetchOhlc(ctx, ticker, w.Start, w.End)
		if err != nil {
			o.logger.WithError(err).WithField("symbol", symbol).Error("Failed to sync symbol")
			return
		}
		if len(bars) == 0 {
			// Caught up for now; the next cycle retries from the cursor.
			o.logger.WithField("symbol", symbol).Debug("Window returned no data, stopping cycle")
			return
		}

		o.bars.BatchInsert(ctx, bars)

		lastTime := bars[len(bars)-1].Time
		if err := o.tickers.UpdateCursor(ctx, symbol, lastTime); err != nil {
			o.logger.WithError(err).WithField("symbol", symbol).Error("Failed to advance cursor")
		}
	}
}

func (o *Orchestrator) markInFlight(symbol string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[symbol]; exists {
		return false
	}
	o.inFlight[symbol] = struct{}{}
	return true
}

func (o *Orchestrator) clearInFlight(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, symbol)
}

// window is one bounded [Start, End) slice of an instrument's missing range
type window struct {
	Start time.Time
	End   time.Time
}

// splitWindows partitions [start, end) into contiguous, non-overlapping
// windows of at most max width whose union is exactly the input range.
func splitWindows(start, end time.Time, max time.Duration) []window {
	var windows []window
	for ws := start; ws.Before(end); {
		we := ws.Add(max)
		if we.After(end) {
			we = end
		}
		windows = append(windows, window{Start: ws, End: we})
		ws = we
	}
	return windows
}
