package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JuluruAkhil/ingestion-service/pkg/config"
	"github.com/JuluruAkhil/ingestion-service/pkg/models"
)

// StatusGate decides whether the market is open by probing one designated
// bellwether instrument. A successful probe also refreshes the cached
// reference time the scheduler and orchestrator measure staleness against.
type StatusGate struct {
	tickers TickerDirectory
	market  MarketData
	logger  *logrus.Entry

	bellwetherSymbol string
	windowDays       int
	updateCursor     bool
	loc              *time.Location

	mu            sync.Mutex
	lastReference time.Time
	haveReference bool
}

// NewStatusGate creates a new bellwether market-status gate
func NewStatusGate(tickers TickerDirectory, market MarketData, cfg *config.MarketConfig, loc *time.Location, logger *logrus.Logger) *StatusGate {
	return &StatusGate{
		tickers:          tickers,
		market:           market,
		logger:           logger.WithField("component", "market-status"),
		bellwetherSymbol: cfg.BellwetherSymbol,
		windowDays:       cfg.BellwetherWindowDays,
		updateCursor:     cfg.UpdateBellwetherCursor,
		loc:              loc,
	}
}

// GetStatus probes the bellwether for a trailing window ending now. No data
// means the market is presumed shut; any lookup failure is an error status,
// which the scheduler treats as "skip this cycle".
func (g *StatusGate) GetStatus(ctx context.Context) models.MarketStatus {
	now := time.Now().In(g.loc)
	windowStart := now.AddDate(0, 0, -g.windowDays)

	g.logger.WithFields(logrus.Fields{
		"symbol": g.bellwetherSymbol,
		"since":  windowStart,
		"days":   g.windowDays,
	}).Info("Checking bellwether for data")

	bellwether, err := g.tickers.FindBySymbol(ctx, g.bellwetherSymbol)
	if err != nil {
		g.logger.WithError(err).Error("Error checking market status")
		return models.MarketError
	}
	if bellwether == nil {
		g.logger.WithError(fmt.Errorf("bellwether symbol %s not found in store", g.bellwetherSymbol)).
			Error("Error checking market status")
		return models.MarketError
	}

	bars, err := g.market.FetchOhlc(ctx, *bellwether, windowStart, now)
	if err != nil {
		g.logger.WithError(err).Error("Error checking market status")
		return models.MarketError
	}

	if len(bars) == 0 {
		g.logger.Info("Bellwether returned no data. Market likely closed.")
		return models.MarketClosed
	}

	latest := bars[len(bars)-1].Time
	g.mu.Lock()
	g.lastReference = latest
	g.haveReference = true
	g.mu.Unlock()

	g.logger.WithField("latest", latest).Info("Bellwether data available")

	if g.updateCursor {
		if err := g.tickers.UpdateCursor(ctx, g.bellwetherSymbol, latest); err != nil {
			g.logger.WithError(err).Warn("Failed to update bellwether cursor")
		}
	} else {
		g.logger.WithField("symbol", g.bellwetherSymbol).Debug("Skipping bellwether cursor update (config disabled)")
	}

	return models.MarketActive
}

// LastReferenceTime returns the most recently cached reference time. Before
// the first successful probe there is none, and the scheduler skips the
// cycle.
func (g *StatusGate) LastReferenceTime() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReference, g.haveReference
}
