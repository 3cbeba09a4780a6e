package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"github.com/JuluruAkhil/ingestion-service/pkg/models"
)

// StatusGate reports market state and the cached reference time.
type StatusGate interface {
	GetStatus(ctx context.Context) models.MarketStatus
	LastReferenceTime() (time.Time, bool)
}

// Orchestrator runs one sync cycle for a set of stale instruments.
type Orchestrator interface {
	Process(ctx context.Context, tickers []models.Ticker, referenceTime time.Time)
}

// TickerSource lists the active instrument catalog.
type TickerSource interface {
	FindActive(ctx context.Context) ([]models.Ticker, error)
}

// Snapshot is the scheduler's last observed cycle state, served by the ops
// endpoints.
type Snapshot struct {
	LastRun       time.Time           `json:"last_run"`
	LastStatus    models.MarketStatus `json:"last_status"`
	StaleTickers  int                 `json:"stale_tickers"`
	ReferenceTime *time.Time          `json:"reference_time,omitempty"`
}

// Scheduler triggers ingestion cycles on a cron expression. A compare-and-
// swap guard drops a trigger that fires while the previous cycle is still
// running: skipped, never queued.
type Scheduler struct {
	cron           *gocron.Scheduler
	cronExpr       string
	gate           StatusGate
	tickers        TickerSource
	orchestrator   Orchestrator
	staleThreshold time.Duration
	logger         *logrus.Entry

	running atomic.Bool

	mu       sync.Mutex
	snapshot Snapshot
}

// New creates a new ingestion scheduler
func New(
	cronExpr string,
	gate StatusGate,
	tickers TickerSource,
	orchestrator Orchestrator,
	staleThreshold time.Duration,
	logger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		cronExpr:       cronExpr,
		gate:           gate,
		tickers:        tickers,
		orchestrator:   orchestrator,
		staleThreshold: staleThreshold,
		logger:         logger.WithField("component", "scheduler"),
	}
}

// Start registers the cron trigger and begins firing cycles
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = gocron.NewScheduler(time.UTC)
	if _, err := s.cron.Cron(s.cronExpr).Do(func() {
		s.RunCycle(ctx)
	}); err != nil {
		return err
	}
	s.cron.StartAsync()
	s.logger.WithField("cron", s.cronExpr).Info("Ingestion scheduler started")
	return nil
}

// Stop stops the cron runtime. A cycle in progress finishes on its own.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunCycle runs one full ingestion cycle. Every failure path is caught and
// logged here; nothing propagates to the cron runtime, so a failed cycle
// never cancels future triggers.
func (s *Scheduler) RunCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Previous ingestion job still running. Skipping this run.")
		return
	}
	defer s.running.Store(false)

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.WithField("panic", rec).Error("Critical error in ingestion scheduler")
		}
	}()

	s.logger.Info("Starting scheduled ingestion job")

	status := s.gate.GetStatus(ctx)
	referenceTime, haveReference := s.gate.LastReferenceTime()
	s.record(status, 0, referenceTime, haveReference)

	if status != models.MarketActive {
		s.logger.WithField("status", status).Info("Market not active. Skipping full sync.")
		return
	}
	if !haveReference {
		s.logger.Info("Reference time unavailable. Skipping full sync.")
		return
	}

	allTickers, err := s.tickers.FindActive(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch active tickers")
		return
	}

	threshold := referenceTime.Add(-s.staleThreshold)
	stale := make([]models.Ticker, 0, len(allTickers))
	for _, t := range allTickers {
		// No cursor means nothing fetched yet: always stale.
		if t.LastFetchedTime == nil || t.LastFetchedTime.Before(threshold) {
			stale = append(stale, t)
		}
	}
	s.record(status, len(stale), referenceTime, haveReference)

	if len(stale) == 0 {
		s.logger.Info("All tickers are up to date")
		return
	}

	s.logger.WithField("stale", len(stale)).Info("Found stale tickers. Triggering ingestion.")
	s.orchestrator.Process(ctx, stale, referenceTime)
}

func (s *Scheduler) record(status models.MarketStatus, stale int, referenceTime time.Time, haveReference bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.LastRun = time.Now()
	s.snapshot.LastStatus = status
	s.snapshot.StaleTickers = stale
	if haveReference {
		ref := referenceTime
		s.snapshot.ReferenceTime = &ref
	}
}

// State returns the last observed cycle snapshot
func (s *Scheduler) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}
