package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JuluruAkhil/ingestion-service/internal/api"
	"github.com/JuluruAkhil/ingestion-service/internal/auth"
	"github.com/JuluruAkhil/ingestion-service/internal/client"
	"github.com/JuluruAkhil/ingestion-service/internal/database"
	"github.com/JuluruAkhil/ingestion-service/internal/scheduler"
	"github.com/JuluruAkhil/ingestion-service/internal/services"
	"github.com/JuluruAkhil/ingestion-service/pkg/config"
)

// App wires and runs the ingestion service
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clickhouse *database.ClickHouseClient
	tickers    *database.TickerRepository
	bars       *database.OhlcRepository
	tokens     *auth.TokenStore
	market     *client.DhanClient

	gate         *services.StatusGate
	orchestrator *services.Orchestrator
	refresher    *services.TokenRefresher
	sched        *scheduler.Scheduler
	apiServer    *api.Server
}

// New creates a new application instance
func New(cfg *config.Config, logger *logrus.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize constructs all application components
func (a *App) Initialize() error {
	loc, err := a.cfg.Location()
	if err != nil {
		return fmt.Errorf("failed to load market timezone: %w", err)
	}
	historyStart, err := a.cfg.HistoryStart(loc)
	if err != nil {
		return fmt.Errorf("failed to parse history start date: %w", err)
	}

	a.clickhouse = database.NewClickHouseClient(&a.cfg.ClickHouse, a.logger)
	a.tickers = database.NewTickerRepository(a.clickhouse, loc, a.logger)
	a.bars = database.NewOhlcRepository(a.clickhouse, loc, a.logger)

	a.tokens = auth.NewTokenStore(a.cfg.Dhan.AccessToken)
	a.market = client.NewDhanClient(&a.cfg.Dhan, a.tokens, loc, a.logger)

	a.gate = services.NewStatusGate(a.tickers, a.market, &a.cfg.Market, loc, a.logger)
	a.orchestrator = services.NewOrchestrator(
		a.tickers,
		a.bars,
		a.market,
		historyStart,
		a.cfg.MaxWindow(),
		a.cfg.Ingestion.MaxConcurrentTasks,
		a.logger,
	)
	a.refresher = services.NewTokenRefresher(&a.cfg.Dhan, a.tokens, a.logger)
	a.sched = scheduler.New(
		a.cfg.Ingestion.Cron,
		a.gate,
		a.tickers,
		a.orchestrator,
		a.cfg.Ingestion.StaleThreshold,
		a.logger,
	)
	a.apiServer = api.NewServer(a.cfg, a.clickhouse, a.bars, a.sched, a.logger)

	return nil
}

// Start launches the refresher, scheduler, and ops server
func (a *App) Start() error {
	if err := a.clickhouse.Ping(a.ctx); err != nil {
		a.logger.WithError(err).Warn("Analytical store not reachable at startup")
	}

	// Renews once synchronously; a failed renewal stops the process here.
	a.refresher.Start(a.ctx)

	if err := a.sched.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.apiServer.Start(); err != nil && err != http.ErrServerClosed {
			a.logger.WithError(err).Error("API server error")
		}
	}()

	a.logger.Info("Ingestion service started")
	return nil
}

// Stop gracefully stops the application
func (a *App) Stop() error {
	a.logger.Info("Stopping ingestion service...")

	a.cancel()
	a.sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.apiServer.Stop(ctx); err != nil {
		a.logger.WithError(err).Error("Error stopping API server")
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		a.logger.Warn("Timeout waiting for goroutines to finish")
	}

	a.logger.Info("Ingestion service stopped")
	return nil
}
