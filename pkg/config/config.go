package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `env:", prefix=SERVER_"`
	ClickHouse ClickHouseConfig `env:", prefix=CLICKHOUSE_"`
	Dhan       DhanConfig       `env:", prefix=DHAN_"`
	Ingestion  IngestionConfig  `env:", prefix=INGESTION_"`
	Market     MarketConfig     `env:", prefix=MARKET_"`
	Logging    LoggingConfig    `env:", prefix=LOG_"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Host         string        `env:"HOST, default=0.0.0.0"`
	Port         int           `env:"PORT, default=8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=30s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT, default=120s"`
}

// ClickHouseConfig holds the analytical store configuration
type ClickHouseConfig struct {
	URL      string        `env:"URL, default=http://localhost:8123"`
	Database string        `env:"DATABASE, default=default"`
	User     string        `env:"USER"`
	Password string        `env:"PASSWORD"`
	Timeout  time.Duration `env:"TIMEOUT, default=30s"`
}

// DhanConfig holds the upstream market-data API configuration
type DhanConfig struct {
	BaseURL            string        `env:"BASE_URL, default=https://api.dhan.co/v2"`
	ClientID           string        `env:"CLIENT_ID"`
	AccessToken        string        `env:"ACCESS_TOKEN"`
	RenewalInterval    time.Duration `env:"RENEWAL_INTERVAL, default=12h"`
	MaxOutboundCalls   int64         `env:"MAX_OUTBOUND_CALLS, default=8"`
	AcquireTimeout     time.Duration `env:"ACQUIRE_TIMEOUT, default=30s"`
	MinRequestInterval time.Duration `env:"MIN_REQUEST_INTERVAL, default=100ms"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT, default=30s"`
}

// IngestionConfig holds the sync-cycle configuration
type IngestionConfig struct {
	Cron               string        `env:"CRON, default=*/5 * * * *"`
	HistoryStartDate   string        `env:"HISTORY_START_DATE, default=2024-01-01"`
	MaxWindowDays      int           `env:"MAX_WINDOW_DAYS, default=89"`
	MaxConcurrentTasks int           `env:"MAX_CONCURRENT_TASKS, default=200"`
	StaleThreshold     time.Duration `env:"STALE_THRESHOLD, default=5m"`
}

// MarketConfig holds the bellwether market-status configuration
type MarketConfig struct {
	BellwetherSymbol       string `env:"BELLWETHER_SYMBOL, default=IDX_I_13"`
	BellwetherWindowDays   int    `env:"BELLWETHER_WINDOW_DAYS, default=7"`
	UpdateBellwetherCursor bool   `env:"UPDATE_BELLWETHER_CURSOR, default=true"`
	Timezone               string `env:"TIMEZONE, default=Asia/Kolkata"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `env:"LEVEL, default=info"`
	Format string `env:"FORMAT, default=json"`
	Output string `env:"OUTPUT, default=stdout"`
}

// Load loads configuration from environment variables using go-envconfig
func Load() (*Config, error) {
	return load(context.Background(), envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.ClickHouse.URL == "" {
		return fmt.Errorf("ClickHouse URL is required")
	}
	if c.Dhan.BaseURL == "" {
		return fmt.Errorf("DhanHQ base URL is required")
	}
	if c.Dhan.MaxOutboundCalls <= 0 {
		return fmt.Errorf("invalid max outbound calls: %d", c.Dhan.MaxOutboundCalls)
	}
	if c.Ingestion.Cron == "" {
		return fmt.Errorf("ingestion cron expression is required")
	}
	if c.Ingestion.MaxWindowDays <= 0 {
		return fmt.Errorf("invalid max window days: %d", c.Ingestion.MaxWindowDays)
	}
	if c.Ingestion.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("invalid max concurrent tasks: %d", c.Ingestion.MaxConcurrentTasks)
	}
	if c.Market.BellwetherSymbol == "" {
		return fmt.Errorf("bellwether symbol is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid market timezone %q: %w", c.Market.Timezone, err)
	}
	if _, err := time.Parse("2006-01-02", c.Ingestion.HistoryStartDate); err != nil {
		return fmt.Errorf("invalid history start date %q: %w", c.Ingestion.HistoryStartDate, err)
	}
	return nil
}

// Location returns the exchange's local timezone
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Market.Timezone)
}

// HistoryStart returns the configured historical start date at midnight in loc
func (c *Config) HistoryStart(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", c.Ingestion.HistoryStartDate, loc)
}

// MaxWindow returns the maximum sync-window width
func (c *Config) MaxWindow() time.Duration {
	return time.Duration(c.Ingestion.MaxWindowDays) * 24 * time.Hour
}

// GetServerAddr returns the ops server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
