package database

import (
	"context"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JuluruAkhil/ingestion-service/pkg/config"
)

// StatusError is a non-2xx response from the ClickHouse HTTP interface.
// Body carries the server's error text, which for failed bulk inserts names
// the offending row ("... at row N").
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("clickhouse: status=%d body=%s", e.StatusCode, e.Body)
}

// ClickHouseClient talks to ClickHouse over its HTTP interface. Reads are
// SQL query strings, writes are newline-delimited JSONEachRow bodies.
type ClickHouseClient struct {
	client   *http.Client
	baseURL  string
	database string
	user     string
	password string
	logger   *logrus.Entry
}

// NewClickHouseClient creates a new ClickHouse HTTP client
func NewClickHouseClient(cfg *config.ClickHouseConfig, logger *logrus.Logger) *ClickHouseClient {
	return &ClickHouseClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		database: cfg.Database,
		user:     cfg.User,
		password: cfg.Password,
		logger:   logger.WithField("component", "clickhouse"),
	}
}

// Database returns the configured database name
func (c *ClickHouseClient) Database() string {
	return c.database
}

// Query executes a read query and returns the raw response body
func (c *ClickHouseClient) Query(ctx context.Context, query string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.queryURL(query), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Exec executes a statement with no result set (e.g. ALTER TABLE ... UPDATE)
func (c *ClickHouseClient) Exec(ctx context.Context, query string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL(query), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	_, err = c.do(req)
	return err
}

// Insert posts a JSONEachRow payload for the given INSERT query
func (c *ClickHouseClient) Insert(ctx context.Context, query string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL(query), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	_, err = c.do(req)
	return err
}

// Ping checks store reachability
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := c.Query(ctx, "SELECT 1")
	return err
}

func (c *ClickHouseClient) queryURL(query string) string {
	params := url.Values{}
	params.Set("query", query)
	return fmt.Sprintf("%s/?%s", c.baseURL, params.Encode())
}

func (c *ClickHouseClient) do(req *http.Request) ([]byte, error) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

// escapeSQLString doubles single quotes for embedding in SQL literals
func escapeSQLString(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

// sanitizeString strips NUL bytes and surrounding whitespace
func sanitizeString(value string) string {
	return strings.TrimSpace(strings.ReplaceAll(value, "\x00", ""))
}
