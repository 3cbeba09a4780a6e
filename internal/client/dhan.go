package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/JuluruAkhil/ingestion-service/internal/auth"
	"github.com/JuluruAkhil/ingestion-service/pkg/config"
	"github.com/JuluruAkhil/ingestion-service/pkg/models"
)

const (
	requestTimeLayout = "2006-01-02 15:04:05"

	// Upstream "no data for parameters" error code, retried a bounded
	// number of times because it also shows up transiently.
	noDataErrorCode = "DH-905"

	maxAttempts = 3

	// Timestamps outside this epoch-seconds range are treated as corrupt.
	maxEpochSeconds = 10_000_000_000
)

// DhanClient fetches intraday minute bars from the DhanHQ API. A weighted
// semaphore caps concurrent outbound calls across all instruments, and each
// call paces itself to the configured minimum request interval.
type DhanClient struct {
	client     *http.Client
	baseURL    string
	tokens     *auth.TokenStore
	sem        *semaphore.Weighted
	acquireTTL time.Duration
	loc        *time.Location
	logger     *logrus.Entry

	// Fixed backoff after the first and second failed attempts. Fields so
	// tests can shrink them.
	firstRetryDelay  time.Duration
	secondRetryDelay time.Duration

	minInterval time.Duration
	mu          sync.Mutex
	lastCall    time.Time
}

// NewDhanClient creates a new DhanHQ market-data client
func NewDhanClient(cfg *config.DhanConfig, tokens *auth.TokenStore, loc *time.Location, logger *logrus.Logger) *DhanClient {
	return &DhanClient{
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		tokens:           tokens,
		sem:              semaphore.NewWeighted(cfg.MaxOutboundCalls),
		acquireTTL:       cfg.AcquireTimeout,
		loc:              loc,
		logger:           logger.WithField("component", "dhan-client"),
		firstRetryDelay:  5 * time.Second,
		secondRetryDelay: 10 * time.Second,
		minInterval:      cfg.MinRequestInterval,
	}
}

// FetchOhlc fetches one window of minute bars for an instrument. An empty
// range is a no-op, not an error. Transient upstream failures, rate limits,
// and a missing credential all degrade to an empty result; only a
// structurally corrupt response returns an error.
func (c *DhanClient) FetchOhlc(ctx context.Context, ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
	if !from.Before(to) {
		return nil, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, c.acquireTTL)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		c.logger.WithField("symbol", ticker.Symbol).Warn("Timed out waiting for API slot")
		return nil, nil
	}
	defer c.sem.Release(1)

	return c.fetchOhlc1m(ctx, ticker, from, to)
}

func (c *DhanClient) fetchOhlc1m(ctx context.Context, ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
	fromDate := from.Format(requestTimeLayout)
	toDate := to.Format(requestTimeLayout)

	payload := map[string]interface{}{
		"securityId":      ticker.SecurityID,
		"exchangeSegment": ticker.ExchangeSegment,
		"instrument":      ticker.InstrumentType,
		"interval":        "1",
		"oi":              false,
		"fromDate":        fromDate,
		"toDate":          toDate,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.WithError(err).WithField("symbol", ticker.Symbol).Error("Failed to encode request")
		return nil, nil
	}

	url := c.baseURL + "/charts/intraday"

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		token := c.tokens.Get()
		if token == "" {
			c.logger.WithField("symbol", ticker.Symbol).Error("Missing DhanHQ access token; unable to fetch data")
			return nil, nil
		}

		c.pace()

		status, respBody, err := c.post(ctx, url, token, body)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"symbol": ticker.Symbol,
				"from":   fromDate,
				"to":     toDate,
			}).Error("Error fetching data")
			return nil, nil
		}

		if status != http.StatusOK {
			if c.shouldRetry(status, respBody, attempt) {
				delay := c.firstRetryDelay
				if attempt > 1 {
					delay = c.secondRetryDelay
				}
				c.logger.WithFields(logrus.Fields{
					"symbol":  ticker.Symbol,
					"from":    fromDate,
					"to":      toDate,
					"attempt": attempt + 1,
					"delay":   delay,
				}).Warn("Retrying DhanHQ request")
				select {
				case <-ctx.Done():
					return nil, nil
				case <-time.After(delay):
				}
				continue
			}
			if status == http.StatusBadRequest && strings.Contains(respBody, noDataErrorCode) {
				c.logger.WithFields(logrus.Fields{
					"symbol": ticker.Symbol,
					"from":   fromDate,
					"to":     toDate,
				}).Warn("DhanHQ returned " + noDataErrorCode)
				return nil, nil
			}
			c.logger.WithFields(logrus.Fields{
				"symbol": ticker.Symbol,
				"from":   fromDate,
				"to":     toDate,
				"status": status,
				"body":   respBody,
			}).Error("Error fetching data")
			return nil, nil
		}

		var response map[string]json.RawMessage
		if err := json.Unmarshal([]byte(respBody), &response); err != nil {
			c.logger.WithError(err).WithField("symbol", ticker.Symbol).Error("Failed to decode response")
			return nil, nil
		}
		if _, ok := response["timestamp"]; !ok {
			return nil, nil
		}

		return parseResponse(ticker.Symbol, response, c.loc)
	}

	return nil, nil
}

func (c *DhanClient) post(ctx context.Context, url, token string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode, string(respBody), nil
}

func (c *DhanClient) shouldRetry(status int, body string, attempt int) bool {
	if attempt >= maxAttempts {
		return false
	}
	if status == http.StatusBadRequest && strings.Contains(body, noDataErrorCode) {
		return true
	}
	return isRateLimited(status, body)
}

func isRateLimited(status int, body string) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if strings.TrimSpace(body) == "" {
		return false
	}
	return strings.Contains(body, "rate limit") || strings.Contains(body, "too many requests")
}

// pace enforces the minimum interval between outbound calls
func (c *DhanClient) pace() {
	if c.minInterval <= 0 {
		return
	}
	c.mu.Lock()
	elapsed := time.Since(c.lastCall)
	if elapsed < c.minInterval {
		time.Sleep(c.minInterval - elapsed)
	}
	c.lastCall = time.Now()
	c.mu.Unlock()
}

// parseResponse decodes the parallel-array intraday payload. All six arrays
// must share one length and every timestamp must be plausible epoch seconds;
// a violation is a structural error, never a silent truncation.
func parseResponse(symbol string, data map[string]json.RawMessage, loc *time.Location) ([]models.Bar, error) {
	timestamps, err := requireArray(data, "timestamp")
	if err != nil {
		return nil, err
	}
	open, err := requireArray(data, "open")
	if err != nil {
		return nil, err
	}
	high, err := requireArray(data, "high")
	if err != nil {
		return nil, err
	}
	low, err := requireArray(data, "low")
	if err != nil {
		return nil, err
	}
	closeArr, err := requireArray(data, "close")
	if err != nil {
		return nil, err
	}
	volume, err := requireArray(data, "volume")
	if err != nil {
		return nil, err
	}

	size := len(timestamps)
	if len(open) != size || len(high) != size || len(low) != size || len(closeArr) != size || len(volume) != size {
		return nil, fmt.Errorf(
			"mismatched intraday payload sizes for %s: timestamp=%d, open=%d, high=%d, low=%d, close=%d, volume=%d",
			symbol, size, len(open), len(high), len(low), len(closeArr), len(volume))
	}

	bars := make([]models.Bar, 0, size)
	for i := 0; i < size; i++ {
		tsSeconds, err := requireEpochSeconds(symbol, i, timestamps[i])
		if err != nil {
			return nil, err
		}

		openVal, err := requireDecimal(symbol, "open", i, open[i])
		if err != nil {
			return nil, err
		}
		highVal, err := requireDecimal(symbol, "high", i, high[i])
		if err != nil {
			return nil, err
		}
		lowVal, err := requireDecimal(symbol, "low", i, low[i])
		if err != nil {
			return nil, err
		}
		closeVal, err := requireDecimal(symbol, "close", i, closeArr[i])
		if err != nil {
			return nil, err
		}

		volNum, err := volume[i].Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid intraday volume at index %d for %s: %s", i, symbol, volume[i])
		}
		vol := int64(volNum)
		if vol < 0 {
			vol = 0
		}

		bars = append(bars, models.Bar{
			Symbol:       symbol,
			Open:         openVal,
			High:         highVal,
			Low:          lowVal,
			Close:        closeVal,
			Volume:       vol,
			OpenInterest: 0,
			Time:         time.Unix(tsSeconds, 0).In(loc),
		})
	}
	return bars, nil
}

func requireArray(data map[string]json.RawMessage, key string) ([]json.Number, error) {
	raw, ok := data[key]
	if !ok {
		return nil, fmt.Errorf("missing intraday payload field: %s", key)
	}
	var values []json.Number
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("invalid intraday payload field %s: %w", key, err)
	}
	return values, nil
}

func requireDecimal(symbol, field string, index int, value json.Number) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid intraday %s at index %d for %s: %s", field, index, symbol, value)
	}
	return d, nil
}

func requireEpochSeconds(symbol string, index int, value json.Number) (int64, error) {
	f, err := value.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid epoch seconds timestamp at index %d for %s: %s", index, symbol, value)
	}
	tsSeconds := int64(f)
	if tsSeconds <= 0 || tsSeconds > maxEpochSeconds {
		return 0, fmt.Errorf("invalid epoch seconds timestamp at index %d for %s: %s", index, symbol, value)
	}
	return tsSeconds, nil
}
