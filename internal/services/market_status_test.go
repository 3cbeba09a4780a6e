package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuluruAkhil/ingestion-service/pkg/config"
	"github.com/JuluruAkhil/ingestion-service/pkg/models"
)

func testMarketConfig() *config.MarketConfig {
	return &config.MarketConfig{
		BellwetherSymbol:       "IDX_I_13",
		BellwetherWindowDays:   7,
		UpdateBellwetherCursor: true,
		Timezone:               "UTC",
	}
}

func bellwetherDirectory() *fakeDirectory {
	return &fakeDirectory{
		bySymbol: map[string]models.Ticker{
			"IDX_I_13": {Symbol: "IDX_I_13", SecurityID: "13", ExchangeSegment: "IDX_I", InstrumentType: "INDEX", IsActive: true},
		},
	}
}

func TestGetStatusActiveCachesReference(t *testing.T) {
	latest := time.Date(2025, 3, 10, 15, 29, 0, 0, time.UTC)
	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		assert.Equal(t, "IDX_I_13", ticker.Symbol)
		assert.InDelta(t, 7*24*time.Hour, to.Sub(from), float64(time.Minute), "probe window is the trailing bellwether window")
		return []models.Bar{
			{Symbol: "IDX_I_13", Time: latest.Add(-time.Minute)},
			{Symbol: "IDX_I_13", Time: latest},
		}, nil
	}
	dir := bellwetherDirectory()

	gate := NewStatusGate(dir, market, testMarketConfig(), time.UTC, testLogger())

	_, ok := gate.LastReferenceTime()
	assert.False(t, ok, "no reference before the first successful probe")

	status := gate.GetStatus(context.Background())
	assert.Equal(t, models.MarketActive, status)

	ref, ok := gate.LastReferenceTime()
	require.True(t, ok)
	assert.True(t, ref.Equal(latest), "reference time is the latest bellwether bar")

	updates := dir.cursorUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, "IDX_I_13", updates[0].symbol)
	assert.True(t, updates[0].at.Equal(latest))
}

func TestGetStatusCursorUpdateDisabled(t *testing.T) {
	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		return []models.Bar{{Symbol: "IDX_I_13", Time: time.Now()}}, nil
	}
	dir := bellwetherDirectory()

	cfg := testMarketConfig()
	cfg.UpdateBellwetherCursor = false
	gate := NewStatusGate(dir, market, cfg, time.UTC, testLogger())

	assert.Equal(t, models.MarketActive, gate.GetStatus(context.Background()))
	assert.Empty(t, dir.cursorUpdates())
}

func TestGetStatusNoDataMeansClosed(t *testing.T) {
	market := &fakeMarket{}
	dir := bellwetherDirectory()

	gate := NewStatusGate(dir, market, testMarketConfig(), time.UTC, testLogger())
	assert.Equal(t, models.MarketClosed, gate.GetStatus(context.Background()))

	_, ok := gate.LastReferenceTime()
	assert.False(t, ok, "a closed probe must not refresh the reference")
}

func TestGetStatusErrors(t *testing.T) {
	t.Run("lookup failure", func(t *testing.T) {
		dir := &fakeDirectory{findErr: errors.New("store unavailable")}
		gate := NewStatusGate(dir, &fakeMarket{}, testMarketConfig(), time.UTC, testLogger())
		assert.Equal(t, models.MarketError, gate.GetStatus(context.Background()))
	})

	t.Run("unknown bellwether", func(t *testing.T) {
		dir := &fakeDirectory{bySymbol: map[string]models.Ticker{}}
		gate := NewStatusGate(dir, &fakeMarket{}, testMarketConfig(), time.UTC, testLogger())
		assert.Equal(t, models.MarketError, gate.GetStatus(context.Background()))
	})

	t.Run("fetch failure", func(t *testing.T) {
		market := &fakeMarket{}
		market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
			return nil, errors.New("mismatched intraday payload sizes")
		}
		gate := NewStatusGate(bellwetherDirectory(), market, testMarketConfig(), time.UTC, testLogger())
		assert.Equal(t, models.MarketError, gate.GetStatus(context.Background()))
	})
}

func TestGetStatusCursorFailureStillActive(t *testing.T) {
	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		return []models.Bar{{Symbol: "IDX_I_13", Time: time.Now()}}, nil
	}
	dir := bellwetherDirectory()
	dir.cursorErr = errors.New("store unavailable")

	gate := NewStatusGate(dir, market, testMarketConfig(), time.UTC, testLogger())
	assert.Equal(t, models.MarketActive, gate.GetStatus(context.Background()),
		"a failed bellwether cursor write is not fatal to the probe")
}
