package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuluruAkhil/ingestion-service/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fetchCall struct {
	symbol string
	from   time.Time
	to     time.Time
}

// fakeMarket records FetchOhlc calls and answers them via the fetch func.
type fakeMarket struct {
	mu    sync.Mutex
	calls []fetchCall
	fetch func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error)
}

func (m *fakeMarket) FetchOhlc(ctx context.Context, ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fetchCall{symbol: ticker.Symbol, from: from, to: to})
	m.mu.Unlock()
	if m.fetch == nil {
		return nil, nil
	}
	return m.fetch(ticker, from, to)
}

func (m *fakeMarket) fetchCalls() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fetchCall(nil), m.calls...)
}

// fakeWriter collects every inserted bar.
type fakeWriter struct {
	mu   sync.Mutex
	bars []models.Bar
}

func (w *fakeWriter) BatchInsert(ctx context.Context, bars []models.Bar) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bars = append(w.bars, bars...)
}

func (w *fakeWriter) inserted() []models.Bar {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.Bar(nil), w.bars...)
}

type cursorUpdate struct {
	symbol string
	at     time.Time
}

// fakeDirectory serves a fixed catalog and records cursor updates.
type fakeDirectory struct {
	mu        sync.Mutex
	active    []models.Ticker
	bySymbol  map[string]models.Ticker
	findErr   error
	cursorErr error
	updates   []cursorUpdate
}

func (d *fakeDirectory) FindActive(ctx context.Context) ([]models.Ticker, error) {
	if d.findErr != nil {
		return nil, d.findErr
	}
	return d.active, nil
}

func (d *fakeDirectory) FindBySymbol(ctx context.Context, symbol string) (*models.Ticker, error) {
	if d.findErr != nil {
		return nil, d.findErr
	}
	t, ok := d.bySymbol[symbol]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (d *fakeDirectory) UpdateCursor(ctx context.Context, symbol string, lastFetchedTime time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, cursorUpdate{symbol: symbol, at: lastFetchedTime})
	return d.cursorErr
}

func (d *fakeDirectory) cursorUpdates() []cursorUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]cursorUpdate(nil), d.updates...)
}

func minuteBars(symbol string, from time.Time, count int) []models.Bar {
	bars := make([]models.Bar, 0, count)
	for i := 0; i < count; i++ {
		bars = append(bars, models.Bar{Symbol: symbol, Volume: 1, Time: from.Add(time.Duration(i) * time.Minute)})
	}
	return bars
}

func tickerWithCursor(symbol string, cursor time.Time) models.Ticker {
	return models.Ticker{Symbol: symbol, SecurityID: "1", ExchangeSegment: "NSE_EQ", InstrumentType: "EQUITY", LastFetchedTime: &cursor, IsActive: true}
}

func TestSplitWindowsPartitionsRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(200 * 24 * time.Hour).Add(30 * time.Minute)
	max := 89 * 24 * time.Hour

	windows := splitWindows(start, end, max)
	require.Len(t, windows, 3)

	assert.True(t, windows[0].Start.Equal(start))
	assert.True(t, windows[len(windows)-1].End.Equal(end))
	for i, w := range windows {
		assert.True(t, w.Start.Before(w.End))
		assert.LessOrEqual(t, w.End.Sub(w.Start), max)
		if i > 0 {
			assert.True(t, w.Start.Equal(windows[i-1].End), "windows must be contiguous")
		}
	}
}

func TestSplitWindowsEmptyRange(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Empty(t, splitWindows(at, at, time.Hour))
	assert.Empty(t, splitWindows(at.Add(time.Hour), at, time.Hour))
}

func TestSplitWindowsShortRangeIsSingleWindow(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 31, 0, 0, time.UTC)
	end := time.Date(2025, 3, 10, 10, 5, 0, 0, time.UTC)

	windows := splitWindows(start, end, 89*24*time.Hour)
	require.Len(t, windows, 1)
	assert.True(t, windows[0].Start.Equal(start))
	assert.True(t, windows[0].End.Equal(end))
}

func newTestOrchestrator(dir *fakeDirectory, writer *fakeWriter, market *fakeMarket, maxWindow time.Duration, maxConcurrent int) *Orchestrator {
	historyStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewOrchestrator(dir, writer, market, historyStart, maxWindow, maxConcurrent, testLogger())
}

func TestProcessSyncsFromCursor(t *testing.T) {
	cursor := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	reference := time.Date(2025, 3, 10, 10, 5, 0, 0, time.UTC)

	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		return minuteBars(ticker.Symbol, from, 34), nil
	}
	writer := &fakeWriter{}
	dir := &fakeDirectory{}

	o := newTestOrchestrator(dir, writer, market, 89*24*time.Hour, 4)
	o.Process(context.Background(), []models.Ticker{tickerWithCursor("NSE_EQ_INFY", cursor)}, reference)

	calls := market.fetchCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].from.Equal(cursor.Add(time.Minute)), "fetch starts one minute past the cursor")
	assert.True(t, calls[0].to.Equal(reference))

	assert.Len(t, writer.inserted(), 34)

	updates := dir.cursorUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, "NSE_EQ_INFY", updates[0].symbol)
	assert.True(t, updates[0].at.Equal(time.Date(2025, 3, 10, 10, 4, 0, 0, time.UTC)),
		"cursor advances to the last persisted bar")
}

func TestProcessTickerWithoutCursorStartsFromHistory(t *testing.T) {
	reference := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)

	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		return minuteBars(ticker.Symbol, from, 1), nil
	}
	dir := &fakeDirectory{}

	o := newTestOrchestrator(dir, &fakeWriter{}, market, 89*24*time.Hour, 4)
	o.Process(context.Background(), []models.Ticker{{Symbol: "NSE_EQ_NEW", IsActive: true}}, reference)

	calls := market.fetchCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].from.Equal(time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)))
}

func TestProcessCaughtUpTickerIsSkipped(t *testing.T) {
	reference := time.Date(2025, 3, 10, 10, 5, 0, 0, time.UTC)
	market := &fakeMarket{}
	dir := &fakeDirectory{}

	o := newTestOrchestrator(dir, &fakeWriter{}, market, 89*24*time.Hour, 4)
	o.Process(context.Background(), []models.Ticker{tickerWithCursor("NSE_EQ_INFY", reference)}, reference)

	assert.Empty(t, market.fetchCalls())
	assert.Empty(t, dir.cursorUpdates())
}

func TestProcessAdvancesCursorPerWindow(t *testing.T) {
	cursor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reference := cursor.Add(25 * time.Minute)

	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		return minuteBars(ticker.Symbol, from, int(to.Sub(from)/time.Minute)), nil
	}
	writer := &fakeWriter{}
	dir := &fakeDirectory{}

	o := newTestOrchestrator(dir, writer, market, 10*time.Minute, 4)
	o.Process(context.Background(), []models.Ticker{tickerWithCursor("NSE_EQ_INFY", cursor)}, reference)

	calls := market.fetchCalls()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.True(t, calls[i].from.Equal(calls[i-1].to), "windows fetched in order")
	}

	updates := dir.cursorUpdates()
	require.Len(t, updates, 3, "cursor advances after every window, not once at the end")
	for i := 1; i < len(updates); i++ {
		assert.True(t, updates[i].at.After(updates[i-1].at))
	}
}

func TestProcessEmptyWindowStopsCycle(t *testing.T) {
	cursor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reference := cursor.Add(30 * time.Minute)

	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		if len(market.fetchCalls()) > 1 {
			return nil, nil
		}
		return minuteBars(ticker.Symbol, from, 5), nil
	}
	dir := &fakeDirectory{}

	o := newTestOrchestrator(dir, &fakeWriter{}, market, 10*time.Minute, 4)
	o.Process(context.Background(), []models.Ticker{tickerWithCursor("NSE_EQ_INFY", cursor)}, reference)

	assert.Len(t, market.fetchCalls(), 2, "cycle stops at the first empty window")
	assert.Len(t, dir.cursorUpdates(), 1)
}

func TestProcessFetchErrorStopsCycleKeepsProgress(t *testing.T) {
	cursor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reference := cursor.Add(30 * time.Minute)

	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		if len(market.fetchCalls()) > 1 {
			return nil, errors.New("mismatched intraday payload sizes")
		}
		return minuteBars(ticker.Symbol, from, 5), nil
	}
	writer := &fakeWriter{}
	dir := &fakeDirectory{}

	o := newTestOrchestrator(dir, writer, market, 10*time.Minute, 4)
	o.Process(context.Background(), []models.Ticker{tickerWithCursor("NSE_EQ_INFY", cursor)}, reference)

	assert.Len(t, market.fetchCalls(), 2)
	assert.Len(t, writer.inserted(), 5, "bars from the window before the failure stay persisted")
	assert.Len(t, dir.cursorUpdates(), 1, "partial progress survives the failure")
}

func TestProcessCursorUpdateFailureDoesNotStopCycle(t *testing.T) {
	cursor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reference := cursor.Add(25 * time.Minute)

	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		return minuteBars(ticker.Symbol, from, 5), nil
	}
	dir := &fakeDirectory{cursorErr: errors.New("store unavailable")}

	o := newTestOrchestrator(dir, &fakeWriter{}, market, 10*time.Minute, 4)
	o.Process(context.Background(), []models.Ticker{tickerWithCursor("NSE_EQ_INFY", cursor)}, reference)

	assert.Len(t, market.fetchCalls(), 3, "a failed cursor write is logged, not fatal to the cycle")
}

func TestProcessSkipsSymbolAlreadyInFlight(t *testing.T) {
	cursor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reference := cursor.Add(10 * time.Minute)

	release := make(chan struct{})
	var entered sync.Once
	enteredCh := make(chan struct{})

	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		entered.Do(func() { close(enteredCh) })
		<-release
		return nil, nil
	}
	dir := &fakeDirectory{}

	o := newTestOrchestrator(dir, &fakeWriter{}, market, time.Hour, 4)

	go func() {
		<-enteredCh
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	same := tickerWithCursor("NSE_EQ_INFY", cursor)
	o.Process(context.Background(), []models.Ticker{same, same}, reference)

	assert.Len(t, market.fetchCalls(), 1, "second sync request for a running symbol is skipped, not queued")
}

func TestProcessHonorsConcurrencyBound(t *testing.T) {
	cursor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reference := cursor.Add(10 * time.Minute)

	var current, peak atomic.Int32
	market := &fakeMarket{}
	market.fetch = func(ticker models.Ticker, from, to time.Time) ([]models.Bar, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	}
	dir := &fakeDirectory{}

	o := newTestOrchestrator(dir, &fakeWriter{}, market, time.Hour, 2)

	tickers := make([]models.Ticker, 0, 6)
	for _, sym := range []string{"A", "B", "C", "D", "E", "F"} {
		tickers = append(tickers, tickerWithCursor(sym, cursor))
	}
	o.Process(context.Background(), tickers, reference)

	assert.Len(t, market.fetchCalls(), 6)
	assert.LessOrEqual(t, peak.Load(), int32(2), "no more than maxConcurrent tasks run at once")
}
