package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgetrade/surgebot/internal/config"
	"github.com/surgetrade/surgebot/internal/types"
)

// fakeData serves canned tickers and candles keyed by requested limit
type fakeData struct {
	tickers map[string]types.Ticker
	short   map[string]types.CandleSeries // served for the pre-filter fetch
	deep    map[string]types.CandleSeries // served for the deep fetch
}

func (f *fakeData) Tickers(_ context.Context) (map[string]types.Ticker, error) {
	return f.tickers, nil
}

func (f *fakeData) Candles(_ context.Context, symbol string, _ types.Interval, limit int) (types.CandleSeries, error) {
	if limit <= prefilterBars {
		return f.short[symbol], nil
	}
	return f.deep[symbol], nil
}

type fakeBook struct {
	open []types.Position
}

func (f *fakeBook) ListOpen(_ context.Context) ([]types.Position, error) {
	return f.open, nil
}

func testConfig() *config.Config {
	return &config.Config{
		MinVolume24h:     decimal.NewFromInt(5_000_000),
		MinMomentumScore: 60,
		MinATRPct1m:      0.25,
		PrefilterTopK:    50,
		MaxOpenTrades:    3,
		TPMult:           2.0,
		SLMult:           1.0,
	}
}

func ticker(symbol string, vol int64) types.Ticker {
	return types.Ticker{
		Symbol:        symbol,
		LastPrice:     decimal.NewFromInt(100),
		QuoteVolume24: decimal.NewFromInt(vol),
	}
}

// prefilterSeries passes every mobility gate: 0.5% thrust, 2x volume
// surge, healthy ATR
func prefilterSeries() types.CandleSeries {
	closes := repeat(100, 19, 100.1, 100.2, 100.3, 100.3, 100.4, 100.5)
	volumes := repeat(100, 22, 200, 200, 200)
	return buildSeries(closes, volumes)
}

// flatVolumeSeries has price movement but no volume surge
func flatVolumeSeries() types.CandleSeries {
	closes := repeat(100, 19, 100.1, 100.2, 100.3, 100.3, 100.4, 100.5)
	volumes := repeat(100, 25)
	return buildSeries(closes, volumes)
}

func newTestScanner(data *fakeData, book *fakeBook, cfg *config.Config) *Scanner {
	s := New(data, book, &Sessions{}, cfg)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestScan_EmitsRankedCandidate(t *testing.T) {
	data := &fakeData{
		tickers: map[string]types.Ticker{
			"AAAUSDT": ticker("AAAUSDT", 10_000_000),
		},
		short: map[string]types.CandleSeries{"AAAUSDT": prefilterSeries()},
		deep:  map[string]types.CandleSeries{"AAAUSDT": crossUpSeries(220)},
	}
	s := newTestScanner(data, &fakeBook{}, testConfig())

	got, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, "AAAUSDT", c.Symbol)
	assert.Equal(t, types.Long, c.Direction)
	assert.Equal(t, 100, c.Score)
	assert.True(t, c.EMACrossover)

	// tp = entry + 2*atr, sl = entry - 1*atr
	entry := decimal.NewFromInt(101)
	assert.True(t, c.Price.Equal(entry))
	assert.True(t, c.SuggestedTP.Equal(entry.Add(c.ATR.Mul(decimal.NewFromInt(2)))))
	assert.True(t, c.SuggestedSL.Equal(entry.Sub(c.ATR)))
}

func TestScan_QuietWhenNoVolumeSurge(t *testing.T) {
	// High ATR alone is not mobility; flat volume fails the pre-filter
	data := &fakeData{
		tickers: map[string]types.Ticker{
			"AAAUSDT": ticker("AAAUSDT", 10_000_000),
			"BBBUSDT": ticker("BBBUSDT", 20_000_000),
		},
		short: map[string]types.CandleSeries{
			"AAAUSDT": flatVolumeSeries(),
			"BBBUSDT": flatVolumeSeries(),
		},
	}
	s := newTestScanner(data, &fakeBook{}, testConfig())

	got, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScan_ScoreFloorBoundary(t *testing.T) {
	data := &fakeData{
		tickers: map[string]types.Ticker{"AAAUSDT": ticker("AAAUSDT", 10_000_000)},
		short:   map[string]types.CandleSeries{"AAAUSDT": prefilterSeries()},
		deep:    map[string]types.CandleSeries{"AAAUSDT": crossUpSeries(130)}, // scores 90
	}

	cfg := testConfig()
	cfg.MinMomentumScore = 90
	got, err := newTestScanner(data, &fakeBook{}, cfg).Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1, "score equal to the floor is emitted")

	cfg = testConfig()
	cfg.MinMomentumScore = 91
	got, err = newTestScanner(data, &fakeBook{}, cfg).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got, "score below the floor is dropped")
}

func TestScan_UniverseFilters(t *testing.T) {
	data := &fakeData{
		tickers: map[string]types.Ticker{
			"LOWUSDT":  ticker("LOWUSDT", 1_000_000),   // under volume floor
			"USDCUSDT": ticker("USDCUSDT", 50_000_000), // deny-listed
			"AAABTC":   ticker("AAABTC", 50_000_000),   // wrong quote asset
		},
		short: map[string]types.CandleSeries{
			"LOWUSDT":  prefilterSeries(),
			"USDCUSDT": prefilterSeries(),
			"AAABTC":   prefilterSeries(),
		},
		deep: map[string]types.CandleSeries{
			"LOWUSDT":  crossUpSeries(220),
			"USDCUSDT": crossUpSeries(220),
			"AAABTC":   crossUpSeries(220),
		},
	}
	s := newTestScanner(data, &fakeBook{}, testConfig())

	got, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScan_SlotBudget(t *testing.T) {
	full := &fakeBook{open: []types.Position{
		{Symbol: "XUSDT", Status: types.StatusOpen},
		{Symbol: "YUSDT", Status: types.StatusOpen},
		{Symbol: "ZUSDT", Status: types.StatusOpen},
	}}
	data := &fakeData{
		tickers: map[string]types.Ticker{"AAAUSDT": ticker("AAAUSDT", 10_000_000)},
		short:   map[string]types.CandleSeries{"AAAUSDT": prefilterSeries()},
		deep:    map[string]types.CandleSeries{"AAAUSDT": crossUpSeries(220)},
	}

	got, err := newTestScanner(data, full, testConfig()).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got, "full book scans nothing")
}

func TestScan_TruncatesToAvailableSlots(t *testing.T) {
	data := &fakeData{
		tickers: map[string]types.Ticker{
			"AAAUSDT": ticker("AAAUSDT", 10_000_000),
			"BBBUSDT": ticker("BBBUSDT", 11_000_000),
			"CCCUSDT": ticker("CCCUSDT", 12_000_000),
		},
		short: map[string]types.CandleSeries{
			"AAAUSDT": prefilterSeries(),
			"BBBUSDT": prefilterSeries(),
			"CCCUSDT": prefilterSeries(),
		},
		deep: map[string]types.CandleSeries{
			"AAAUSDT": crossUpSeries(220), // 100
			"BBBUSDT": crossUpSeries(130), // 90
			"CCCUSDT": crossUpSeries(220), // 100
		},
	}
	book := &fakeBook{open: []types.Position{{Symbol: "XUSDT", Status: types.StatusOpen}}}

	got, err := newTestScanner(data, book, testConfig()).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2, "two free slots, two candidates")
	assert.Equal(t, 100, got[0].Score)
	assert.Equal(t, 100, got[1].Score)
}
