package marketdata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgetrade/surgebot/internal/exchange"
	"github.com/surgetrade/surgebot/internal/types"
)

func bar(t time.Time, close float64) types.Candle {
	return types.Candle{
		OpenTime: t,
		Open:     decimal.NewFromFloat(close),
		High:     decimal.NewFromFloat(close),
		Low:      decimal.NewFromFloat(close),
		Close:    decimal.NewFromFloat(close),
		Volume:   decimal.NewFromInt(100),
	}
}

func TestMergeCandles_ReplacesOverlapByOpenTime(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cached := types.CandleSeries{
		bar(t0, 100),
		bar(t0.Add(time.Minute), 101),
		bar(t0.Add(2*time.Minute), 102), // was open when cached
	}
	fresh := types.CandleSeries{
		bar(t0.Add(2*time.Minute), 102.5), // refetched head bar, now closed
		bar(t0.Add(3*time.Minute), 103),
	}

	merged := mergeCandles(cached, fresh, 60)
	require.Len(t, merged, 4)
	assert.True(t, merged[2].Close.Equal(decimal.NewFromFloat(102.5)), "overlapping bar must take the fresh value")
	assert.Equal(t, t0.Add(3*time.Minute), merged[3].OpenTime)
}

func TestMergeCandles_TrimsToDepth(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var cached types.CandleSeries
	for i := 0; i < 60; i++ {
		cached = append(cached, bar(t0.Add(time.Duration(i)*time.Minute), 100))
	}
	fresh := types.CandleSeries{bar(t0.Add(60*time.Minute), 105)}

	merged := mergeCandles(cached, fresh, 60)
	require.Len(t, merged, 60)
	assert.Equal(t, t0.Add(time.Minute), merged[0].OpenTime, "oldest bar dropped")
	assert.Equal(t, t0.Add(60*time.Minute), merged[59].OpenTime)
}

func TestMergeCandles_EmptySides(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	series := types.CandleSeries{bar(t0, 100)}
	assert.Equal(t, series, mergeCandles(series, nil, 60))
	assert.Equal(t, series, mergeCandles(nil, series, 60))
}

func TestTail(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	series := types.CandleSeries{bar(t0, 1), bar(t0.Add(time.Minute), 2), bar(t0.Add(2*time.Minute), 3)}
	assert.Len(t, tail(series, 2), 2)
	assert.True(t, tail(series, 2)[0].Close.Equal(decimal.NewFromInt(2)))
	assert.Len(t, tail(series, 10), 3)
}

// flakyExchange fails its first n calls with a transient error
type flakyExchange struct {
	exchange.Exchange
	fails int
	calls int
}

func (f *flakyExchange) FetchTickers(_ context.Context) (map[string]types.Ticker, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, fmt.Errorf("503: %w", exchange.ErrTransient)
	}
	return map[string]types.Ticker{
		"AAAUSDT": {Symbol: "AAAUSDT", LastPrice: decimal.NewFromInt(100), QuoteVolume24: decimal.NewFromInt(10_000_000)},
	}, nil
}

func TestTickers_RetriesTransientFailures(t *testing.T) {
	ex := &flakyExchange{fails: 2}
	gw := New(ex, 100)

	tickers, err := gw.Tickers(context.Background())
	require.NoError(t, err)
	assert.Contains(t, tickers, "AAAUSDT")
	assert.Equal(t, 3, ex.calls)
}

func TestTickers_ServesStaleWhenVenueDown(t *testing.T) {
	ex := &flakyExchange{fails: 100}
	gw := New(ex, 100)

	// Seed the cache past its TTL but inside the stale-serve window
	gw.tickers = map[string]types.Ticker{"AAAUSDT": {Symbol: "AAAUSDT", LastPrice: decimal.NewFromInt(99)}}
	gw.tickersAt = time.Now().Add(-tickerTTL - 10*time.Second)

	tickers, err := gw.Tickers(context.Background())
	require.NoError(t, err)
	assert.True(t, tickers["AAAUSDT"].LastPrice.Equal(decimal.NewFromInt(99)))
}

func TestTickers_UnavailableWhenCacheTooOld(t *testing.T) {
	ex := &flakyExchange{fails: 100}
	gw := New(ex, 100)

	gw.tickers = map[string]types.Ticker{"AAAUSDT": {Symbol: "AAAUSDT"}}
	gw.tickersAt = time.Now().Add(-tickerTTL * (staleFactor + 1))

	_, err := gw.Tickers(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMarkPrice_PrefersFreshStream(t *testing.T) {
	gw := New(&flakyExchange{fails: 100}, 100)
	gw.setStreamedMark("AAAUSDT", decimal.NewFromFloat(101.5))

	mark, err := gw.MarkPrice(context.Background(), "AAAUSDT")
	require.NoError(t, err)
	assert.True(t, mark.Equal(decimal.NewFromFloat(101.5)))
}

func TestMarkPrice_FallsBackToTicker(t *testing.T) {
	gw := New(&flakyExchange{}, 100)

	mark, err := gw.MarkPrice(context.Background(), "AAAUSDT")
	require.NoError(t, err)
	assert.True(t, mark.Equal(decimal.NewFromInt(100)))
}
