package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEMASeries_ConstantSeries(t *testing.T) {
	prices := []float64{100, 100, 100, 100, 100, 100, 100}
	series := EMASeries(prices, 5)
	assert.InDelta(t, 100, series[len(series)-1], 1e-9)
}

func TestEMASeries_SeededWithSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6}
	series := EMASeries(prices, 5)
	assert.Len(t, series, 6)
	// Seed = SMA(1..5) = 3, then one step: (6-3)*1/3 + 3 = 4
	assert.InDelta(t, 3, series[4], 1e-9)
	assert.InDelta(t, 4, series[5], 1e-9)
	// Pre-seed entries repeat the seed
	assert.InDelta(t, 3, series[0], 1e-9)
}

func TestEMASeries_ShortInput(t *testing.T) {
	series := EMASeries([]float64{2, 4}, 5)
	assert.Len(t, series, 2)
	assert.InDelta(t, 3, series[0], 1e-9)
	assert.Nil(t, EMASeries(nil, 5))
}

func TestATR_RangeOnly(t *testing.T) {
	// Flat closes, constant 2-point ranges: ATR is the range
	highs := []float64{101, 101, 101, 101}
	lows := []float64{99, 99, 99, 99}
	closes := []float64{100, 100, 100, 100}
	assert.InDelta(t, 2, ATR(highs, lows, closes, 3), 1e-9)
}

func TestATR_GapDominates(t *testing.T) {
	// Gap up: |high - prevClose| exceeds the bar range
	highs := []float64{101, 106}
	lows := []float64{99, 105}
	closes := []float64{100, 105.5}
	assert.InDelta(t, 6, ATR(highs, lows, closes, 1), 1e-9)
}

func TestATR_InsufficientData(t *testing.T) {
	assert.Zero(t, ATR([]float64{101}, []float64{99}, []float64{100}, 14))
}

func TestVolumeRatio(t *testing.T) {
	// Base mean 100 over 4 bars, recent mean 250 over 2 bars
	vols := []float64{100, 100, 100, 100, 200, 300}
	assert.InDelta(t, 2.5, VolumeRatio(vols, 2, 4), 1e-9)

	// Not enough history falls back to neutral
	assert.InDelta(t, 1.0, VolumeRatio([]float64{100, 200}, 2, 4), 1e-9)
}

func TestPriceChangePct(t *testing.T) {
	prices := []float64{100, 101, 102, 103}
	assert.InDelta(t, 3, PriceChangePct(prices, 3), 1e-9)
	assert.Zero(t, PriceChangePct(prices, 10))
}
