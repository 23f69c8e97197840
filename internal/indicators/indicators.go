package indicators

// EMASeries returns the full EMA series (smoothing 2/(n+1)), one value per
// input price.
// The series is seeded with the SMA of the first period values; earlier
// entries repeat the seed so callers can index series[i] for any i.
func EMASeries(prices []float64, period int) []float64 {
	if len(prices) == 0 || period <= 0 {
		return nil
	}
	out := make([]float64, len(prices))
	if len(prices) < period {
		avg := average(prices)
		for i := range out {
			out[i] = avg
		}
		return out
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])
	for i := 0; i < period; i++ {
		out[i] = ema
	}
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
		out[i] = ema
	}
	return out
}

// ATR calculates Average True Range over the last period candles.
// True range = max(high-low, |high-prevClose|, |low-prevClose|).
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < 2 || len(highs) != n || len(lows) != n || period <= 0 {
		return 0
	}

	count := period
	if count > n-1 {
		count = n - 1
	}

	sum := 0.0
	for i := n - count; i < n; i++ {
		tr := highs[i] - lows[i]
		if hc := abs(highs[i] - closes[i-1]); hc > tr {
			tr = hc
		}
		if lc := abs(lows[i] - closes[i-1]); lc > tr {
			tr = lc
		}
		sum += tr
	}
	return sum / float64(count)
}

// VolumeRatio compares the mean of the last `recent` volumes against the
// mean of the `base` volumes immediately preceding them. Returns 1.0 when
// there is not enough history or the base is flat.
func VolumeRatio(volumes []float64, recent, base int) float64 {
	if recent <= 0 || base <= 0 || len(volumes) < recent+base {
		return 1.0
	}
	recentMean := average(volumes[len(volumes)-recent:])
	baseMean := average(volumes[len(volumes)-recent-base : len(volumes)-recent])
	if baseMean <= 0 {
		return 1.0
	}
	return recentMean / baseMean
}

// PriceChangePct is the percent change from prices[len-1-lookback] to the last price
func PriceChangePct(prices []float64, lookback int) float64 {
	if lookback <= 0 || len(prices) <= lookback {
		return 0
	}
	prev := prices[len(prices)-1-lookback]
	if prev == 0 {
		return 0
	}
	return (prices[len(prices)-1] - prev) / prev * 100
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
