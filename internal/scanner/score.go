package scanner

import (
	"math"

	"github.com/surgetrade/surgebot/internal/indicators"
	"github.com/surgetrade/surgebot/internal/types"
)

// scoreResult carries the deep-analysis verdict for one symbol
type scoreResult struct {
	Score       int
	Direction   types.Direction
	ATR         float64
	ATRPct      float64
	VolumeRatio float64
	Crossover   bool
	NightPump   bool
	Boost       float64
}

const (
	emaFastPeriod = 5
	emaSlowPeriod = 13
	atrPeriod     = 14

	// Hard floors below which a symbol is unscoreable
	minATRPctDeep = 0.10
	atrBonusFloor = 0.15
)

// scoreSymbol runs the momentum model over 1-minute candles.
// Returns nil when the symbol fails a hard gate (no signal, dead volatility).
//
// Components: crossover +40, direction-matched 3-bar move +20, volume
// surge +35/+25/+15 (or -20 when drying up), ATR bonus +15. The session
// boost multiplies the subtotal; a night pump multiplies a further 1.5x
// and may stand in for the crossover gate. Final score clamps to 100.
func scoreSymbol(candles types.CandleSeries, boost float64) *scoreResult {
	if len(candles) < 21 {
		return nil
	}

	closes := candles.Closes()
	volumes := candles.Volumes()
	highs := candles.Highs()
	lows := candles.Lows()
	n := len(closes)

	fast := indicators.EMASeries(closes, emaFastPeriod)
	slow := indicators.EMASeries(closes, emaSlowPeriod)

	crossUp := fast[n-2] <= slow[n-2] && fast[n-1] > slow[n-1]
	crossDown := fast[n-2] >= slow[n-2] && fast[n-1] < slow[n-1]

	atr := indicators.ATR(highs, lows, closes, atrPeriod)
	last := closes[n-1]
	if last <= 0 {
		return nil
	}
	atrPct := atr / last * 100
	if atrPct < minATRPctDeep {
		return nil
	}

	volRatio := indicators.VolumeRatio(volumes, 3, 17)
	pump := detectNightPump(closes, volRatio)

	var dir types.Direction
	switch {
	case crossUp:
		dir = types.Long
	case crossDown:
		dir = types.Short
	case pump:
		// Pump direction follows the 5-bar move
		if closes[n-1] >= closes[n-6] {
			dir = types.Long
		} else {
			dir = types.Short
		}
	default:
		return nil
	}

	score := 0.0
	if crossUp || crossDown {
		score += 40
	}

	change3 := indicators.PriceChangePct(closes, 3)
	if (dir == types.Long && change3 > 0) || (dir == types.Short && change3 < 0) {
		score += 20
	}

	switch {
	case volRatio >= 2.0:
		score += 35
	case volRatio >= 1.5:
		score += 25
	case volRatio >= 1.2:
		score += 15
	case volRatio < 1.0:
		score -= 20
	}

	if atrPct >= atrBonusFloor {
		score += 15
	}

	score *= boost
	if pump {
		score *= 1.5
	}

	final := int(math.Round(math.Min(100, score)))
	if final < 0 {
		final = 0
	}

	return &scoreResult{
		Score:       final,
		Direction:   dir,
		ATR:         atr,
		ATRPct:      atrPct,
		VolumeRatio: volRatio,
		Crossover:   crossUp || crossDown,
		NightPump:   pump,
		Boost:       boost,
	}
}

// detectNightPump flags a sudden off-trend surge: a >0.5% 5-bar move on
// more than 3x volume, where the 5-bar move dwarfs the 15-bar one
func detectNightPump(closes []float64, volRatio float64) bool {
	n := len(closes)
	if n < 16 || closes[n-6] == 0 || closes[n-16] == 0 {
		return false
	}
	move5 := math.Abs(closes[n-1]-closes[n-6]) / closes[n-6]
	move15 := math.Abs(closes[n-1]-closes[n-16]) / closes[n-16]
	return move5 > 0.005 && volRatio > 3.0 && move5 > 2*move15
}
