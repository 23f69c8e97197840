package scanner

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/surgetrade/surgebot/internal/config"
	"github.com/surgetrade/surgebot/internal/indicators"
	"github.com/surgetrade/surgebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MOMENTUM SCANNER - Four-phase candidate pipeline
// ═══════════════════════════════════════════════════════════════════════════════
//
//   Phase 1  universe filter     24h volume floor, quote allowlist, deny-list
//   Phase 2  mobility pre-filter 25 bars: ATR%, volume surge, thrust
//   Phase 3  deep analysis       60 bars: EMA crossover scoring
//   Phase 4  emission            score floor, slot budget, ranked output
//
// One tick per minute, self-bounded to 55s. If phases 1+2 cannot finish
// inside 20s the tick emits nothing rather than act on partial data.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	tickBudget    = 55 * time.Second
	prefilterWall = 20 * time.Second

	prefilterBars  = 25
	deepBars       = 60
	prefilterATR   = 10
	minVolRatioPre = 1.3
	minThrustPct   = 0.20
)

// quoteAllowlist restricts the universe to USDT-margined perpetuals
var quoteAllowlist = []string{"USDT"}

// denyList removes stablecoin pairs and delist-flagged symbols where
// momentum signals are noise
var denyList = map[string]bool{
	"USDCUSDT": true, "TUSDUSDT": true, "BUSDUSDT": true,
	"FDUSDUSDT": true, "USDPUSDT": true, "EURUSDT": true,
	"DAIUSDT": true,
}

// MarketData is the slice of the gateway the scanner needs
type MarketData interface {
	Tickers(ctx context.Context) (map[string]types.Ticker, error)
	Candles(ctx context.Context, symbol string, interval types.Interval, limit int) (types.CandleSeries, error)
}

// OpenBook reports currently held positions, for the slot budget
type OpenBook interface {
	ListOpen(ctx context.Context) ([]types.Position, error)
}

// Scanner turns the ticker universe into ranked trade candidates
type Scanner struct {
	data     MarketData
	book     OpenBook
	sessions *Sessions

	minVolume24h decimal.Decimal
	minScore     int
	minATRPct1m  float64
	topK         int
	maxOpen      int
	tpMult       float64
	slMult       float64

	now func() time.Time
}

// New builds a scanner from configuration
func New(data MarketData, book OpenBook, sessions *Sessions, cfg *config.Config) *Scanner {
	return &Scanner{
		data:         data,
		book:         book,
		sessions:     sessions,
		minVolume24h: cfg.MinVolume24h,
		minScore:     cfg.MinMomentumScore,
		minATRPct1m:  cfg.MinATRPct1m,
		topK:         cfg.PrefilterTopK,
		maxOpen:      cfg.MaxOpenTrades,
		tpMult:       cfg.TPMult,
		slMult:       cfg.SLMult,
		now:          time.Now,
	}
}

// mobilityHit is a symbol surviving the pre-filter
type mobilityHit struct {
	symbol    string
	mobility  float64
	volume24h decimal.Decimal
}

// Scan runs one full tick and returns at most available-slots candidates,
// best first. A nil slice with nil error means a quiet (or timed-out) tick.
func (s *Scanner) Scan(ctx context.Context) ([]types.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, tickBudget)
	defer cancel()
	started := s.now()

	// Slot budget up front: a full book means nothing to do
	open, err := s.book.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	slots := s.maxOpen - len(open)
	if slots <= 0 {
		log.Debug().Int("open", len(open)).Msg("Book full, skipping scan")
		return nil, nil
	}

	// Phases 1+2 share a hard wall; a slow venue yields an empty tick
	preCtx, preCancel := context.WithTimeout(ctx, prefilterWall)
	hits, err := s.prefilter(preCtx)
	preCancel()
	if err != nil {
		return nil, err
	}
	if hits == nil {
		return nil, nil
	}

	candidates := s.deepAnalysis(ctx, hits)

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].MobilityRank > candidates[j].MobilityRank
	})
	if len(candidates) > slots {
		candidates = candidates[:slots]
	}

	log.Info().
		Int("candidates", len(candidates)).
		Int("slots", slots).
		Dur("took", time.Since(started)).
		Msg("🔍 Scan tick complete")
	return candidates, nil
}

// prefilter runs phases 1 and 2. Returns nil (no error) when the wall
// expired before the pre-filter finished.
func (s *Scanner) prefilter(ctx context.Context) ([]mobilityHit, error) {
	tickers, err := s.data.Tickers(ctx)
	if err != nil {
		return nil, err
	}

	universe := make([]types.Ticker, 0, len(tickers))
	for _, t := range tickers {
		if !allowedQuote(t.Symbol) || denyList[t.Symbol] {
			continue
		}
		if t.QuoteVolume24.LessThan(s.minVolume24h) {
			continue
		}
		universe = append(universe, t)
	}
	// Deterministic fetch order across ticks
	sort.Slice(universe, func(i, j int) bool {
		return universe[i].QuoteVolume24.GreaterThan(universe[j].QuoteVolume24)
	})

	hits := make([]mobilityHit, 0, s.topK)
	for _, t := range universe {
		if ctx.Err() != nil {
			log.Warn().Int("scanned", len(hits)).Msg("⏱️ Pre-filter wall expired, emitting nothing")
			return nil, nil
		}

		candles, err := s.data.Candles(ctx, t.Symbol, types.Interval1m, prefilterBars)
		if err != nil {
			// Unreachable symbol counts as unscanned this tick
			continue
		}
		if len(candles) < prefilterBars {
			continue
		}

		closes := candles.Closes()
		volumes := candles.Volumes()
		n := len(closes)
		last := closes[n-1]
		if last <= 0 || closes[n-6] == 0 {
			continue
		}

		atrPct := indicators.ATR(candles.Highs(), candles.Lows(), closes, prefilterATR) / last * 100
		if atrPct < s.minATRPct1m {
			continue
		}
		volRatio := indicators.VolumeRatio(volumes, 3, 20)
		if volRatio < minVolRatioPre {
			continue
		}
		thrust := math.Abs(indicators.PriceChangePct(closes, 5))
		if thrust < minThrustPct {
			continue
		}

		hits = append(hits, mobilityHit{
			symbol:    t.Symbol,
			mobility:  atrPct * volRatio * thrust,
			volume24h: t.QuoteVolume24,
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].mobility > hits[j].mobility })
	if len(hits) > s.topK {
		hits = hits[:s.topK]
	}
	log.Debug().Int("universe", len(universe)).Int("mobile", len(hits)).Msg("Pre-filter pass done")
	return hits, nil
}

// deepAnalysis runs phase 3 over the mobility survivors
func (s *Scanner) deepAnalysis(ctx context.Context, hits []mobilityHit) []types.Candidate {
	now := s.now()
	var out []types.Candidate

	for _, hit := range hits {
		if ctx.Err() != nil {
			break
		}

		candles, err := s.data.Candles(ctx, hit.symbol, types.Interval1m, deepBars)
		if err != nil {
			continue
		}

		res := scoreSymbol(candles, s.sessions.Boost(hit.symbol, now))
		if res == nil || res.Score < s.minScore {
			continue
		}

		entry := candles[len(candles)-1].Close
		atr := decimal.NewFromFloat(res.ATR)
		tp := entry.Add(atr.Mul(decimal.NewFromFloat(s.tpMult)))
		sl := entry.Sub(atr.Mul(decimal.NewFromFloat(s.slMult)))
		if res.Direction == types.Short {
			tp = entry.Sub(atr.Mul(decimal.NewFromFloat(s.tpMult)))
			sl = entry.Add(atr.Mul(decimal.NewFromFloat(s.slMult)))
		}

		out = append(out, types.Candidate{
			Symbol:       hit.symbol,
			Direction:    res.Direction,
			Score:        res.Score,
			Price:        entry,
			ATR:          atr,
			SuggestedTP:  tp,
			SuggestedSL:  sl,
			Volume24h:    hit.volume24h,
			MobilityRank: hit.mobility,
			VolumeRatio:  res.VolumeRatio,
			EMACrossover: res.Crossover,
			SessionBoost: res.Boost,
			NightPump:    res.NightPump,
			SnapshotTime: now,
		})

		log.Info().
			Str("symbol", hit.symbol).
			Str("direction", string(res.Direction)).
			Int("score", res.Score).
			Float64("vol_ratio", res.VolumeRatio).
			Bool("night_pump", res.NightPump).
			Msg("📊 Candidate scored")
	}
	return out
}

func allowedQuote(symbol string) bool {
	for _, q := range quoteAllowlist {
		if strings.HasSuffix(symbol, q) {
			return true
		}
	}
	return false
}
