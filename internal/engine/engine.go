package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/surgetrade/surgebot/internal/config"
	"github.com/surgetrade/surgebot/internal/exchange"
	"github.com/surgetrade/surgebot/internal/ledger"
	"github.com/surgetrade/surgebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADING ENGINE - Candidate execution with adaptive sizing
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per candidate, in score order: size the position under the per-trade loss
// cap, reserve a slot in the ledger, place the market entry, commit the fill.
// Failures resolve at the candidate boundary; only CIRCUIT_BREAKER aborts
// the whole tick.
//
// ═══════════════════════════════════════════════════════════════════════════════

// commitWindow bounds the RESERVED → OPEN handshake after a fill. Past it
// the reservation is left for the startup reconciler.
const commitWindow = 10 * time.Second

// OrderPlacer is the slice of the exchange the engine needs
type OrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, symbol string, dir types.Direction, qty decimal.Decimal, leverage int) (*types.OrderResult, error)
}

// Recorder receives the audit trail
type Recorder interface {
	RecordEntry(pos *types.Position, cand *types.Candidate) error
	RecordSkip(symbol string, reason types.SkipReason, detail string, score int)
}

// Alerter raises operator alerts for anomalies the engine cannot resolve
type Alerter interface {
	CommitTimeout(symbol, reservationID string)
}

// Engine executes scanner candidates against the ledger and the venue
type Engine struct {
	led     *ledger.Ledger
	venue   OrderPlacer
	journal Recorder
	alerts  Alerter

	capital         decimal.Decimal
	perTradeFrac    decimal.Decimal
	portfolioRisk   decimal.Decimal
	liquidityCap    decimal.Decimal
	maxLossPerTrade decimal.Decimal
}

// New builds an engine from configuration
func New(led *ledger.Ledger, venue OrderPlacer, journal Recorder, alerts Alerter, cfg *config.Config) *Engine {
	return &Engine{
		led:             led,
		venue:           venue,
		journal:         journal,
		alerts:          alerts,
		capital:         cfg.Capital,
		perTradeFrac:    cfg.PerTradeFraction(),
		portfolioRisk:   cfg.MaxPortfolioRisk,
		liquidityCap:    cfg.LiquidityCap,
		maxLossPerTrade: cfg.MaxLossPerTrade,
	}
}

// ExecuteTick processes candidates serially, best score first.
// Returns the number of positions opened.
func (e *Engine) ExecuteTick(ctx context.Context, candidates []types.Candidate) int {
	opened := 0
	for i := range candidates {
		c := &candidates[i]

		ok, stop := e.executeOne(ctx, c)
		if ok {
			opened++
		}
		if stop {
			break
		}
	}
	return opened
}

// executeOne runs a single candidate through sizing, reservation, order and
// commit. Returns (opened, stopTick).
func (e *Engine) executeOne(ctx context.Context, c *types.Candidate) (bool, bool) {
	size, ok := e.size(c)
	if !ok {
		log.Info().Str("symbol", c.Symbol).Int("score", c.Score).Msg("⛔ Candidate exceeds loss cap at 1x, skipping")
		e.journal.RecordSkip(c.Symbol, types.SkipRiskExceeded, "loss cap infeasible at any leverage", c.Score)
		return false, false
	}

	res, err := e.led.ReserveSlot(ctx, c.Symbol, size.margin, c.Direction, c.Score, size.leverage)
	if err != nil {
		return false, e.handleReserveFailure(c, err)
	}

	order, err := e.venue.PlaceMarketOrder(ctx, c.Symbol, c.Direction, size.quantity, size.leverage)
	if err != nil {
		log.Warn().Err(err).Str("symbol", c.Symbol).Msg("Entry order failed, rolling back reservation")
		if rbErr := e.led.RollbackReservation(ctx, res.ID); rbErr != nil {
			log.Error().Err(rbErr).Str("symbol", c.Symbol).Msg("Rollback failed, reconciler will resolve")
		}
		e.journal.RecordSkip(c.Symbol, types.SkipOrderFailed, describeOrderError(err), c.Score)
		return false, false
	}

	entry := order.AvgPrice
	if entry.IsZero() {
		entry = c.Price
	}
	qty := order.FilledQty
	if qty.IsZero() {
		qty = size.quantity
	}

	commitCtx, cancel := context.WithTimeout(ctx, commitWindow)
	err = e.led.CommitPosition(commitCtx, res.ID, entry, qty, c.SuggestedTP, c.SuggestedSL, c.ATR)
	cancel()
	if err != nil {
		// The order is live; never retry it. The reservation stays behind
		// for the startup reconciler to promote.
		log.Error().Err(err).Str("symbol", c.Symbol).Str("reservation", res.ID).
			Msg("Commit failed after fill, flagged for reconciliation")
		e.alerts.CommitTimeout(c.Symbol, res.ID)
		return false, false
	}

	log.Info().
		Str("symbol", c.Symbol).
		Str("direction", string(c.Direction)).
		Int("score", c.Score).
		Int("leverage", size.leverage).
		Str("entry", entry.String()).
		Str("margin", size.margin.StringFixed(2)).
		Str("order_id", order.OrderID).
		Msg("✅ Position opened")

	pos := &types.Position{
		Symbol:          c.Symbol,
		Direction:       c.Direction,
		Status:          types.StatusOpen,
		ReservationID:   res.ID,
		EntryPrice:      entry,
		Quantity:        qty,
		Leverage:        size.leverage,
		MarginCommitted: size.margin,
		TPPrice:         c.SuggestedTP,
		SLPrice:         c.SuggestedSL,
		ATRAtEntry:      c.ATR,
		ScoreAtEntry:    c.Score,
		OpenedAt:        time.Now().UTC(),
	}
	if err := e.journal.RecordEntry(pos, c); err != nil {
		log.Warn().Err(err).Str("symbol", c.Symbol).Msg("Trade record write failed")
	}
	return true, false
}

// handleReserveFailure maps ledger refusals onto tick control flow
func (e *Engine) handleReserveFailure(c *types.Candidate, err error) bool {
	switch {
	case errors.Is(err, ledger.ErrNoCapacity):
		log.Info().Str("symbol", c.Symbol).Msg("Slots exhausted, ending tick")
		e.journal.RecordSkip(c.Symbol, types.SkipNoCapacity, "no slot or risk budget", c.Score)
		return true
	case errors.Is(err, ledger.ErrDuplicateSymbol):
		log.Debug().Str("symbol", c.Symbol).Msg("Symbol already held, skipping")
		e.journal.RecordSkip(c.Symbol, types.SkipDuplicateSymbol, "active position exists", c.Score)
		return false
	case errors.Is(err, ledger.ErrCircuitBreaker):
		log.Warn().Str("symbol", c.Symbol).Msg("🛑 Circuit breaker open, aborting tick")
		e.journal.RecordSkip(c.Symbol, types.SkipCircuitBreaker, "daily loss limit reached", c.Score)
		return true
	case errors.Is(err, ledger.ErrContended):
		log.Warn().Str("symbol", c.Symbol).Msg("Ledger contention exhausted retries, dropping candidate")
		e.journal.RecordSkip(c.Symbol, types.SkipContended, "conditional write contention", c.Score)
		return false
	}
	log.Error().Err(err).Str("symbol", c.Symbol).Msg("Reservation failed")
	e.journal.RecordSkip(c.Symbol, types.SkipDataUnavailable, err.Error(), c.Score)
	return false
}

// sizing is the resolved order geometry for one candidate
type sizing struct {
	leverage int
	notional decimal.Decimal
	margin   decimal.Decimal
	quantity decimal.Decimal
}

// size applies adaptive leverage, the liquidity cap and the per-trade loss
// cap. The margin base is an equal share of the portfolio risk budget, so a
// full book exactly fills the portfolio margin cap. Leverage steps down
// until the stop-loss scenario fits the per-trade loss cap; infeasible at
// 1x means no trade.
func (e *Engine) size(c *types.Candidate) (sizing, bool) {
	lev := ledger.LeverageForScore(c.Score)
	if lev < 1 {
		return sizing{}, false
	}
	if c.Price.IsZero() {
		return sizing{}, false
	}

	slDistPct := c.Price.Sub(c.SuggestedSL).Abs().Div(c.Price)
	maxLoss := e.capital.Mul(e.maxLossPerTrade)
	baseMargin := e.capital.Mul(e.portfolioRisk).Mul(e.perTradeFrac)

	for ; lev >= 1; lev-- {
		notional := e.notionalFor(baseMargin, c, lev)
		loss := slDistPct.Mul(decimal.NewFromInt(int64(lev))).Mul(notional)
		if loss.LessThanOrEqual(maxLoss) {
			return sizing{
				leverage: lev,
				notional: notional,
				margin:   notional.Div(decimal.NewFromInt(int64(lev))),
				quantity: notional.Div(c.Price),
			}, true
		}
	}
	return sizing{}, false
}

// notionalFor caps position size at the slot's margin budget times leverage
// and at a fraction of the symbol's 24h volume
func (e *Engine) notionalFor(baseMargin decimal.Decimal, c *types.Candidate, lev int) decimal.Decimal {
	byCapital := baseMargin.Mul(decimal.NewFromInt(int64(lev)))
	byLiquidity := c.Volume24h.Mul(e.liquidityCap)
	if byLiquidity.IsPositive() && byLiquidity.LessThan(byCapital) {
		return byLiquidity
	}
	return byCapital
}

// describeOrderError keeps venue failures readable in the skip log
func describeOrderError(err error) string {
	switch {
	case errors.Is(err, exchange.ErrInsufficientMargin):
		return "insufficient margin"
	case errors.Is(err, exchange.ErrInvalidSymbol):
		return "invalid symbol"
	case errors.Is(err, exchange.ErrRateLimited):
		return "rate limited"
	}
	return fmt.Sprintf("order error: %v", err)
}
