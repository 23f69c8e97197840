package closer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/surgetrade/surgebot/internal/config"
	"github.com/surgetrade/surgebot/internal/ledger"
	"github.com/surgetrade/surgebot/internal/news"
	"github.com/surgetrade/surgebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION CLOSER - Stateless exit workers
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every worker tick reads the open book and evaluates the exit triggers in
// priority order: SL, TP, news blackout, time limit, fast discard. Winning
// a close is a ledger transition (begin_close); concurrent workers on the
// same symbol cannot double-submit because only one gets the token.
//
// Workers carry no state between ticks. A close that fails at the venue
// leaves the position CLOSING with its token intact and a later tick
// retries it.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	closeRetries = 3
	stuckAfter   = 3
)

var closeRetryDelays = []time.Duration{500 * time.Millisecond, time.Second}

// MarkSource supplies current prices for trigger evaluation
type MarkSource interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ExitVenue submits reduce-only market closes
type ExitVenue interface {
	ClosePosition(ctx context.Context, symbol string, dir types.Direction, qty decimal.Decimal) (*types.OrderResult, error)
}

// CloseRecorder completes trade records
type CloseRecorder interface {
	RecordClose(pos *types.Position) error
}

// CloseAlerter raises operator alerts
type CloseAlerter interface {
	StuckPosition(symbol string, failures int)
	PositionClosed(symbol, reason string, pnl decimal.Decimal)
}

// Closer drives positions through the exit state machine
type Closer struct {
	led      *ledger.Ledger
	marks    MarkSource
	venue    ExitVenue
	journal  CloseRecorder
	alerts   CloseAlerter
	calendar *news.Calendar

	maxHold       time.Duration
	fastExitAfter time.Duration
	fastExitPct   decimal.Decimal
	newsLead      time.Duration

	now func() time.Time
}

// New builds a closer from configuration
func New(led *ledger.Ledger, marks MarkSource, venue ExitVenue, journal CloseRecorder, alerts CloseAlerter, calendar *news.Calendar, cfg *config.Config) *Closer {
	return &Closer{
		led:           led,
		marks:         marks,
		venue:         venue,
		journal:       journal,
		alerts:        alerts,
		calendar:      calendar,
		maxHold:       time.Duration(cfg.MaxHoldMinutes) * time.Minute,
		fastExitAfter: time.Duration(cfg.FastExitMinutes) * time.Minute,
		fastExitPct:   decimal.NewFromFloat(cfg.FastExitThreshold),
		newsLead:      time.Duration(cfg.NewsBlackoutMin) * time.Minute,
		now:           time.Now,
	}
}

// Tick runs one closer pass. Failures on one symbol never abort the pass.
func (c *Closer) Tick(ctx context.Context) error {
	positions, err := c.led.ListOpen(ctx)
	if err != nil {
		// Cannot read the book: abort; the next tick retries
		return fmt.Errorf("closer: list open: %w", err)
	}

	for i := range positions {
		pos := &positions[i]
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if pos.Status == types.StatusClosing {
			// A previous tick won the close but the venue call failed
			c.retryStuckClose(ctx, pos)
			continue
		}
		c.evaluate(ctx, pos)
	}
	return nil
}

// evaluate checks the exit triggers for one OPEN position and drives the
// close when one fires
func (c *Closer) evaluate(ctx context.Context, pos *types.Position) {
	mark, err := c.marks.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("No mark price, position stays protected by next tick")
		return
	}

	// Favorable-extreme watermark; best effort
	if err := c.led.UpdatePeak(ctx, pos.Symbol, mark); err != nil {
		log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("Peak update failed")
	}

	reason, triggered := c.exitTrigger(pos, mark)
	if !triggered {
		return
	}

	log.Info().
		Str("symbol", pos.Symbol).
		Str("reason", string(reason)).
		Str("mark", mark.String()).
		Str("entry", pos.EntryPrice.String()).
		Msg("🎯 Exit trigger fired")

	token, err := c.led.BeginClose(ctx, pos.Symbol, reason)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAlreadyClosing):
			log.Debug().Str("symbol", pos.Symbol).Msg("Another worker owns this close")
		case errors.Is(err, ledger.ErrNotOpen):
			log.Warn().Str("symbol", pos.Symbol).Msg("Position vanished before close, reconciler will verify")
		default:
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("begin_close failed")
		}
		return
	}

	c.submitAndFinalize(ctx, pos, token, mark)
}

// exitTrigger evaluates the five triggers in priority order, first match wins
func (c *Closer) exitTrigger(pos *types.Position, mark decimal.Decimal) (types.ExitReason, bool) {
	long := pos.Direction == types.Long

	// 1. Stop loss. Zero SL means the level is unknown (reconciler-promoted
	// position); skip rather than fire spuriously.
	if pos.SLPrice.IsPositive() {
		if (long && mark.LessThanOrEqual(pos.SLPrice)) || (!long && mark.GreaterThanOrEqual(pos.SLPrice)) {
			return types.ExitSLHit, true
		}
	}

	// 2. Take profit
	if pos.TPPrice.IsPositive() {
		if (long && mark.GreaterThanOrEqual(pos.TPPrice)) || (!long && mark.LessThanOrEqual(pos.TPPrice)) {
			return types.ExitTPHit, true
		}
	}

	now := c.now()

	// 3. News blackout approaching
	if c.calendar != nil {
		if name, hit := c.calendar.ImminentWithin(now, c.newsLead); hit {
			log.Info().Str("symbol", pos.Symbol).Str("window", name).Msg("📰 Blackout window approaching")
			return types.ExitNewsBlackout, true
		}
	}

	age := now.Sub(pos.OpenedAt)

	// 4. Hard hold limit
	if age >= c.maxHold {
		return types.ExitTimeLimit, true
	}

	// 5. Fast discard: old enough and going nowhere
	if age >= c.fastExitAfter {
		if pos.UnrealizedPnLPct(mark).Abs().LessThan(c.fastExitPct) {
			return types.ExitFastDiscard, true
		}
	}

	return "", false
}

// submitAndFinalize places the reduce-only close and retires the position.
// Venue failures retry in-tick; exhaustion leaves the position CLOSING for
// a later tick and counts toward the STUCK alert.
func (c *Closer) submitAndFinalize(ctx context.Context, pos *types.Position, token string, mark decimal.Decimal) {
	var order *types.OrderResult
	var err error

	for attempt := 0; attempt < closeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(closeRetryDelays[attempt-1]):
			case <-ctx.Done():
				return
			}
		}
		order, err = c.venue.ClosePosition(ctx, pos.Symbol, pos.Direction, pos.Quantity)
		if err == nil {
			break
		}
		log.Warn().Err(err).Str("symbol", pos.Symbol).Int("attempt", attempt+1).Msg("Close order failed")
	}

	if err != nil {
		count, cfErr := c.led.RecordCloseFailure(ctx, token)
		if cfErr != nil {
			log.Error().Err(cfErr).Str("symbol", pos.Symbol).Msg("Could not record close failure")
			return
		}
		log.Error().Str("symbol", pos.Symbol).Int("failures", count).Msg("❌ Close exhausted retries, left CLOSING")
		if count >= stuckAfter {
			c.alerts.StuckPosition(pos.Symbol, count)
		}
		return
	}

	exitPrice := order.AvgPrice
	if exitPrice.IsZero() {
		exitPrice = mark
	}
	pnl := pos.UnrealizedPnL(exitPrice)

	closed, err := c.led.FinalizeClose(ctx, token, exitPrice, pnl)
	if err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("finalize_close failed, a later tick will retry")
		return
	}
	if closed == nil {
		return
	}

	log.Info().
		Str("symbol", closed.Symbol).
		Str("reason", string(closed.ExitReason)).
		Str("exit", exitPrice.String()).
		Str("pnl", pnl.StringFixed(4)).
		Msg("💰 Position closed")

	if err := c.journal.RecordClose(closed); err != nil {
		log.Warn().Err(err).Str("symbol", closed.Symbol).Msg("Close record write failed")
	}
	c.alerts.PositionClosed(closed.Symbol, string(closed.ExitReason), pnl)
}

// retryStuckClose resumes a CLOSING position from a previous failed tick
func (c *Closer) retryStuckClose(ctx context.Context, pos *types.Position) {
	if pos.CloseToken == "" {
		return
	}
	mark, err := c.marks.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		mark = pos.EntryPrice
	}
	log.Info().Str("symbol", pos.Symbol).Int("prior_failures", pos.FailedCloses).Msg("🔁 Retrying stuck close")
	c.submitAndFinalize(ctx, pos, pos.CloseToken, mark)
}
