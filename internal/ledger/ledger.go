package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/surgetrade/surgebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK LEDGER - Conditional-write position accounting
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every mutation loads the accumulator, applies the transition to a working
// copy, and swaps it back conditioned on the loaded version. A lost race
// surfaces as CONTENDED and is retried with fresh state, bounded to three
// attempts. No in-process lock: workers on separate hosts coordinate purely
// through the versioned swap.
//
// Position lifecycle: RESERVED → OPEN → CLOSING → CLOSED. The RESERVED
// stage claims risk capacity before the venue order goes out, so a crash
// between order and commit never leaves capacity unaccounted; the startup
// reconciler resolves the stragglers.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	opTimeout   = 2 * time.Second
	casAttempts = 3
)

// backoff between CAS attempts, exponential within 50-400ms
var casBackoff = []time.Duration{50 * time.Millisecond, 400 * time.Millisecond}

// errNoop signals an idempotent re-application; the swap is skipped
var errNoop = errors.New("ledger: no-op")

// LeverageForScore maps a momentum score onto granted leverage.
// Scores below the tradeable floor grant zero.
func LeverageForScore(score int) int {
	switch {
	case score >= 90:
		return 7
	case score >= 80:
		return 5
	case score >= 70:
		return 3
	case score >= 60:
		return 2
	}
	return 0
}

// Reservation is a successful slot claim
type Reservation struct {
	ID       string
	Leverage int
	Margin   decimal.Decimal
}

// Ledger enforces the risk invariants over a shared Store
type Ledger struct {
	store          Store
	capital        decimal.Decimal
	maxOpen        int
	portfolioRisk  decimal.Decimal // fraction of capital, e.g. 0.20
	dailyLossLimit decimal.Decimal // fraction of capital, e.g. 0.05
	now            func() time.Time
}

// New creates a ledger over the given store
func New(store Store, capital decimal.Decimal, maxOpen int, portfolioRisk, dailyLossLimit decimal.Decimal) *Ledger {
	return &Ledger{
		store:          store,
		capital:        capital,
		maxOpen:        maxOpen,
		portfolioRisk:  portfolioRisk,
		dailyLossLimit: dailyLossLimit,
		now:            time.Now,
	}
}

// ReserveSlot atomically claims a position slot for symbol. One conditional
// write verifies every invariant: no duplicate symbol, open-slot budget,
// portfolio risk cap, circuit breaker. leverage is the final granted value,
// which the loss cap may have stepped below the score tier.
func (l *Ledger) ReserveSlot(ctx context.Context, symbol string, margin decimal.Decimal, dir types.Direction, score, leverage int) (*Reservation, error) {
	res := &Reservation{Leverage: leverage, Margin: margin}

	err := l.mutate(ctx, func(rec *Record) error {
		if l.breached(rec) {
			return ErrCircuitBreaker
		}
		if p, ok := rec.Positions[symbol]; ok && p.Status.Active() {
			return ErrDuplicateSymbol
		}
		if l.activeCount(rec) >= l.maxOpen {
			return ErrNoCapacity
		}
		riskCap := l.capital.Mul(l.portfolioRisk)
		if rec.ReservedRisk.Add(margin).GreaterThan(riskCap) {
			return ErrNoCapacity
		}

		res.ID = uuid.NewString()
		rec.ReservedRisk = rec.ReservedRisk.Add(margin)
		rec.Positions[symbol] = &types.Position{
			Symbol:          symbol,
			Direction:       dir,
			Status:          types.StatusReserved,
			ReservationID:   res.ID,
			Leverage:        res.Leverage,
			MarginCommitted: margin,
			ScoreAtEntry:    score,
			ReservedAt:      l.now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CommitPosition transitions a reservation to OPEN with its fill details.
// Idempotent: recommitting an already-open reservation is a no-op.
func (l *Ledger) CommitPosition(ctx context.Context, reservationID string, entry, qty, tp, sl, atr decimal.Decimal) error {
	return l.mutate(ctx, func(rec *Record) error {
		p := findByReservation(rec, reservationID)
		if p == nil {
			return ErrUnknownReservation
		}
		switch p.Status {
		case types.StatusOpen:
			return errNoop
		case types.StatusClosing, types.StatusClosed:
			return ErrAlreadyCommitted
		}

		p.Status = types.StatusOpen
		p.EntryPrice = entry
		p.Quantity = qty
		p.TPPrice = tp
		p.SLPrice = sl
		p.ATRAtEntry = atr
		p.PeakPrice = entry
		p.OpenedAt = l.now().UTC()
		return nil
	})
}

// RollbackReservation releases a reservation after an order failure.
// Idempotent: rolling back an unknown reservation is a no-op.
func (l *Ledger) RollbackReservation(ctx context.Context, reservationID string) error {
	return l.mutate(ctx, func(rec *Record) error {
		p := findByReservation(rec, reservationID)
		if p == nil {
			return errNoop
		}
		if p.Status != types.StatusReserved {
			return ErrAlreadyCommitted
		}
		rec.ReservedRisk = rec.ReservedRisk.Sub(p.MarginCommitted)
		delete(rec.Positions, p.Symbol)
		return nil
	})
}

// ListOpen returns OPEN and CLOSING positions, oldest first. CLOSING entries
// are included so a later closer pass can retry a stuck exit.
func (l *Ledger) ListOpen(ctx context.Context) ([]types.Position, error) {
	rec, err := l.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]types.Position, 0, len(rec.Positions))
	for _, p := range rec.Positions {
		if p.Status == types.StatusOpen || p.Status == types.StatusClosing {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// ListAll returns every position row including RESERVED, for the reconciler
func (l *Ledger) ListAll(ctx context.Context) ([]types.Position, error) {
	rec, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(rec.Positions))
	for _, p := range rec.Positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out, nil
}

// BeginClose claims exclusive close rights on an OPEN position.
// Exactly one concurrent caller wins; the rest see ALREADY_CLOSING.
func (l *Ledger) BeginClose(ctx context.Context, symbol string, reason types.ExitReason) (string, error) {
	var token string
	err := l.mutate(ctx, func(rec *Record) error {
		p, ok := rec.Positions[symbol]
		if !ok {
			return ErrNotOpen
		}
		switch p.Status {
		case types.StatusClosing:
			return ErrAlreadyClosing
		case types.StatusOpen:
		default:
			return ErrNotOpen
		}

		token = uuid.NewString()
		p.Status = types.StatusClosing
		p.CloseToken = token
		p.ExitReason = reason
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// FinalizeClose retires a CLOSING position, releases its risk and folds the
// realized PnL into the daily total. Returns the closed position for the
// journal; nil when the token was already consumed.
func (l *Ledger) FinalizeClose(ctx context.Context, token string, exitPrice, realizedPnL decimal.Decimal) (*types.Position, error) {
	var closed *types.Position
	err := l.mutate(ctx, func(rec *Record) error {
		p := findByToken(rec, token)
		if p == nil {
			// Already finalized by an earlier retry
			return errNoop
		}

		now := l.now().UTC()
		p.Status = types.StatusClosed
		p.ExitPrice = exitPrice
		p.RealizedPnL = realizedPnL
		p.ClosedAt = &now

		rec.ReservedRisk = rec.ReservedRisk.Sub(p.MarginCommitted)
		rec.DailyPnL = rec.DailyPnL.Add(realizedPnL)
		if l.breached(rec) && rec.DailyLossBreachAt == nil {
			rec.DailyLossBreachAt = &now
			log.Warn().Str("daily_pnl", rec.DailyPnL.String()).Msg("🛑 Daily loss limit breached, entries halted")
		}

		snapshot := *p
		closed = &snapshot
		delete(rec.Positions, p.Symbol)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// RecordCloseFailure counts a failed close submission against the position.
// Returns the updated failure count so the caller can decide to alert.
func (l *Ledger) RecordCloseFailure(ctx context.Context, token string) (int, error) {
	var count int
	err := l.mutate(ctx, func(rec *Record) error {
		p := findByToken(rec, token)
		if p == nil {
			return ErrUnknownToken
		}
		p.FailedCloses++
		count = p.FailedCloses
		return nil
	})
	return count, err
}

// ResolveOrphan removes a position the venue no longer knows about.
// Used by the reconciler; releases risk without touching daily PnL.
func (l *Ledger) ResolveOrphan(ctx context.Context, symbol string, reason types.ExitReason) (*types.Position, error) {
	var removed *types.Position
	err := l.mutate(ctx, func(rec *Record) error {
		p, ok := rec.Positions[symbol]
		if !ok {
			return errNoop
		}

		now := l.now().UTC()
		p.Status = types.StatusClosed
		p.ExitReason = reason
		p.ClosedAt = &now
		rec.ReservedRisk = rec.ReservedRisk.Sub(p.MarginCommitted)

		snapshot := *p
		removed = &snapshot
		delete(rec.Positions, symbol)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// UpdatePeak advances the favorable-extreme watermark for an open position.
// No-op when the mark is not a new extreme.
func (l *Ledger) UpdatePeak(ctx context.Context, symbol string, mark decimal.Decimal) error {
	return l.mutate(ctx, func(rec *Record) error {
		p, ok := rec.Positions[symbol]
		if !ok || p.Status != types.StatusOpen {
			return errNoop
		}
		better := mark.GreaterThan(p.PeakPrice)
		if p.Direction == types.Short {
			better = mark.LessThan(p.PeakPrice)
		}
		if !better {
			return errNoop
		}
		p.PeakPrice = mark
		return nil
	})
}

// DailyRollover resets the daily PnL window when the UTC day advances.
// The store's clock decides the boundary; worker wall clocks are advisory.
func (l *Ledger) DailyRollover(ctx context.Context) error {
	now, err := l.store.Now(ctx)
	if err != nil {
		return err
	}
	return l.mutate(ctx, func(rec *Record) error {
		day := now.UTC().Format("2006-01-02")
		if day <= rec.Date {
			return errNoop
		}
		rec.Date = day
		rec.DailyPnL = decimal.Zero
		rec.DailyLossBreachAt = nil
		log.Info().Str("date", day).Msg("📅 Daily PnL window rolled over")
		return nil
	})
}

// Snapshot returns a read-only copy of the accumulator
func (l *Ledger) Snapshot(ctx context.Context) (*Record, error) {
	return l.load(ctx)
}

// ── Internals ────────────────────────────────────────────────────────────────

// mutate runs the load-apply-swap cycle with bounded retry on contention
func (l *Ledger) mutate(ctx context.Context, apply func(rec *Record) error) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(casBackoff[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		rec, err := l.store.Load(opCtx)
		if err != nil {
			cancel()
			return err
		}

		err = apply(rec)
		if errors.Is(err, errNoop) {
			cancel()
			return nil
		}
		if err != nil {
			cancel()
			return err
		}

		err = l.store.Swap(opCtx, rec)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrContended) {
			return err
		}
		log.Debug().Int("attempt", attempt+1).Msg("Ledger swap contended, retrying")
	}
	return ErrContended
}

func (l *Ledger) load(ctx context.Context) (*Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return l.store.Load(opCtx)
}

func (l *Ledger) breached(rec *Record) bool {
	limit := l.capital.Mul(l.dailyLossLimit).Neg()
	return rec.DailyPnL.LessThanOrEqual(limit)
}

func (l *Ledger) activeCount(rec *Record) int {
	n := 0
	for _, p := range rec.Positions {
		if p.Status.Active() {
			n++
		}
	}
	return n
}

func findByReservation(rec *Record, id string) *types.Position {
	for _, p := range rec.Positions {
		if p.ReservationID == id {
			return p
		}
	}
	return nil
}

func findByToken(rec *Record, token string) *types.Position {
	for _, p := range rec.Positions {
		if p.CloseToken == token && p.Status == types.StatusClosing {
			return p
		}
	}
	return nil
}
