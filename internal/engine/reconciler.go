package engine

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/surgetrade/surgebot/internal/ledger"
	"github.com/surgetrade/surgebot/internal/types"
)

// VenueBook is the venue surface the reconciler needs
type VenueBook interface {
	FetchPositionAmounts(ctx context.Context) (map[string]decimal.Decimal, error)
	ClosePosition(ctx context.Context, symbol string, dir types.Direction, qty decimal.Decimal) (*types.OrderResult, error)
}

// MarkSource supplies a price for promoting reservations whose fill
// confirmation was lost
type MarkSource interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ReconAlerter receives reconciliation notices
type ReconAlerter interface {
	ReconcileAction(symbol, action string)
}

// Reconciler squares the ledger against the venue at scanner startup.
// Three anomaly classes:
//
//	RESERVED + venue position  → crash between fill and commit; promote to OPEN
//	RESERVED + no venue fill   → order never landed; roll the reservation back
//	OPEN/CLOSING + no venue    → venue closed it out from under us; retire the row
//	venue position + no ledger → ghost; submit a reduce-only close
type Reconciler struct {
	led    *ledger.Ledger
	venue  VenueBook
	marks  MarkSource
	alerts ReconAlerter
}

// NewReconciler builds the startup sweep
func NewReconciler(led *ledger.Ledger, venue VenueBook, marks MarkSource, alerts ReconAlerter) *Reconciler {
	return &Reconciler{led: led, venue: venue, marks: marks, alerts: alerts}
}

// Run executes one full sweep. Individual anomalies are resolved
// independently; one failure never blocks the rest.
func (r *Reconciler) Run(ctx context.Context) error {
	venuePositions, err := r.venue.FetchPositionAmounts(ctx)
	if err != nil {
		return err
	}

	rows, err := r.led.ListAll(ctx)
	if err != nil {
		return err
	}

	ledgered := make(map[string]bool, len(rows))
	for _, row := range rows {
		ledgered[row.Symbol] = true
		amt, onVenue := venuePositions[row.Symbol]

		switch row.Status {
		case types.StatusReserved:
			if onVenue {
				r.promote(ctx, row, amt)
			} else {
				r.rollback(ctx, row)
			}
		case types.StatusOpen, types.StatusClosing:
			if !onVenue {
				r.retireOrphan(ctx, row)
			}
		}
	}

	for symbol, amt := range venuePositions {
		if !ledgered[symbol] {
			r.closeGhost(ctx, symbol, amt)
		}
	}
	return nil
}

// promote commits a RESERVED row whose fill is visible on the venue
func (r *Reconciler) promote(ctx context.Context, row types.Position, amt decimal.Decimal) {
	entry, err := r.marks.MarkPrice(ctx, row.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", row.Symbol).Msg("Reconciler cannot price promotion, leaving reservation")
		return
	}

	qty := amt.Abs()
	err = r.led.CommitPosition(ctx, row.ReservationID, entry, qty, decimal.Zero, decimal.Zero, decimal.Zero)
	if err != nil {
		log.Error().Err(err).Str("symbol", row.Symbol).Msg("Reconciler promote failed")
		return
	}
	log.Warn().Str("symbol", row.Symbol).Str("qty", qty.String()).
		Msg("🔧 Promoted orphaned reservation to OPEN")
	r.alerts.ReconcileAction(row.Symbol, "promoted reservation to OPEN")
}

// rollback releases a reservation whose order never reached the venue
func (r *Reconciler) rollback(ctx context.Context, row types.Position) {
	if err := r.led.RollbackReservation(ctx, row.ReservationID); err != nil {
		log.Error().Err(err).Str("symbol", row.Symbol).Msg("Reconciler rollback failed")
		return
	}
	log.Warn().Str("symbol", row.Symbol).Msg("🔧 Rolled back unfilled reservation")
	r.alerts.ReconcileAction(row.Symbol, "rolled back unfilled reservation")
}

// retireOrphan removes a ledger position the venue no longer holds
func (r *Reconciler) retireOrphan(ctx context.Context, row types.Position) {
	if _, err := r.led.ResolveOrphan(ctx, row.Symbol, types.ExitGhostCleanup); err != nil {
		log.Error().Err(err).Str("symbol", row.Symbol).Msg("Reconciler orphan removal failed")
		return
	}
	log.Warn().Str("symbol", row.Symbol).Msg("🔧 Retired ledger position absent on venue")
	r.alerts.ReconcileAction(row.Symbol, "retired position absent on venue")
}

// closeGhost flattens a venue position the ledger never tracked
func (r *Reconciler) closeGhost(ctx context.Context, symbol string, amt decimal.Decimal) {
	dir := types.Long
	if amt.IsNegative() {
		dir = types.Short
	}

	if _, err := r.venue.ClosePosition(ctx, symbol, dir, amt.Abs()); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Ghost close failed, will retry next startup")
		return
	}
	log.Warn().Str("symbol", symbol).Str("amt", amt.String()).
		Msg("👻 Closed ghost position unknown to ledger")
	r.alerts.ReconcileAction(symbol, "closed ghost position")
}
