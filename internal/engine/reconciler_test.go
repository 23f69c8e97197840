package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgetrade/surgebot/internal/ledger"
	"github.com/surgetrade/surgebot/internal/types"
)

// fakeVenueBook is a canned venue position book
type fakeVenueBook struct {
	amounts map[string]decimal.Decimal
	closed  []string
}

func (f *fakeVenueBook) FetchPositionAmounts(_ context.Context) (map[string]decimal.Decimal, error) {
	return f.amounts, nil
}

func (f *fakeVenueBook) ClosePosition(_ context.Context, symbol string, _ types.Direction, qty decimal.Decimal) (*types.OrderResult, error) {
	f.closed = append(f.closed, symbol)
	return &types.OrderResult{OrderID: "r-1", FilledQty: qty, Status: "FILLED"}, nil
}

type fakeMarks struct{}

func (fakeMarks) MarkPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}

func newReconLedger() *ledger.Ledger {
	return ledger.New(ledger.NewMemoryStore(), decimal.NewFromInt(10000), 3, d(0.20), d(0.05))
}

func TestReconciler_PromotesFilledReservation(t *testing.T) {
	ctx := context.Background()
	led := newReconLedger()

	res, err := led.ReserveSlot(ctx, "AAAUSDT", d(500), types.Long, 80, 5)
	require.NoError(t, err)

	venue := &fakeVenueBook{amounts: map[string]decimal.Decimal{"AAAUSDT": d(5)}}
	r := NewReconciler(led, venue, fakeMarks{}, &fakeAlerts{})
	require.NoError(t, r.Run(ctx))

	open, err := led.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.StatusOpen, open[0].Status)
	assert.Equal(t, res.ID, open[0].ReservationID)
	assert.True(t, open[0].Quantity.Equal(d(5)))
}

func TestReconciler_RollsBackUnfilledReservation(t *testing.T) {
	ctx := context.Background()
	led := newReconLedger()

	_, err := led.ReserveSlot(ctx, "AAAUSDT", d(500), types.Long, 80, 5)
	require.NoError(t, err)

	venue := &fakeVenueBook{amounts: map[string]decimal.Decimal{}}
	r := NewReconciler(led, venue, fakeMarks{}, &fakeAlerts{})
	require.NoError(t, r.Run(ctx))

	snap, err := led.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.ReservedRisk.IsZero())
}

func TestReconciler_RetiresOrphanedOpenPosition(t *testing.T) {
	ctx := context.Background()
	led := newReconLedger()

	res, err := led.ReserveSlot(ctx, "AAAUSDT", d(500), types.Long, 80, 5)
	require.NoError(t, err)
	require.NoError(t, led.CommitPosition(ctx, res.ID, d(100), d(5), d(102), d(99), d(0.4)))

	// Venue reports nothing: a manual close or liquidation happened
	venue := &fakeVenueBook{amounts: map[string]decimal.Decimal{}}
	r := NewReconciler(led, venue, fakeMarks{}, &fakeAlerts{})
	require.NoError(t, r.Run(ctx))

	snap, err := led.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.ReservedRisk.IsZero())
	assert.True(t, snap.DailyPnL.IsZero(), "orphan retirement does not invent pnl")
}

func TestReconciler_ClosesGhostPosition(t *testing.T) {
	ctx := context.Background()
	led := newReconLedger()

	venue := &fakeVenueBook{amounts: map[string]decimal.Decimal{"GHOSTUSDT": d(-3)}}
	r := NewReconciler(led, venue, fakeMarks{}, &fakeAlerts{})
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, []string{"GHOSTUSDT"}, venue.closed)
}

func TestReconciler_LeavesHealthyPositionsAlone(t *testing.T) {
	ctx := context.Background()
	led := newReconLedger()

	res, err := led.ReserveSlot(ctx, "AAAUSDT", d(500), types.Long, 80, 5)
	require.NoError(t, err)
	require.NoError(t, led.CommitPosition(ctx, res.ID, d(100), d(5), d(102), d(99), d(0.4)))

	venue := &fakeVenueBook{amounts: map[string]decimal.Decimal{"AAAUSDT": d(5)}}
	r := NewReconciler(led, venue, fakeMarks{}, &fakeAlerts{})
	require.NoError(t, r.Run(ctx))

	open, err := led.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Empty(t, venue.closed)
}
