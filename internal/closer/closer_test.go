package closer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgetrade/surgebot/internal/config"
	"github.com/surgetrade/surgebot/internal/ledger"
	"github.com/surgetrade/surgebot/internal/news"
	"github.com/surgetrade/surgebot/internal/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fakeMarks struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (f *fakeMarks) MarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[symbol], nil
}

type fakeExitVenue struct {
	mu     sync.Mutex
	fail   bool
	closes []string
}

func (f *fakeExitVenue) ClosePosition(_ context.Context, symbol string, _ types.Direction, qty decimal.Decimal) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, assert.AnError
	}
	f.closes = append(f.closes, symbol)
	return &types.OrderResult{OrderID: "c-1", FilledQty: qty, AvgPrice: decimal.Zero, Status: "FILLED"}, nil
}

func (f *fakeExitVenue) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closes)
}

type fakeRecorder struct {
	mu     sync.Mutex
	closed []*types.Position
}

func (f *fakeRecorder) RecordClose(pos *types.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, pos)
	return nil
}

type fakeCloseAlerts struct {
	mu    sync.Mutex
	stuck []string
}

func (f *fakeCloseAlerts) StuckPosition(symbol string, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuck = append(f.stuck, symbol)
}

func (f *fakeCloseAlerts) PositionClosed(_, _ string, _ decimal.Decimal) {}

func closerConfig() *config.Config {
	return &config.Config{
		MaxHoldMinutes:    10,
		FastExitMinutes:   3,
		FastExitThreshold: 0.3,
		NewsBlackoutMin:   10,
	}
}

type fixture struct {
	closer   *Closer
	led      *ledger.Ledger
	marks    *fakeMarks
	venue    *fakeExitVenue
	recorder *fakeRecorder
	alerts   *fakeCloseAlerts
	calendar *news.Calendar
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		led:      ledger.New(ledger.NewMemoryStore(), decimal.NewFromInt(10000), 3, d(0.20), d(0.05)),
		marks:    &fakeMarks{prices: make(map[string]decimal.Decimal)},
		venue:    &fakeExitVenue{},
		recorder: &fakeRecorder{},
		alerts:   &fakeCloseAlerts{},
		calendar: &news.Calendar{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.closer = New(f.led, f.marks, f.venue, f.recorder, f.alerts, f.calendar, closerConfig())
	f.closer.now = func() time.Time { return f.now }
	return f
}

// openAt opens a long with entry 100, tp 102, sl 99, aged by the offset
func (f *fixture) openAt(t *testing.T, symbol string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	res, err := f.led.ReserveSlot(ctx, symbol, d(500), types.Long, 80, 5)
	require.NoError(t, err)
	require.NoError(t, f.led.CommitPosition(ctx, res.ID, d(100), d(5), d(102), d(99), d(0.4)))

	// Shift the recorded open time back so age-based triggers can fire
	open, err := f.led.ListOpen(ctx)
	require.NoError(t, err)
	for _, p := range open {
		if p.Symbol == symbol && age > 0 {
			f.now = p.OpenedAt.Add(age)
		}
	}
	f.marks.prices[symbol] = d(100)
}

func TestExitTrigger_Priority(t *testing.T) {
	f := newFixture(t)
	pos := &types.Position{
		Symbol: "AAAUSDT", Direction: types.Long,
		EntryPrice: d(100), TPPrice: d(102), SLPrice: d(99),
		OpenedAt: f.now.Add(-time.Minute),
	}

	cases := []struct {
		name    string
		mark    decimal.Decimal
		want    types.ExitReason
		trigger bool
	}{
		{"sl breach", d(98.9), types.ExitSLHit, true},
		{"sl exact", d(99), types.ExitSLHit, true},
		{"tp breach", d(102.5), types.ExitTPHit, true},
		{"tp exact", d(102), types.ExitTPHit, true},
		{"in range young", d(100.5), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := f.closer.exitTrigger(pos, tc.mark)
			assert.Equal(t, tc.trigger, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExitTrigger_ShortDirections(t *testing.T) {
	f := newFixture(t)
	pos := &types.Position{
		Symbol: "AAAUSDT", Direction: types.Short,
		EntryPrice: d(100), TPPrice: d(98), SLPrice: d(101),
		OpenedAt: f.now.Add(-time.Minute),
	}

	got, ok := f.closer.exitTrigger(pos, d(101.2))
	require.True(t, ok)
	assert.Equal(t, types.ExitSLHit, got)

	got, ok = f.closer.exitTrigger(pos, d(97.8))
	require.True(t, ok)
	assert.Equal(t, types.ExitTPHit, got)
}

func TestExitTrigger_TimeLimit(t *testing.T) {
	f := newFixture(t)
	pos := &types.Position{
		Symbol: "AAAUSDT", Direction: types.Long,
		EntryPrice: d(100), TPPrice: d(102), SLPrice: d(99),
		OpenedAt: f.now.Add(-11 * time.Minute),
	}

	got, ok := f.closer.exitTrigger(pos, d(100.5))
	require.True(t, ok)
	assert.Equal(t, types.ExitTimeLimit, got)
}

func TestExitTrigger_FastDiscard(t *testing.T) {
	f := newFixture(t)
	// 3.5 minutes old, +0.15%: flat enough to discard
	pos := &types.Position{
		Symbol: "AAAUSDT", Direction: types.Long,
		EntryPrice: d(100), TPPrice: d(102), SLPrice: d(99),
		Quantity:   d(5),
		OpenedAt:   f.now.Add(-210 * time.Second),
	}

	got, ok := f.closer.exitTrigger(pos, d(100.15))
	require.True(t, ok)
	assert.Equal(t, types.ExitFastDiscard, got)

	// Moving positions are left alone
	_, ok = f.closer.exitTrigger(pos, d(100.5))
	assert.False(t, ok)
}

func TestExitTrigger_NewsBeatsTimeExit(t *testing.T) {
	f := newFixture(t)
	f.calendar.Set([]news.Blackout{{
		Name:  "cpi",
		Start: f.now.Add(5 * time.Minute),
		End:   f.now.Add(35 * time.Minute),
	}})

	pos := &types.Position{
		Symbol: "AAAUSDT", Direction: types.Long,
		EntryPrice: d(100), TPPrice: d(102), SLPrice: d(99),
		OpenedAt: f.now.Add(-15 * time.Minute), // also past the hold limit
	}

	got, ok := f.closer.exitTrigger(pos, d(100.5))
	require.True(t, ok)
	assert.Equal(t, types.ExitNewsBlackout, got)
}

func TestExitTrigger_ZeroLevelsNeverFire(t *testing.T) {
	f := newFixture(t)
	// Reconciler-promoted position carries no TP/SL
	pos := &types.Position{
		Symbol: "AAAUSDT", Direction: types.Short,
		EntryPrice: d(100),
		OpenedAt:   f.now.Add(-time.Minute),
	}

	_, ok := f.closer.exitTrigger(pos, d(250))
	assert.False(t, ok)
}

func TestTick_ClosesAndRecords(t *testing.T) {
	f := newFixture(t)
	f.openAt(t, "AAAUSDT", 0)
	f.marks.prices["AAAUSDT"] = d(102.5) // TP breach

	require.NoError(t, f.closer.Tick(context.Background()))

	assert.Equal(t, []string{"AAAUSDT"}, f.venue.closes)
	require.Len(t, f.recorder.closed, 1)
	closed := f.recorder.closed[0]
	assert.Equal(t, types.ExitTPHit, closed.ExitReason)
	// pnl = (102.5 - 100) * 5
	assert.True(t, closed.RealizedPnL.Equal(d(12.5)), "pnl %s", closed.RealizedPnL)

	snap, err := f.led.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.DailyPnL.Equal(d(12.5)))
}

func TestTick_ConcurrentWorkersSubmitOneClose(t *testing.T) {
	f := newFixture(t)
	f.openAt(t, "AAAUSDT", 0)
	f.marks.prices["AAAUSDT"] = d(102.5)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.closer.Tick(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.venue.closeCount(), "begin_close must serialize the exit")
}

func TestTick_VenueFailureLeavesClosingThenRecovers(t *testing.T) {
	f := newFixture(t)
	f.openAt(t, "AAAUSDT", 0)
	f.marks.prices["AAAUSDT"] = d(102.5)
	f.venue.fail = true

	require.NoError(t, f.closer.Tick(context.Background()))

	open, err := f.led.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.StatusClosing, open[0].Status)
	assert.Equal(t, 1, open[0].FailedCloses)

	// Venue heals: the stuck close resumes with the original token
	f.venue.fail = false
	require.NoError(t, f.closer.Tick(context.Background()))

	snap, err := f.led.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
	require.Len(t, f.recorder.closed, 1)
	assert.Equal(t, types.ExitTPHit, f.recorder.closed[0].ExitReason)
}

func TestTick_StuckAlertAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.openAt(t, "AAAUSDT", 0)
	f.marks.prices["AAAUSDT"] = d(102.5)
	f.venue.fail = true

	for i := 0; i < 3; i++ {
		require.NoError(t, f.closer.Tick(context.Background()))
	}

	assert.Contains(t, f.alerts.stuck, "AAAUSDT")
}
