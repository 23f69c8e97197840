package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a position or signal
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Interval is a candle interval supported by the venue
type Interval string

const (
	Interval1m Interval = "1m"
	Interval5m Interval = "5m"
	Interval1h Interval = "1h"
	Interval4h Interval = "4h"
)

// Duration returns the wall-clock length of one candle
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	}
	return time.Minute
}

// Candle is a single OHLCV bar
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// CandleSeries is an ascending, contiguous run of candles at one interval
type CandleSeries []Candle

// Closes returns close prices as float64 for indicator math
func (cs CandleSeries) Closes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i], _ = c.Close.Float64()
	}
	return out
}

// Highs returns high prices as float64
func (cs CandleSeries) Highs() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i], _ = c.High.Float64()
	}
	return out
}

// Lows returns low prices as float64
func (cs CandleSeries) Lows() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i], _ = c.Low.Float64()
	}
	return out
}

// Volumes returns volumes as float64
func (cs CandleSeries) Volumes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i], _ = c.Volume.Float64()
	}
	return out
}

// Ticker is a 24h rolling snapshot for one symbol
type Ticker struct {
	Symbol        string          `json:"symbol"`
	LastPrice     decimal.Decimal `json:"last_price"`
	QuoteVolume24 decimal.Decimal `json:"quote_volume_24h"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OrderBookEntry is one price level
type OrderBookEntry struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook holds both sides up to the requested depth
type OrderBook struct {
	Bids []OrderBookEntry
	Asks []OrderBookEntry
}

// Candidate is a scored trading opportunity emitted by the scanner.
// Lives only for the tick that produced it.
type Candidate struct {
	Symbol       string
	Direction    Direction
	Score        int
	Price        decimal.Decimal
	ATR          decimal.Decimal
	SuggestedTP  decimal.Decimal
	SuggestedSL  decimal.Decimal
	Volume24h    decimal.Decimal
	MobilityRank float64
	VolumeRatio  float64
	EMACrossover bool
	SessionBoost float64
	NightPump    bool
	SnapshotTime time.Time
}

// PositionStatus lifecycle: RESERVED → OPEN → CLOSING → CLOSED
type PositionStatus string

const (
	StatusReserved PositionStatus = "RESERVED"
	StatusOpen     PositionStatus = "OPEN"
	StatusClosing  PositionStatus = "CLOSING"
	StatusClosed   PositionStatus = "CLOSED"
)

// Active reports whether the position still occupies a risk slot
func (s PositionStatus) Active() bool {
	return s == StatusReserved || s == StatusOpen || s == StatusClosing
}

// ExitReason is why a position left the book
type ExitReason string

const (
	ExitSLHit        ExitReason = "SL_HIT"
	ExitTPHit        ExitReason = "TP_HIT"
	ExitNewsBlackout ExitReason = "NEWS_BLACKOUT"
	ExitTimeLimit    ExitReason = "TIME_EXIT"
	ExitFastDiscard  ExitReason = "FAST_DISCARD"
	ExitGhostCleanup ExitReason = "GHOST_CLEANUP"
)

// SkipReason enumerates why a candidate never became a position
type SkipReason string

const (
	SkipRiskExceeded    SkipReason = "RISK_EXCEEDED"
	SkipNoCapacity      SkipReason = "NO_CAPACITY"
	SkipDuplicateSymbol SkipReason = "DUPLICATE_SYMBOL"
	SkipCircuitBreaker  SkipReason = "CIRCUIT_BREAKER"
	SkipContended       SkipReason = "LEDGER_CONTENDED"
	SkipOrderFailed     SkipReason = "ORDER_FAILED"
	SkipDataUnavailable SkipReason = "DATA_UNAVAILABLE"
)

// Position is the central persisted entity. Mutated only through the ledger.
type Position struct {
	Symbol          string          `json:"symbol"`
	Direction       Direction       `json:"direction"`
	Status          PositionStatus  `json:"status"`
	ReservationID   string          `json:"reservation_id"`
	CloseToken      string          `json:"close_token,omitempty"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Leverage        int             `json:"leverage"`
	MarginCommitted decimal.Decimal `json:"margin_committed"`
	TPPrice         decimal.Decimal `json:"tp_price"`
	SLPrice         decimal.Decimal `json:"sl_price"`
	ATRAtEntry      decimal.Decimal `json:"atr_at_entry"`
	ScoreAtEntry    int             `json:"score_at_entry"`
	PeakPrice       decimal.Decimal `json:"peak_price"`
	OpenedAt        time.Time       `json:"opened_at"`
	ReservedAt      time.Time       `json:"reserved_at"`
	ExitPrice       decimal.Decimal `json:"exit_price,omitempty"`
	ExitReason      ExitReason      `json:"exit_reason,omitempty"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl,omitempty"`
	FailedCloses    int             `json:"failed_closes,omitempty"`
}

// UnrealizedPnL computes mark-to-market PnL in quote currency
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.EntryPrice)
	if p.Direction == Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// UnrealizedPnLPct computes mark-to-market PnL as percent of entry price
func (p *Position) UnrealizedPnLPct(mark decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := mark.Sub(p.EntryPrice)
	if p.Direction == Short {
		diff = diff.Neg()
	}
	return diff.Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

// OrderResult is the venue's acknowledgement of a market order
type OrderResult struct {
	OrderID   string
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Status    string
}
