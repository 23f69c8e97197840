package journal

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/surgetrade/surgebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE JOURNAL - Append-only history and skip diagnostics
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two insert-only tables. TradeRecord captures the full scoring context at
// entry so every fill can be audited later; SkippedTrade is the first place
// to look when trade counts deviate from expectations.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TradeRecord is one position lifecycle, written at entry and completed at exit
type TradeRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Symbol        string `gorm:"index"`
	Direction     string
	ReservationID string          `gorm:"index"`
	Score         int
	EntryPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leverage      int
	Margin        decimal.Decimal `gorm:"type:decimal(20,6)"`
	TPPrice       decimal.Decimal `gorm:"type:decimal(20,8)"`
	SLPrice       decimal.Decimal `gorm:"type:decimal(20,8)"`
	ATRAtEntry    decimal.Decimal `gorm:"type:decimal(20,8)"`

	// Scoring context for audit
	VolumeRatio  float64
	EMACrossover bool
	NightPump    bool
	SessionBoost float64
	MobilityRank float64

	ExitPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitReason  string          `gorm:"index"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,6)"`
	OpenedAt    time.Time
	ClosedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SkippedTrade records every candidate that never became a position
type SkippedTrade struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Symbol    string `gorm:"index"`
	Reason    string `gorm:"index"`
	Detail    string
	Score     int
	CreatedAt time.Time
}

// Journal wraps the history database
type Journal struct {
	db *gorm.DB
}

// Open connects to the journal database. A postgres:// URL selects
// PostgreSQL; anything else is treated as a SQLite path.
func Open(dbPath string) (*Journal, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Journal connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Journal initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRecord{}, &SkippedTrade{}); err != nil {
		return nil, err
	}

	return &Journal{db: db}, nil
}

// DB exposes the underlying connection so the ledger store can share it
func (j *Journal) DB() *gorm.DB {
	return j.db
}

// RecordEntry writes the entry-side trade record with its scoring context
func (j *Journal) RecordEntry(pos *types.Position, cand *types.Candidate) error {
	rec := &TradeRecord{
		Symbol:        pos.Symbol,
		Direction:     string(pos.Direction),
		ReservationID: pos.ReservationID,
		Score:         pos.ScoreAtEntry,
		EntryPrice:    pos.EntryPrice,
		Quantity:      pos.Quantity,
		Leverage:      pos.Leverage,
		Margin:        pos.MarginCommitted,
		TPPrice:       pos.TPPrice,
		SLPrice:       pos.SLPrice,
		ATRAtEntry:    pos.ATRAtEntry,
		OpenedAt:      pos.OpenedAt,
	}
	if cand != nil {
		rec.VolumeRatio = cand.VolumeRatio
		rec.EMACrossover = cand.EMACrossover
		rec.NightPump = cand.NightPump
		rec.SessionBoost = cand.SessionBoost
		rec.MobilityRank = cand.MobilityRank
	}
	return j.db.Create(rec).Error
}

// RecordClose completes the trade record matching the position's reservation
func (j *Journal) RecordClose(pos *types.Position) error {
	updates := map[string]any{
		"exit_price":    pos.ExitPrice,
		"exit_reason":   string(pos.ExitReason),
		"realized_pnl":  pos.RealizedPnL,
		"closed_at":     pos.ClosedAt,
	}
	res := j.db.Model(&TradeRecord{}).
		Where("reservation_id = ?", pos.ReservationID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Entry write was lost or reconciled away; keep the exit anyway
		return j.db.Create(&TradeRecord{
			Symbol:        pos.Symbol,
			Direction:     string(pos.Direction),
			ReservationID: pos.ReservationID,
			Score:         pos.ScoreAtEntry,
			EntryPrice:    pos.EntryPrice,
			Quantity:      pos.Quantity,
			Leverage:      pos.Leverage,
			Margin:        pos.MarginCommitted,
			ExitPrice:     pos.ExitPrice,
			ExitReason:    string(pos.ExitReason),
			RealizedPnL:   pos.RealizedPnL,
			OpenedAt:      pos.OpenedAt,
			ClosedAt:      pos.ClosedAt,
		}).Error
	}
	return nil
}

// RecordSkip logs a candidate that was dropped, with the human-readable reason
func (j *Journal) RecordSkip(symbol string, reason types.SkipReason, detail string, score int) {
	err := j.db.Create(&SkippedTrade{
		Symbol: symbol,
		Reason: string(reason),
		Detail: detail,
		Score:  score,
	}).Error
	if err != nil {
		// Diagnostics must never block trading
		log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to write skip record")
	}
}

// RecentSkips returns the newest skip records, for operator inspection
func (j *Journal) RecentSkips(limit int) ([]SkippedTrade, error) {
	var out []SkippedTrade
	err := j.db.Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}

// TradesForDay returns trades opened on the given UTC day
func (j *Journal) TradesForDay(day time.Time) ([]TradeRecord, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var out []TradeRecord
	err := j.db.Where("opened_at >= ? AND opened_at < ?", start, start.Add(24*time.Hour)).
		Order("opened_at asc").Find(&out).Error
	return out, err
}
