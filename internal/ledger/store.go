package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/surgetrade/surgebot/internal/types"
)

// Record is the risk accumulator: the single shared mutable document every
// worker coordinates through. All mutation goes version → version+1 via
// Store.Swap; a stale version loses the race and the caller retries.
type Record struct {
	Version           int64                      `json:"version"`
	Date              string                     `json:"date"` // UTC day, YYYY-MM-DD
	ReservedRisk      decimal.Decimal            `json:"reserved_risk"`
	DailyPnL          decimal.Decimal            `json:"daily_pnl"`
	DailyLossBreachAt *time.Time                 `json:"daily_loss_breach_at,omitempty"`
	Positions         map[string]*types.Position `json:"positions"` // keyed by symbol
	UpdatedAt         time.Time                  `json:"updated_at"`
}

func newRecord(now time.Time) *Record {
	return &Record{
		Date:         now.UTC().Format("2006-01-02"),
		ReservedRisk: decimal.Zero,
		DailyPnL:     decimal.Zero,
		Positions:    make(map[string]*types.Position),
		UpdatedAt:    now.UTC(),
	}
}

// Clone deep-copies the record so callers can mutate a working copy
func (r *Record) Clone() *Record {
	out := *r
	out.Positions = make(map[string]*types.Position, len(r.Positions))
	for sym, p := range r.Positions {
		cp := *p
		out.Positions[sym] = &cp
	}
	if r.DailyLossBreachAt != nil {
		t := *r.DailyLossBreachAt
		out.DailyLossBreachAt = &t
	}
	return &out
}

// Store persists the accumulator with compare-and-swap semantics.
// Swap succeeds only when the stored version equals rec.Version;
// otherwise it returns ErrContended and writes nothing.
// Now is the store's own clock; day-boundary decisions use it so that
// workers with skewed wall clocks agree on the trading date.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Swap(ctx context.Context, rec *Record) error
	Now(ctx context.Context) (time.Time, error)
}

// ── In-memory store ──────────────────────────────────────────────────────────

// MemoryStore backs paper runs and tests
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rec: newRecord(time.Now()), now: time.Now}
}

func (s *MemoryStore) Now(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().UTC(), nil
}

func (s *MemoryStore) Load(_ context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone(), nil
}

func (s *MemoryStore) Swap(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Version != s.rec.Version {
		return ErrContended
	}
	next := rec.Clone()
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.rec = next
	return nil
}

// ── Database store ───────────────────────────────────────────────────────────

// accumulatorRow is the single-row table holding the serialized accumulator.
// The version column carries the optimistic lock.
type accumulatorRow struct {
	ID        string `gorm:"primaryKey;size:32"`
	Version   int64  `gorm:"not null"`
	Payload   string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (accumulatorRow) TableName() string { return "risk_accumulator" }

const accumulatorID = "GLOBAL"

// DBStore persists the accumulator in a relational row with an optimistic
// version check, so multiple worker processes can share one ledger.
type DBStore struct {
	db *gorm.DB
}

// NewDBStore migrates the accumulator table and seeds the initial row
func NewDBStore(db *gorm.DB) (*DBStore, error) {
	if err := db.AutoMigrate(&accumulatorRow{}); err != nil {
		return nil, fmt.Errorf("migrate accumulator: %w", err)
	}

	var row accumulatorRow
	err := db.Where("id = ?", accumulatorID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		payload, mErr := json.Marshal(newRecord(time.Now()))
		if mErr != nil {
			return nil, mErr
		}
		row = accumulatorRow{ID: accumulatorID, Version: 0, Payload: string(payload), UpdatedAt: time.Now().UTC()}
		// A concurrent worker may seed first; duplicate-key is fine
		if cErr := db.Create(&row).Error; cErr != nil {
			if fErr := db.Where("id = ?", accumulatorID).First(&row).Error; fErr != nil {
				return nil, cErr
			}
		}
	} else if err != nil {
		return nil, err
	}

	return &DBStore{db: db}, nil
}

func (s *DBStore) Load(ctx context.Context) (*Record, error) {
	var row accumulatorRow
	if err := s.db.WithContext(ctx).Where("id = ?", accumulatorID).First(&row).Error; err != nil {
		return nil, fmt.Errorf("load accumulator: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(row.Payload), &rec); err != nil {
		return nil, fmt.Errorf("decode accumulator: %w", err)
	}
	if rec.Positions == nil {
		rec.Positions = make(map[string]*types.Position)
	}
	rec.Version = row.Version
	return &rec, nil
}

func (s *DBStore) Swap(ctx context.Context, rec *Record) error {
	next := rec.Clone()
	next.Version = rec.Version + 1
	next.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode accumulator: %w", err)
	}

	res := s.db.WithContext(ctx).
		Model(&accumulatorRow{}).
		Where("id = ? AND version = ?", accumulatorID, rec.Version).
		Updates(map[string]any{
			"version":    next.Version,
			"payload":    string(payload),
			"updated_at": next.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("swap accumulator: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrContended
	}
	return nil
}

// Now returns the database server's clock on postgres, where several worker
// processes may share the row. SQLite is in-process, so the host clock is
// already the store's clock.
func (s *DBStore) Now(ctx context.Context) (time.Time, error) {
	if s.db.Dialector.Name() != "postgres" {
		return time.Now().UTC(), nil
	}
	var now time.Time
	if err := s.db.WithContext(ctx).Raw("SELECT now()").Scan(&now).Error; err != nil {
		return time.Time{}, fmt.Errorf("store clock: %w", err)
	}
	return now.UTC(), nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*DBStore)(nil)
