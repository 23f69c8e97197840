package ledger

import "errors"

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY - Every ledger failure mode callers branch on
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrContended means the conditional write lost a race; retry with fresh state
	ErrContended = errors.New("ledger: contended")

	// Reserve failures
	ErrNoCapacity      = errors.New("ledger: no capacity")
	ErrDuplicateSymbol = errors.New("ledger: duplicate symbol")
	ErrCircuitBreaker  = errors.New("ledger: circuit breaker tripped")

	// Commit / rollback failures
	ErrUnknownReservation = errors.New("ledger: unknown reservation")
	ErrAlreadyCommitted   = errors.New("ledger: already committed")

	// Close failures
	ErrNotOpen        = errors.New("ledger: position not open")
	ErrAlreadyClosing = errors.New("ledger: already closing")
	ErrUnknownToken   = errors.New("ledger: unknown close token")
)
