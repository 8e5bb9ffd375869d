package stm

// ============================================================================
// STM Error Definitions
// Purpose: every error the engine can hand back to callers or operations
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTransaction is returned by Read/Write when the context carries no
	// transaction (context misuse). Operations should turn it into Fail.
	ErrNoTransaction = errors.New("stm: no transaction in context")

	// ErrOperationFailed is attached to a FAILED result: an operation returned Fail.
	ErrOperationFailed = errors.New("stm: operation reported failure")

	// ErrConflict marks a validation or write-claim conflict. Recoverable: the
	// engine rolls back and retries.
	ErrConflict = errors.New("stm: transaction conflict")

	// ErrAborted is attached to an ABORTED result (retry cap or context done).
	ErrAborted = errors.New("stm: transaction aborted")

	// ErrInvalidCell rejects an empty cell name.
	ErrInvalidCell = errors.New("stm: invalid cell name")

	// ErrInvalidProperty rejects a malformed property bag.
	ErrInvalidProperty = errors.New("stm: invalid cell property")

	// ErrBuilderClosed is the panic value of Builder.Op after Build.
	ErrBuilderClosed = errors.New("stm: transaction already built")
)

// ConflictReason says why a cell could not be used by a transaction attempt.
type ConflictReason string

const (
	// ReasonOwned: another live transaction holds the write claim.
	ReasonOwned ConflictReason = "owned"
	// ReasonStale: the live value no longer matches the snapshot taken at first touch.
	ReasonStale ConflictReason = "stale"
)

// ConflictError carries the cell and cause of a conflict.
type ConflictError struct {
	Cell   string         // conflicting cell name
	Reason ConflictReason // owned or stale
	Owner  uint64         // version of the owning transaction (ReasonOwned only)
}

func (e *ConflictError) Error() string {
	if e.Reason == ReasonOwned {
		return fmt.Sprintf("stm: cell %q is claimed by transaction v%d", e.Cell, e.Owner)
	}
	return fmt.Sprintf("stm: cell %q changed since first touch", e.Cell)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
