package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Standardized broker/engine errors
var (
	// ErrUnknownLevel marks a ladder lookup outside the configured grid. It is
	// a programmer or data error and treated as fatal.
	ErrUnknownLevel = errors.New("unknown grid level")

	// ErrConnectionLost marks a broker link drop mid-wait. The order may still
	// be live server-side, so callers must not auto-cancel on it.
	ErrConnectionLost = errors.New("broker connection lost")

	// ErrTimedOut marks an order that did not reach a terminal status within
	// the deadline and has been cancelled.
	ErrTimedOut = errors.New("order wait timed out")

	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("duplicate order")
	ErrNetwork        = errors.New("network error")
	ErrOrderRejected  = errors.New("order rejected")
	ErrHalted         = errors.New("trading halted")
)

// AmbiguousMatch records one open sell order whose quantity maps to more than
// one candidate grid level.
type AmbiguousMatch struct {
	SellOrderID     string
	Quantity        int64
	CandidateLevels []int
}

// AmbiguousReconciliationError is raised when reconciliation cannot uniquely
// assign broker orders to grid levels. The engine must halt and alert an
// operator rather than guess.
type AmbiguousReconciliationError struct {
	Matches []AmbiguousMatch
}

func (e *AmbiguousReconciliationError) Error() string {
	parts := make([]string, 0, len(e.Matches))
	for _, m := range e.Matches {
		parts = append(parts, fmt.Sprintf("sell order %s qty %d matches levels %v", m.SellOrderID, m.Quantity, m.CandidateLevels))
	}
	return "ambiguous reconciliation: " + strings.Join(parts, "; ")
}

// IsTransient reports whether an error is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrConnectionLost)
}
