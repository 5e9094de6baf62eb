// Package ladder implements the static grid level table: the mapping from
// level to share quantity and the compounding buy-trigger rule.
package ladder

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// Entry is one rung of the grid.
type Entry struct {
	Level    int
	Quantity int64
}

// Ladder is immutable after construction. Quantities are not required to be
// unique across levels; LevelsForQuantity surfaces every candidate so callers
// can detect ambiguity instead of guessing.
type Ladder struct {
	entries   []Entry
	byQty     map[int64][]int
	stepRatio decimal.Decimal
}

var _ core.ILadder = (*Ladder)(nil)

// New builds a ladder from ordered (level, quantity) pairs. Levels must be
// 0..N-1 in order and quantities positive.
func New(entries []Entry, stepRatio decimal.Decimal) (*Ladder, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("ladder: no levels")
	}
	if stepRatio.LessThanOrEqual(decimal.Zero) || stepRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("ladder: step ratio %s out of (0,1)", stepRatio)
	}

	byQty := make(map[int64][]int, len(entries))
	for i, e := range entries {
		if e.Level != i {
			return nil, fmt.Errorf("ladder: level %d out of order at row %d", e.Level, i)
		}
		if e.Quantity <= 0 {
			return nil, fmt.Errorf("ladder: non-positive quantity %d at level %d", e.Quantity, e.Level)
		}
		byQty[e.Quantity] = append(byQty[e.Quantity], e.Level)
	}

	return &Ladder{
		entries:   entries,
		byQty:     byQty,
		stepRatio: stepRatio,
	}, nil
}

// LoadCSV reads a headerless "level,quantity" file, the format the strategy
// sheet is exported in.
func LoadCSV(path string, stepRatio decimal.Decimal) (*Ladder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ladder: open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ladder: parse %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(records))
	for i, rec := range records {
		if len(rec) < 2 {
			return nil, fmt.Errorf("ladder: row %d has %d columns, want 2", i, len(rec))
		}
		level, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("ladder: row %d level: %w", i, err)
		}
		qty, err := strconv.ParseInt(rec[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ladder: row %d quantity: %w", i, err)
		}
		entries = append(entries, Entry{Level: level, Quantity: qty})
	}

	return New(entries, stepRatio)
}

// Size returns the number of levels.
func (l *Ladder) Size() int {
	return len(l.entries)
}

// QuantityFor returns the share quantity for a level.
func (l *Ladder) QuantityFor(level int) (int64, error) {
	if level < 0 || level >= len(l.entries) {
		return 0, fmt.Errorf("%w: level %d of %d", apperrors.ErrUnknownLevel, level, len(l.entries))
	}
	return l.entries[level].Quantity, nil
}

// LevelsForQuantity returns every level whose quantity equals qty, in
// ascending order. An empty slice means no match.
func (l *Ladder) LevelsForQuantity(qty int64) []int {
	levels := l.byQty[qty]
	out := make([]int, len(levels))
	copy(out, levels)
	return out
}

// NextTrigger applies the compounding step to a reference price, rounded to
// cents the way the broker quotes equities.
func (l *Ladder) NextTrigger(prev decimal.Decimal) decimal.Decimal {
	return prev.Mul(l.stepRatio).Round(2)
}

// StepRatio returns the configured trigger step.
func (l *Ladder) StepRatio() decimal.Decimal {
	return l.stepRatio
}
