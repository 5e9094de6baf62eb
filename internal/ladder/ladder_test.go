package ladder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step() decimal.Decimal {
	return decimal.NewFromFloat(0.99)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, step())
	assert.Error(t, err)

	_, err = New([]Entry{{Level: 1, Quantity: 10}}, step())
	assert.Error(t, err, "levels must start at 0")

	_, err = New([]Entry{{Level: 0, Quantity: 0}}, step())
	assert.Error(t, err, "quantity must be positive")

	_, err = New([]Entry{{Level: 0, Quantity: 10}}, decimal.NewFromInt(1))
	assert.Error(t, err, "step ratio must be below 1")
}

func TestQuantityFor(t *testing.T) {
	l, err := New([]Entry{{0, 10}, {1, 12}, {2, 15}}, step())
	require.NoError(t, err)

	qty, err := l.QuantityFor(1)
	require.NoError(t, err)
	assert.Equal(t, int64(12), qty)

	_, err = l.QuantityFor(3)
	assert.True(t, errors.Is(err, apperrors.ErrUnknownLevel))

	_, err = l.QuantityFor(-1)
	assert.True(t, errors.Is(err, apperrors.ErrUnknownLevel))
}

func TestLevelsForQuantity(t *testing.T) {
	// Levels 1 and 3 share a quantity on purpose.
	l, err := New([]Entry{{0, 10}, {1, 12}, {2, 15}, {3, 12}}, step())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, l.LevelsForQuantity(12))
	assert.Equal(t, []int{0}, l.LevelsForQuantity(10))
	assert.Empty(t, l.LevelsForQuantity(99))
}

func TestNextTriggerCompounds(t *testing.T) {
	l, err := New([]Entry{{0, 10}, {1, 12}, {2, 15}}, step())
	require.NoError(t, err)

	// Each step multiplies the previous trigger, rounding to cents.
	p := decimal.NewFromFloat(50.00)
	p = l.NextTrigger(p)
	assert.True(t, p.Equal(decimal.NewFromFloat(49.50)), "got %s", p)
	p = l.NextTrigger(p)
	assert.True(t, p.Equal(decimal.NewFromFloat(49.01)), "got %s", p) // 49.005 rounds up
	p = l.NextTrigger(p)
	assert.True(t, p.Equal(decimal.NewFromFloat(48.52)), "got %s", p)
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ladder.csv")
	require.NoError(t, os.WriteFile(path, []byte("0,10\n1,12\n2,15\n"), 0o644))

	l, err := LoadCSV(path, step())
	require.NoError(t, err)
	assert.Equal(t, 3, l.Size())

	qty, err := l.QuantityFor(2)
	require.NoError(t, err)
	assert.Equal(t, int64(15), qty)
}

func TestLoadCSVRejectsBadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ladder.csv")
	require.NoError(t, os.WriteFile(path, []byte("0,ten\n"), 0o644))

	_, err := LoadCSV(path, step())
	assert.Error(t, err)
}
