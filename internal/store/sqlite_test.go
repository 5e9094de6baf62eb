package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gridbot/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "lots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLot(level int, buyOID string) *core.Lot {
	return core.NewLot(level, 10, decimal.NewFromFloat(50.00), decimal.NewFromFloat(0.01), buyOID)
}

func TestUpsertAndLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lot := testLot(0, "buy-1")
	require.NoError(t, s.UpsertLot(ctx, lot))

	lots, err := s.LoadOpenLots(ctx)
	require.NoError(t, err)
	require.Len(t, lots, 1)

	got := lots[0]
	assert.Equal(t, 0, got.Level)
	assert.Equal(t, "buy-1", got.BuyOrderID)
	assert.Equal(t, int64(10), got.Quantity)
	assert.True(t, got.PurchasePrice.Equal(decimal.NewFromFloat(50.00)))
	assert.True(t, got.SellTargetPrice.Equal(decimal.NewFromFloat(50.50)))
	assert.Equal(t, core.LotOpen, got.Status)
	assert.Empty(t, got.SellOrderID)
}

func TestUpsertIsIdempotentByBuyOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lot := testLot(2, "buy-2")
	require.NoError(t, s.UpsertLot(ctx, lot))
	require.NoError(t, s.UpsertLot(ctx, lot))

	lots, err := s.LoadOpenLots(ctx)
	require.NoError(t, err)
	assert.Len(t, lots, 1)
}

func TestAttachSellOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertLot(ctx, testLot(0, "buy-3")))
	require.NoError(t, s.AttachSellOrder(ctx, "buy-3", "sell-3"))

	lots, err := s.LoadOpenLots(ctx)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, "sell-3", lots[0].SellOrderID)

	// Unknown buy order is an error, not a silent no-op.
	assert.Error(t, s.AttachSellOrder(ctx, "buy-unknown", "sell-x"))
}

func TestArchiveLotRemovesFromOpenSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertLot(ctx, testLot(0, "buy-4")))
	require.NoError(t, s.AttachSellOrder(ctx, "buy-4", "sell-4"))
	require.NoError(t, s.ArchiveLot(ctx, "sell-4", 10, decimal.NewFromFloat(50.50), time.Now()))

	lots, err := s.LoadOpenLots(ctx)
	require.NoError(t, err)
	assert.Empty(t, lots)

	// Archiving twice fails: the row is no longer OPEN.
	assert.Error(t, s.ArchiveLot(ctx, "sell-4", 10, decimal.NewFromFloat(50.50), time.Now()))
}

func TestLoadOpenLotsOrdersByLevel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertLot(ctx, testLot(3, "buy-c")))
	require.NoError(t, s.UpsertLot(ctx, testLot(1, "buy-a")))
	require.NoError(t, s.UpsertLot(ctx, testLot(2, "buy-b")))

	lots, err := s.LoadOpenLots(ctx)
	require.NoError(t, err)
	require.Len(t, lots, 3)
	assert.Equal(t, 1, lots[0].Level)
	assert.Equal(t, 2, lots[1].Level)
	assert.Equal(t, 3, lots[2].Level)
}
