package buyqueue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/inventory"
	"gridbot/internal/ladder"
	"gridbot/internal/lifecycle"
	"gridbot/internal/mock"
	"gridbot/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                 {}
func (nopLogger) Info(string, ...interface{})                  {}
func (nopLogger) Warn(string, ...interface{})                  {}
func (nopLogger) Error(string, ...interface{})                 {}
func (nopLogger) Fatal(string, ...interface{})                 {}
func (n nopLogger) WithField(string, interface{}) core.ILogger { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger {
	return n
}

const symbol = "TQQQ"

var profit = decimal.NewFromFloat(0.01)

type harness struct {
	broker *mock.PaperBroker
	ledger *inventory.Ledger
	queue  *Maintainer
	ctx    context.Context
}

func newHarness(t *testing.T, ladderSize, depth int) *harness {
	t.Helper()

	entries := make([]ladder.Entry, ladderSize)
	for i := range entries {
		entries[i] = ladder.Entry{Level: i, Quantity: int64(10 + i)}
	}
	lad, err := ladder.New(entries, decimal.NewFromFloat(0.99))
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "lots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broker := mock.NewPaperBroker("test")
	mgr := lifecycle.NewManager(broker, nopLogger{}, nil)
	mgr.SetPollInterval(5 * time.Millisecond)
	ledger := inventory.NewLedger(st, nopLogger{})

	return &harness{
		broker: broker,
		ledger: ledger,
		queue:  NewMaintainer(mgr, broker, lad, ledger, symbol, depth, nopLogger{}),
		ctx:    context.Background(),
	}
}

// holdLot records an open lot filled at the given price.
func (h *harness) holdLot(t *testing.T, level int, fillPrice float64) {
	t.Helper()
	qty := int64(10 + level)
	lot := core.NewLot(level, qty, decimal.NewFromFloat(fillPrice), profit, fmt.Sprintf("buy-%d", level))
	require.NoError(t, h.ledger.Add(h.ctx, lot))
}

func triggerPrices(queue []QueuedBuy) []string {
	out := make([]string, len(queue))
	for i, q := range queue {
		out[i] = q.TriggerPrice.StringFixed(2)
	}
	return out
}

func TestRebuildWithEmptyInventoryPlacesNothing(t *testing.T) {
	h := newHarness(t, 10, 3)

	require.NoError(t, h.queue.Rebuild(h.ctx, ""))

	assert.Empty(t, h.queue.Queue())
	open, err := h.broker.GetOpenOrders(h.ctx, symbol)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRebuildChainsTriggersFromFillPrice(t *testing.T) {
	h := newHarness(t, 10, 3)
	h.holdLot(t, 0, 50.00)

	require.NoError(t, h.queue.Rebuild(h.ctx, ""))

	queue := h.queue.Queue()
	require.Len(t, queue, 3)
	assert.Equal(t, []string{"49.50", "49.01", "48.52"}, triggerPrices(queue))
	assert.Equal(t, 1, queue[0].Level)
	assert.Equal(t, 3, queue[2].Level)
	assert.Equal(t, int64(11), queue[0].Quantity)

	open, err := h.broker.GetOpenOrders(h.ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 3)
	for _, o := range open {
		assert.Equal(t, core.SideBuy, o.Side)
		assert.Equal(t, core.KindTriggerLimit, o.Kind)
		assert.True(t, o.LimitPrice.Equal(o.TriggerPrice))
	}
}

func TestRebuildAnchorsOnHighestLotFill(t *testing.T) {
	h := newHarness(t, 10, 3)
	h.holdLot(t, 0, 50.00)
	// Level 1 filled below its trigger; the chain continues from the real
	// fill, not from the theoretical grid price.
	h.holdLot(t, 1, 49.40)

	require.NoError(t, h.queue.Rebuild(h.ctx, ""))

	queue := h.queue.Queue()
	require.Len(t, queue, 3)
	assert.Equal(t, 2, queue[0].Level)
	assert.Equal(t, []string{"48.91", "48.42", "47.94"}, triggerPrices(queue))
}

func TestRebuildCancelsStaleBuys(t *testing.T) {
	h := newHarness(t, 10, 3)
	h.holdLot(t, 0, 50.00)

	stale, err := h.broker.SubmitOrder(h.ctx, core.OrderSpec{
		Symbol:     symbol,
		Side:       core.SideBuy,
		Quantity:   11,
		Kind:       core.KindLimit,
		LimitPrice: decimal.NewFromFloat(49.50),
	})
	require.NoError(t, err)

	require.NoError(t, h.queue.Rebuild(h.ctx, ""))

	got, err := h.broker.GetOrder(h.ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, got.Status)
	assert.False(t, h.queue.Contains(stale.ID))
	assert.Len(t, h.queue.Queue(), 3)
}

func TestRebuildSparesExcludedOrder(t *testing.T) {
	h := newHarness(t, 10, 3)
	h.holdLot(t, 0, 50.00)

	spared, err := h.broker.SubmitOrder(h.ctx, core.OrderSpec{
		Symbol:     symbol,
		Side:       core.SideBuy,
		Quantity:   11,
		Kind:       core.KindLimit,
		LimitPrice: decimal.NewFromFloat(49.50),
	})
	require.NoError(t, err)

	require.NoError(t, h.queue.Rebuild(h.ctx, spared.ID))

	got, err := h.broker.GetOrder(h.ctx, spared.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusNew, got.Status)
}

func TestResubmitReplacesAtSameLevel(t *testing.T) {
	h := newHarness(t, 10, 3)
	h.holdLot(t, 0, 50.00)
	require.NoError(t, h.queue.Rebuild(h.ctx, ""))

	old := h.queue.Queue()[1]
	require.NoError(t, h.broker.CancelOrder(h.ctx, old.OrderID))
	require.NoError(t, h.queue.Resubmit(h.ctx, old.OrderID))

	queue := h.queue.Queue()
	require.Len(t, queue, 3)
	assert.False(t, h.queue.Contains(old.OrderID))

	replaced := queue[1]
	assert.Equal(t, old.Level, replaced.Level)
	assert.True(t, replaced.TriggerPrice.Equal(old.TriggerPrice))
	assert.NotEqual(t, old.OrderID, replaced.OrderID)
}

func TestResubmitIgnoresUnknownOrder(t *testing.T) {
	h := newHarness(t, 10, 3)
	h.holdLot(t, 0, 50.00)
	require.NoError(t, h.queue.Rebuild(h.ctx, ""))

	require.NoError(t, h.queue.Resubmit(h.ctx, "never-queued"))
	assert.Len(t, h.queue.Queue(), 3)
}

func TestRebuildStopsAtEndOfLadder(t *testing.T) {
	h := newHarness(t, 4, 3)
	h.holdLot(t, 0, 50.00)
	h.holdLot(t, 1, 49.40)

	require.NoError(t, h.queue.Rebuild(h.ctx, ""))

	queue := h.queue.Queue()
	require.Len(t, queue, 2)
	assert.Equal(t, 2, queue[0].Level)
	assert.Equal(t, 3, queue[1].Level)
}
