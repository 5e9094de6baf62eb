package recon

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"gridbot/internal/core"
	"gridbot/internal/inventory"
	"gridbot/internal/ladder"
	"gridbot/internal/mock"
	"gridbot/internal/store"
	apperrors "gridbot/pkg/errors"

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

// brokerSellPlacer routes repair sells through the paper broker so that a
// second pass sees them as live orders.
type brokerSellPlacer struct {
	broker *mock.PaperBroker
}

func (p *brokerSellPlacer) PlaceSell(ctx context.Context, lot *core.Lot) (string, error) {
	order, err := p.broker.SubmitOrder(ctx, core.OrderSpec{
		Symbol:      symbol,
		Side:        core.SideSell,
		Quantity:    lot.Quantity,
		Kind:        core.KindLimit,
		LimitPrice:  lot.SellTargetPrice,
		TimeInForce: core.TIFGTC,
	})
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

type harness struct {
	broker *mock.PaperBroker
	store  *store.SQLiteStore
	ledger *inventory.Ledger
	engine *Engine
	ctx    context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	// Levels 1 and 3 share quantity 12 so ambiguity is constructible.
	lad, err := ladder.New([]ladder.Entry{{Level: 0, Quantity: 10}, {Level: 1, Quantity: 12}, {Level: 2, Quantity: 15}, {Level: 3, Quantity: 12}}, decimal.NewFromFloat(0.99))
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "lots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broker := mock.NewPaperBroker("test")
	ledger := inventory.NewLedger(st, nopLogger{})
	engine := NewEngine(broker, lad, st, ledger, &brokerSellPlacer{broker: broker}, symbol, profit, nopLogger{})

	return &harness{
		broker: broker,
		store:  st,
		ledger: ledger,
		engine: engine,
		ctx:    context.Background(),
	}
}

// seedLot stores an open lot with a live sell order at the broker.
func (h *harness) seedLot(t *testing.T, level int, qty int64, purchase float64) *core.Lot {
	t.Helper()
	lot := core.NewLot(level, qty, decimal.NewFromFloat(purchase), profit, fmt.Sprintf("seed-buy-%d", level))
	require.NoError(t, h.ledger.Add(h.ctx, lot))

	sellID, err := (&brokerSellPlacer{broker: h.broker}).PlaceSell(h.ctx, lot)
	require.NoError(t, err)
	require.NoError(t, h.ledger.AttachSell(h.ctx, lot, sellID))
	return lot
}

func TestCleanRestartMakesNoChanges(t *testing.T) {
	h := newHarness(t)
	h.seedLot(t, 0, 10, 40.00)
	h.broker.SetPosition(symbol, 10, decimal.NewFromFloat(40.00))

	report, err := h.engine.Run(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RebuiltLots)
	assert.Zero(t, report.ArchivedLots)
	assert.Zero(t, report.OrphanLots)
	assert.Zero(t, report.RepairedSells)
	assert.Equal(t, int64(10), report.TrackedQuantity)
	assert.Equal(t, 1, report.NextLevel)
}

func TestRebuildsLotsFromOpenSells(t *testing.T) {
	h := newHarness(t)

	// The database is gone; only the broker knows about the position.
	sell, err := h.broker.SubmitOrder(h.ctx, core.OrderSpec{
		Symbol:     symbol,
		Side:       core.SideSell,
		Quantity:   10,
		Kind:       core.KindLimit,
		LimitPrice: decimal.NewFromFloat(40.40),
	})
	require.NoError(t, err)
	h.broker.SetPosition(symbol, 10, decimal.NewFromFloat(40.00))

	report, err := h.engine.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RebuiltLots)
	assert.Zero(t, report.OrphanLots)

	lot, ok := h.ledger.LotBySellOrder(sell.ID)
	require.True(t, ok)
	assert.Equal(t, 0, lot.Level)
	// Purchase price is derived from the sell limit: 40.40 / 1.01.
	assert.True(t, lot.PurchasePrice.Equal(decimal.NewFromFloat(40.00)), "got %s", lot.PurchasePrice)
	assert.True(t, lot.SellTargetPrice.Equal(decimal.NewFromFloat(40.40)))
}

func TestRebuildIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, err := h.broker.SubmitOrder(h.ctx, core.OrderSpec{
		Symbol:     symbol,
		Side:       core.SideSell,
		Quantity:   10,
		Kind:       core.KindLimit,
		LimitPrice: decimal.NewFromFloat(40.40),
	})
	require.NoError(t, err)
	h.broker.SetPosition(symbol, 10, decimal.NewFromFloat(40.00))

	first, err := h.engine.Run(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.RebuiltLots)

	second, err := h.engine.Run(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, second.RebuiltLots)
	assert.Zero(t, second.ArchivedLots)
	assert.Zero(t, second.OrphanLots)
	assert.Equal(t, first.TrackedQuantity, second.TrackedQuantity)
}

func TestAmbiguousQuantityHalts(t *testing.T) {
	h := newHarness(t)

	// Quantity 12 maps to both level 1 and level 3: no safe assignment.
	_, err := h.broker.SubmitOrder(h.ctx, core.OrderSpec{
		Symbol:     symbol,
		Side:       core.SideSell,
		Quantity:   12,
		Kind:       core.KindLimit,
		LimitPrice: decimal.NewFromFloat(39.00),
	})
	require.NoError(t, err)
	h.broker.SetPosition(symbol, 12, decimal.NewFromFloat(38.61))

	_, err = h.engine.Run(h.ctx)
	require.Error(t, err)

	var ambiguous *apperrors.AmbiguousReconciliationError
	require.ErrorAs(t, err, &ambiguous)
	require.Len(t, ambiguous.Matches, 1)
	assert.Equal(t, int64(12), ambiguous.Matches[0].Quantity)
	assert.Equal(t, []int{1, 3}, ambiguous.Matches[0].CandidateLevels)
	assert.True(t, IsStructuralFault(err))
}

func TestArchivesLotsSoldOffline(t *testing.T) {
	h := newHarness(t)
	lot := h.seedLot(t, 0, 10, 40.00)

	// The sell filled while we were down: it is no longer open.
	require.NoError(t, h.broker.FillOrder(lot.SellOrderID, lot.SellTargetPrice))
	h.broker.SetPosition(symbol, 0, decimal.Zero)

	// Fresh process: ledger state comes only from the store.
	fresh := inventory.NewLedger(h.store, nopLogger{})
	lad, err := ladder.New([]ladder.Entry{{Level: 0, Quantity: 10}, {Level: 1, Quantity: 12}, {Level: 2, Quantity: 15}, {Level: 3, Quantity: 12}}, decimal.NewFromFloat(0.99))
	require.NoError(t, err)
	engine := NewEngine(h.broker, lad, h.store, fresh, &brokerSellPlacer{broker: h.broker}, symbol, profit, nopLogger{})

	report, err := engine.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ArchivedLots)
	assert.Equal(t, int64(0), report.TrackedQuantity)
	assert.True(t, fresh.Empty())
}

func TestOrphanPositionGetsLotAndSell(t *testing.T) {
	h := newHarness(t)

	// Fifteen shares held, nothing tracked, no open orders.
	h.broker.SetPosition(symbol, 15, decimal.NewFromFloat(37.50))

	report, err := h.engine.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanLots)

	// Quantity 15 is level 2's size; the lot lands there at broker avg cost.
	lot, ok := h.ledger.LotAtLevel(2)
	require.True(t, ok)
	assert.Equal(t, int64(15), lot.Quantity)
	assert.True(t, lot.PurchasePrice.Equal(decimal.NewFromFloat(37.50)))
	assert.NotEmpty(t, lot.SellOrderID)

	open, err := h.broker.GetOpenOrders(h.ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.SideSell, open[0].Side)
	assert.True(t, open[0].LimitPrice.Equal(decimal.NewFromFloat(37.88)), "got %s", open[0].LimitPrice)
}

func TestOrphanWithNoMatchingLevelHalts(t *testing.T) {
	h := newHarness(t)

	// Seven shares match no ladder quantity.
	h.broker.SetPosition(symbol, 7, decimal.NewFromFloat(37.50))

	_, err := h.engine.Run(h.ctx)
	require.Error(t, err)
	assert.True(t, IsStructuralFault(err))
}

func TestMissingSharesHalt(t *testing.T) {
	h := newHarness(t)
	h.seedLot(t, 0, 10, 40.00)

	// Tracked shares vanished from the account with the sell still open.
	h.broker.SetPosition(symbol, 0, decimal.Zero)

	_, err := h.engine.Run(h.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds broker position")
}
