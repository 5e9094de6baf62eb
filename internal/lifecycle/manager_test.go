package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/mock"
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

func buySpec() core.OrderSpec {
	return core.OrderSpec{
		Symbol:     "TQQQ",
		Side:       core.SideBuy,
		Quantity:   10,
		Kind:       core.KindLimit,
		LimitPrice: decimal.NewFromFloat(50.00),
	}
}

func newTestManager(t *testing.T) (*Manager, *mock.PaperBroker) {
	t.Helper()
	broker := mock.NewPaperBroker("test")
	m := NewManager(broker, nopLogger{}, nil)
	m.SetPollInterval(5 * time.Millisecond)
	return m, broker
}

func TestSubmitStampsClientOrderID(t *testing.T) {
	m, _ := newTestManager(t)

	order, err := m.Submit(context.Background(), buySpec())
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.NotEmpty(t, order.ClientOrderID)
}

func TestAwaitTerminalFilled(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	order, err := m.Submit(ctx, buySpec())
	require.NoError(t, err)

	fillPrice := decimal.NewFromFloat(49.97)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = broker.FillOrder(order.ID, fillPrice)
	}()

	res, err := m.AwaitTerminal(ctx, order.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.TerminalFilled, res.Status)
	assert.True(t, res.FillPrice.Equal(fillPrice), "got %s", res.FillPrice)
	assert.Equal(t, int64(10), res.FilledQty)
}

func TestAwaitTerminalTimeoutCancelsOrder(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	order, err := m.Submit(ctx, buySpec())
	require.NoError(t, err)

	res, err := m.AwaitTerminal(ctx, order.ID, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, core.TerminalTimedOut, res.Status)

	// The timed-out order must not be left working at the broker.
	got, err := broker.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, got.Status)
}

func TestAwaitTerminalExternalCancel(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	order, err := m.Submit(ctx, buySpec())
	require.NoError(t, err)
	require.NoError(t, broker.CancelOrder(ctx, order.ID))

	res, err := m.AwaitTerminal(ctx, order.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.TerminalCanceled, res.Status)
}

func TestAwaitTerminalConnectionLostLeavesOrderAlone(t *testing.T) {
	m, broker := newTestManager(t)
	ctx := context.Background()

	order, err := m.Submit(ctx, buySpec())
	require.NoError(t, err)

	broker.SetGetOrderError(fmt.Errorf("dial tcp: %w", apperrors.ErrNetwork))
	_, err = m.AwaitTerminal(ctx, order.ID, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConnectionLost))

	// The order stays live: a link drop is not a reason to cancel.
	broker.SetGetOrderError(nil)
	got, err := broker.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusNew, got.Status)
}

func TestCancelToleratesUnknownOrder(t *testing.T) {
	m, _ := newTestManager(t)
	assert.NoError(t, m.Cancel(context.Background(), "never-existed"))
}
