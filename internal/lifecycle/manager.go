// Package lifecycle drives orders to a terminal outcome with bounded waiting.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds AwaitTerminal when the caller passes zero.
	DefaultTimeout = 120 * time.Second
	// DefaultPollInterval is the broker status poll cadence.
	DefaultPollInterval = 2 * time.Second
)

// AlertFunc escalates a cancel-confirmation failure to an operator.
type AlertFunc func(title, message string)

// Manager implements core.ILifecycleManager on top of a broker client.
type Manager struct {
	broker core.IBroker
	logger core.ILogger

	rateLimiter  *rate.Limiter
	pollInterval time.Duration
	alert        AlertFunc

	submitExec failsafe.Executor[*core.Order]
	cancelExec failsafe.Executor[any]

	placedCounter   metric.Int64Counter
	timedOutCounter metric.Int64Counter
}

// NewManager creates a lifecycle manager. alert may be nil.
func NewManager(broker core.IBroker, logger core.ILogger, alert AlertFunc) *Manager {
	submitRetry := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return err != nil && apperrors.IsTransient(err)
		}).
		WithBackoff(500*time.Millisecond, 10*time.Second).
		WithMaxRetries(3).
		Build()

	submitBreaker := circuitbreaker.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return err != nil && apperrors.IsTransient(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	cancelRetry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && apperrors.IsTransient(err)
		}).
		WithBackoff(500*time.Millisecond, 10*time.Second).
		WithMaxRetries(3).
		Build()

	meter := telemetry.GetMeter("lifecycle")
	placedCounter, _ := meter.Int64Counter("lifecycle_submissions_total",
		metric.WithDescription("Total order submissions"))
	timedOutCounter, _ := meter.Int64Counter("lifecycle_timeouts_total",
		metric.WithDescription("Total order waits that ended in timeout"))

	return &Manager{
		broker:          broker,
		logger:          logger.WithField("component", "lifecycle"),
		rateLimiter:     rate.NewLimiter(rate.Limit(10), 15),
		pollInterval:    DefaultPollInterval,
		alert:           alert,
		submitExec:      failsafe.With[*core.Order](submitRetry, submitBreaker),
		cancelExec:      failsafe.With[any](cancelRetry),
		placedCounter:   placedCounter,
		timedOutCounter: timedOutCounter,
	}
}

// SetPollInterval overrides the status poll cadence (tests).
func (m *Manager) SetPollInterval(d time.Duration) {
	m.pollInterval = d
}

// Submit stamps a client order ID and places the order, retrying transient
// broker faults with backoff. A non-nil return means the broker accepted it.
func (m *Manager) Submit(ctx context.Context, spec core.OrderSpec) (*core.Order, error) {
	if err := m.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	if spec.ClientOrderID == "" {
		spec.ClientOrderID = uuid.NewString()
	}

	order, err := m.submitExec.Get(func() (*core.Order, error) {
		return m.broker.SubmitOrder(ctx, spec)
	})
	if err != nil {
		m.logger.Error("Order submission failed",
			"symbol", spec.Symbol,
			"side", spec.Side,
			"kind", spec.Kind,
			"error", err.Error())
		return nil, err
	}

	m.placedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", string(spec.Side)),
		attribute.String("kind", string(spec.Kind)),
	))
	m.logger.Info("Order submitted",
		"order_id", order.ID,
		"side", spec.Side,
		"kind", spec.Kind,
		"qty", spec.Quantity,
		"limit", spec.LimitPrice,
		"trigger", spec.TriggerPrice)
	return order, nil
}

// AwaitTerminal polls the broker until the order reaches a terminal status or
// the timeout elapses. On timeout the order is cancelled before returning, so
// callers may treat TimedOut as "not filled, no longer live". Partial fills
// are non-terminal and keep the wait alive. A broker link drop surfaces as
// ErrConnectionLost without cancelling: the order may still be live.
func (m *Manager) AwaitTerminal(ctx context.Context, orderID string, timeout time.Duration) (core.TerminalResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		order, err := m.broker.GetOrder(ctx, orderID)
		if err != nil {
			if apperrors.IsTransient(err) {
				m.logger.Error("Broker link lost while waiting on order", "order_id", orderID, "error", err.Error())
				return core.TerminalResult{}, fmt.Errorf("await %s: %w", orderID, apperrors.ErrConnectionLost)
			}
			return core.TerminalResult{}, fmt.Errorf("await %s: %w", orderID, err)
		}

		switch order.Status {
		case core.StatusFilled:
			return core.TerminalResult{
				Status:    core.TerminalFilled,
				FillPrice: order.AvgFillPrice,
				FilledQty: order.FilledQty,
			}, nil
		case core.StatusCanceled, core.StatusRejected:
			return core.TerminalResult{Status: core.TerminalCanceled}, nil
		case core.StatusPartiallyFilled:
			m.logger.Debug("Order partially filled, still waiting",
				"order_id", orderID, "filled", order.FilledQty, "total", order.Quantity)
		}

		if time.Now().After(deadline) {
			return m.timeOut(ctx, orderID, order.FilledQty)
		}

		select {
		case <-ctx.Done():
			return core.TerminalResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel issues a cancellation with retry on transient faults. A broker-side
// "not found" after a fill race is not an error for callers.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	err := m.cancelExec.Run(func() error {
		return m.broker.CancelOrder(ctx, orderID)
	})
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	return nil
}

// timeOut cancels the order and confirms it is no longer live. Confirmation
// failure escalates to the operator instead of blocking the engine.
func (m *Manager) timeOut(ctx context.Context, orderID string, partialQty int64) (core.TerminalResult, error) {
	m.logger.Error("Order wait timed out, cancelling", "order_id", orderID, "partial_qty", partialQty)
	m.timedOutCounter.Add(ctx, 1)

	if err := m.Cancel(ctx, orderID); err != nil {
		m.escalate(orderID, fmt.Sprintf("cancel after timeout failed: %v", err))
		return core.TerminalResult{Status: core.TerminalTimedOut}, fmt.Errorf("%w: %s", apperrors.ErrTimedOut, orderID)
	}

	// The cancel can race a fill; prefer the broker's final word.
	order, err := m.broker.GetOrder(ctx, orderID)
	if err == nil {
		switch order.Status {
		case core.StatusFilled:
			m.logger.Warn("Order filled during timeout cancel", "order_id", orderID)
			return core.TerminalResult{
				Status:    core.TerminalFilled,
				FillPrice: order.AvgFillPrice,
				FilledQty: order.FilledQty,
			}, nil
		case core.StatusCanceled, core.StatusRejected:
			// confirmed dead
		default:
			m.escalate(orderID, fmt.Sprintf("order still %s after cancel", order.Status))
		}
	}

	return core.TerminalResult{Status: core.TerminalTimedOut, FilledQty: partialQty}, nil
}

func (m *Manager) escalate(orderID, msg string) {
	m.logger.Error("Cancel confirmation failed", "order_id", orderID, "detail", msg)
	if m.alert != nil {
		m.alert("Cancel confirmation failed", fmt.Sprintf("order %s: %s", orderID, msg))
	}
}

var _ core.ILifecycleManager = (*Manager)(nil)
