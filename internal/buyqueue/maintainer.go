// Package buyqueue keeps a fixed-depth pipeline of price-chained conditional
// buy orders outstanding ahead of the next grid level.
package buyqueue

import (
	"context"
	"fmt"

	"gridbot/internal/core"
	"gridbot/internal/inventory"
	"gridbot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// QueuedBuy is one outstanding conditional buy order.
type QueuedBuy struct {
	Level        int
	OrderID      string
	TriggerPrice decimal.Decimal
	Quantity     int64
}

// Maintainer owns the pending-buy queue. All methods must run inside the
// engine's serialized section.
type Maintainer struct {
	lifecycle core.ILifecycleManager
	broker    core.IBroker
	ladder    core.ILadder
	ledger    *inventory.Ledger
	symbol    string
	depth     int
	logger    core.ILogger

	queue []QueuedBuy
}

// NewMaintainer creates a maintainer with the given queue depth.
func NewMaintainer(
	lifecycle core.ILifecycleManager,
	broker core.IBroker,
	ladder core.ILadder,
	ledger *inventory.Ledger,
	symbol string,
	depth int,
	logger core.ILogger,
) *Maintainer {
	return &Maintainer{
		lifecycle: lifecycle,
		broker:    broker,
		ladder:    ladder,
		ledger:    ledger,
		symbol:    symbol,
		depth:     depth,
		logger:    logger.WithField("component", "buy_queue"),
	}
}

// Queue returns a snapshot of the outstanding conditional buys, lowest level
// first.
func (m *Maintainer) Queue() []QueuedBuy {
	out := make([]QueuedBuy, len(m.queue))
	copy(out, m.queue)
	return out
}

// Depth returns the configured queue depth.
func (m *Maintainer) Depth() int {
	return m.depth
}

// Contains reports whether orderID is a queued buy.
func (m *Maintainer) Contains(orderID string) bool {
	for _, q := range m.queue {
		if q.OrderID == orderID {
			return true
		}
	}
	return false
}

// Rebuild cancels stale open buy orders (except excludeOrderID, typically the
// order whose fill triggered the rebuild) and re-places the queue: depth
// conditional orders for the levels above next_level, triggers chained from
// the actual fill price of the highest open lot.
//
// Rebuilding rather than patching keeps the whole chain anchored to realized
// fill prices and makes restarts and refills the same code path.
func (m *Maintainer) Rebuild(ctx context.Context, excludeOrderID string) error {
	refPrice, ok := m.ledger.ReferencePrice()
	if !ok {
		// Empty inventory: level 0 has not filled, nothing to chain from.
		m.queue = nil
		m.updateGauge()
		return nil
	}

	if err := m.sweepStaleBuys(ctx, excludeOrderID); err != nil {
		return err
	}
	m.queue = nil

	trigger := refPrice
	nextLevel := m.ledger.NextLevel()
	for i := 0; i < m.depth; i++ {
		level := nextLevel + i
		if level >= m.ladder.Size() {
			m.logger.Info("Reached end of the ladder", "level", level)
			break
		}

		trigger = m.ladder.NextTrigger(trigger)
		if trigger.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("buy queue: invalid trigger price %s for level %d", trigger, level)
		}

		if err := m.placeConditional(ctx, level, trigger); err != nil {
			return err
		}
	}

	m.updateGauge()
	return nil
}

// Resubmit replaces a queued buy that was cancelled or timed out with a fresh
// order at the same level and the same chained trigger. Levels are never
// skipped.
func (m *Maintainer) Resubmit(ctx context.Context, orderID string) error {
	for i, q := range m.queue {
		if q.OrderID != orderID {
			continue
		}

		m.logger.Warn("Queued buy no longer live, resubmitting at same level",
			"level", q.Level, "old_order_id", orderID)

		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		if err := m.placeConditional(ctx, q.Level, q.TriggerPrice); err != nil {
			return err
		}
		m.updateGauge()
		return nil
	}
	// Unknown order: already replaced or filled. Nothing to do.
	return nil
}

// Remove drops a filled order from the queue without replacing it; the
// caller follows up with Rebuild.
func (m *Maintainer) Remove(orderID string) {
	for i, q := range m.queue {
		if q.OrderID == orderID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.updateGauge()
}

// sweepStaleBuys cancels any open buy orders on the instrument other than the
// one excluded. Prevents duplicate queue entries after a restart or refill.
func (m *Maintainer) sweepStaleBuys(ctx context.Context, excludeOrderID string) error {
	open, err := m.broker.GetOpenOrders(ctx, m.symbol)
	if err != nil {
		return fmt.Errorf("buy queue: list open orders: %w", err)
	}

	for _, o := range open {
		if o.Side != core.SideBuy || o.ID == excludeOrderID {
			continue
		}
		m.logger.Warn("Cancelling stale buy order", "order_id", o.ID, "kind", o.Kind)
		if err := m.lifecycle.Cancel(ctx, o.ID); err != nil {
			return fmt.Errorf("buy queue: cancel stale buy %s: %w", o.ID, err)
		}
	}
	return nil
}

func (m *Maintainer) placeConditional(ctx context.Context, level int, trigger decimal.Decimal) error {
	qty, err := m.ladder.QuantityFor(level)
	if err != nil {
		return err
	}

	// Trigger-limit with limit == trigger: no slippage buffer past level 0.
	order, err := m.lifecycle.Submit(ctx, core.OrderSpec{
		Symbol:        m.symbol,
		Side:          core.SideBuy,
		Quantity:      qty,
		Kind:          core.KindTriggerLimit,
		LimitPrice:    trigger,
		TriggerPrice:  trigger,
		TimeInForce:   core.TIFGTC,
		ExtendedHours: true,
	})
	if err != nil {
		return fmt.Errorf("buy queue: place level %d: %w", level, err)
	}

	m.insert(QueuedBuy{
		Level:        level,
		OrderID:      order.ID,
		TriggerPrice: trigger,
		Quantity:     qty,
	})
	m.logger.Info("Conditional buy queued",
		"level", level, "qty", qty, "trigger", trigger, "order_id", order.ID)
	return nil
}

// insert keeps the queue sorted by level ascending.
func (m *Maintainer) insert(q QueuedBuy) {
	for i, existing := range m.queue {
		if q.Level < existing.Level {
			m.queue = append(m.queue[:i], append([]QueuedBuy{q}, m.queue[i:]...)...)
			return
		}
	}
	m.queue = append(m.queue, q)
}

func (m *Maintainer) updateGauge() {
	telemetry.GetGlobalMetrics().SetInventoryGauges(
		int64(len(m.ledger.OpenLots())),
		int64(len(m.queue)),
		int64(m.ledger.NextLevel()),
	)
}
