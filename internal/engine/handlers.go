package engine

import (
	"context"
	"fmt"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// entryLevel is the rung bought with a marketable limit when inventory is
// empty. All deeper rungs are bought with trigger orders.
const entryLevel = 0

// handleBuyFill records the lot, places its profit-take sell and refills the
// buy queue. Runs to completion before the worker picks up the next event.
func (e *Engine) handleBuyFill(ctx context.Context, fill *core.Fill) error {
	for _, lot := range e.ledger.OpenLots() {
		if lot.BuyOrderID == fill.OrderID {
			e.logger.Warn("Duplicate buy fill notification, ignoring", "order_id", fill.OrderID)
			return nil
		}
	}

	level, ok := e.levelForBuy(fill.OrderID)
	if !ok {
		// Back-to-back fills rotate the queue before the second event is
		// drained, so the second order id is already gone when its fill
		// arrives. The fill is still real money: assign it by quantity,
		// the same mapping reconciliation uses for orphaned shares.
		level, ok = e.levelForUntrackedBuy(fill)
		if !ok {
			e.logger.Warn("Fill for unresolvable buy order, scheduling reconciliation",
				"order_id", fill.OrderID, "qty", fill.Quantity, "price", fill.Price)
			e.TriggerReconcile()
			return nil
		}
		e.logger.Warn("Untracked buy fill assigned by quantity",
			"order_id", fill.OrderID, "level", level, "qty", fill.Quantity)
	}
	if _, exists := e.ledger.LotAtLevel(level); exists {
		e.logger.Warn("Duplicate buy fill for level, ignoring",
			"level", level, "order_id", fill.OrderID)
		return nil
	}

	lot := core.NewLot(level, fill.Quantity, fill.Price, e.cfg.ProfitRatio, fill.OrderID)
	if err := e.ledger.Add(ctx, lot); err != nil {
		return fmt.Errorf("record lot for level %d: %w", level, err)
	}
	telemetry.GetGlobalMetrics().RecordFill(ctx, "buy")
	e.logger.Info("Buy filled",
		"level", level, "qty", fill.Quantity, "price", fill.Price,
		"sell_target", lot.SellTargetPrice)

	if fill.OrderID == e.entryOrderID {
		e.entryOrderID = ""
	}
	e.queue.Remove(fill.OrderID)
	delete(e.watched, fill.OrderID)

	// The sell goes out even when halted: it reduces exposure rather than
	// adding to it. If placement fails the poll sweep repairs the gap.
	sellID, err := e.PlaceSell(ctx, lot)
	if err != nil {
		return fmt.Errorf("place profit-take sell for level %d: %w", level, err)
	}
	if err := e.ledger.AttachSell(ctx, lot, sellID); err != nil {
		return err
	}

	if e.halted.Load() {
		e.logger.Warn("Halted, skipping buy queue refill", "level", level)
		e.refreshGauges()
		return nil
	}
	if err := e.queue.Rebuild(ctx, fill.OrderID); err != nil {
		return err
	}
	e.armWatches(ctx)
	return nil
}

// handleSellFill closes the lot behind a filled profit-take sell.
func (e *Engine) handleSellFill(ctx context.Context, fill *core.Fill) error {
	lot, ok := e.ledger.LotBySellOrder(fill.OrderID)
	if !ok {
		e.logger.Warn("Fill for untracked sell order, ignoring", "order_id", fill.OrderID)
		return nil
	}

	if err := e.ledger.Archive(ctx, lot, fill.Quantity, fill.Price, fill.At); err != nil {
		return err
	}
	telemetry.GetGlobalMetrics().RecordFill(ctx, "sell")

	profit := fill.Price.Sub(lot.PurchasePrice).Mul(decimal.NewFromInt(fill.Quantity))
	e.logger.Info("Sell filled, lot closed",
		"level", lot.Level, "qty", fill.Quantity, "price", fill.Price, "profit", profit)

	e.refreshGauges()
	return nil
}

// handleTick opens the grid when inventory is empty: a marketable limit a
// small buffer above the last price, flagged for extended hours.
func (e *Engine) handleTick(ctx context.Context, tick *core.PriceTick) error {
	if e.halted.Load() || !e.ledger.Empty() || e.entryOrderID != "" {
		return nil
	}

	qty, err := e.ladder.QuantityFor(entryLevel)
	if err != nil {
		return err
	}
	one := decimal.NewFromInt(1)
	limit := tick.Price.Mul(one.Add(e.cfg.EntryBuffer)).Round(2)

	order, err := e.lifecycle.Submit(ctx, core.OrderSpec{
		Symbol:        e.cfg.Symbol,
		Side:          core.SideBuy,
		Quantity:      qty,
		Kind:          core.KindLimit,
		LimitPrice:    limit,
		TimeInForce:   core.TIFDay,
		ExtendedHours: true,
	})
	if err != nil {
		return fmt.Errorf("place entry buy: %w", err)
	}

	e.entryOrderID = order.ID
	e.logger.Info("Entry buy placed",
		"qty", qty, "limit", limit, "last", tick.Price, "order_id", order.ID)
	e.watchOrder(ctx, order.ID, e.cfg.EntryTimeout)
	return nil
}

// handleRequeue replaces an order that died without filling. The level is
// retried, never skipped.
func (e *Engine) handleRequeue(ctx context.Context, orderID string) error {
	delete(e.watched, orderID)

	if orderID == e.entryOrderID {
		// Next tick retries the entry at a fresh price.
		e.entryOrderID = ""
		return nil
	}

	if e.halted.Load() {
		e.logger.Warn("Halted, not replacing dead order", "order_id", orderID)
		return nil
	}
	if err := e.queue.Resubmit(ctx, orderID); err != nil {
		return err
	}
	e.armWatches(ctx)
	return nil
}

// handlePoll is the safety net behind the fill stream: it re-reads the status
// of every working order so a dropped notification cannot strand the grid.
func (e *Engine) handlePoll(ctx context.Context) error {
	for _, q := range e.queue.Queue() {
		order, err := e.broker.GetOrder(ctx, q.OrderID)
		if err != nil {
			if apperrors.IsTransient(err) {
				e.logger.Warn("Status poll failed, will retry", "order_id", q.OrderID, "error", err)
				return nil
			}
			return err
		}
		switch order.Status {
		case core.StatusFilled:
			e.logger.Warn("Poll found filled buy the stream missed", "order_id", q.OrderID)
			if err := e.handleBuyFill(ctx, fillFromOrder(order)); err != nil {
				return err
			}
		case core.StatusCanceled, core.StatusRejected:
			if err := e.handleRequeue(ctx, q.OrderID); err != nil {
				return err
			}
		}
	}

	for _, lot := range e.ledger.OpenLots() {
		if lot.SellOrderID == "" {
			// A fill was recorded but the sell never made it out. Repair.
			e.logger.Warn("Open lot without sell order, repairing", "level", lot.Level)
			sellID, err := e.PlaceSell(ctx, lot)
			if err != nil {
				return err
			}
			if err := e.ledger.AttachSell(ctx, lot, sellID); err != nil {
				return err
			}
			continue
		}

		order, err := e.broker.GetOrder(ctx, lot.SellOrderID)
		if err != nil {
			if apperrors.IsTransient(err) {
				return nil
			}
			return err
		}
		if order.Status == core.StatusFilled {
			e.logger.Warn("Poll found filled sell the stream missed", "order_id", lot.SellOrderID)
			if err := e.handleSellFill(ctx, fillFromOrder(order)); err != nil {
				return err
			}
		}
	}

	e.refreshGauges()
	return nil
}

// handleReconcile runs an on-demand reconciliation pass inside the worker's
// serialized section. A clean pass clears a halt and rebuilds the buy queue
// from the reconciled state; re-running against an unchanged broker is a
// no-op apart from the rebuild.
func (e *Engine) handleReconcile(ctx context.Context) error {
	if e.reconcile == nil {
		return nil
	}
	if err := e.reconcile(ctx); err != nil {
		return err
	}
	if e.halted.Swap(false) {
		e.logger.Info("Reconciliation pass clean, resuming placements")
	}
	if err := e.queue.Rebuild(ctx, ""); err != nil {
		return err
	}
	e.armWatches(ctx)
	e.refreshGauges()
	return nil
}

// PlaceSell submits the GTC profit-take sell for a lot and returns the
// broker order id.
func (e *Engine) PlaceSell(ctx context.Context, lot *core.Lot) (string, error) {
	order, err := e.lifecycle.Submit(ctx, core.OrderSpec{
		Symbol:        e.cfg.Symbol,
		Side:          core.SideSell,
		Quantity:      lot.Quantity,
		Kind:          core.KindLimit,
		LimitPrice:    lot.SellTargetPrice,
		TimeInForce:   core.TIFGTC,
		ExtendedHours: true,
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("Profit-take sell placed",
		"level", lot.Level, "qty", lot.Quantity, "limit", lot.SellTargetPrice,
		"order_id", order.ID)
	return order.ID, nil
}

func (e *Engine) levelForBuy(orderID string) (int, bool) {
	for _, q := range e.queue.Queue() {
		if q.OrderID == orderID {
			return q.Level, true
		}
	}
	if orderID == e.entryOrderID {
		return entryLevel, true
	}
	return 0, false
}

// levelForUntrackedBuy maps a fill whose order id the queue no longer knows
// to the lowest unclaimed ladder level with a matching quantity.
func (e *Engine) levelForUntrackedBuy(fill *core.Fill) (int, bool) {
	for _, level := range e.ladder.LevelsForQuantity(fill.Quantity) {
		if _, held := e.ledger.LotAtLevel(level); !held {
			return level, true
		}
	}
	return 0, false
}

// armWatches starts a bounded wait for every queued buy that does not have
// one yet.
func (e *Engine) armWatches(ctx context.Context) {
	for _, q := range e.queue.Queue() {
		if _, ok := e.watched[q.OrderID]; ok {
			continue
		}
		e.watchOrder(ctx, q.OrderID, e.cfg.ConditionalTimeout)
	}
}

// watchOrder waits for the order to reach a terminal state on a pool worker.
// A cancel or timeout comes back as a requeue event; fills arrive through
// the fill stream instead. Lost connectivity re-arms the wait, it never
// cancels the order.
func (e *Engine) watchOrder(ctx context.Context, orderID string, timeout time.Duration) {
	e.watched[orderID] = struct{}{}
	err := e.watchPool.Submit(func() {
		for {
			res, err := e.lifecycle.AwaitTerminal(ctx, orderID, timeout)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if apperrors.IsTransient(err) {
					e.logger.Warn("Lost connection while watching order, retrying",
						"order_id", orderID, "error", err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
					}
					continue
				}
				e.logger.Error("Order watch failed", "order_id", orderID, "error", err)
				return
			}

			switch res.Status {
			case core.TerminalCanceled, core.TerminalTimedOut:
				e.requeue(orderID)
			}
			return
		}
	})
	if err != nil {
		e.logger.Error("Could not schedule order watch", "order_id", orderID, "error", err)
	}
}

func (e *Engine) refreshGauges() {
	telemetry.GetGlobalMetrics().SetInventoryGauges(
		int64(len(e.ledger.OpenLots())),
		int64(len(e.queue.Queue())),
		int64(e.ledger.NextLevel()),
	)
}

func fillFromOrder(o *core.Order) *core.Fill {
	return &core.Fill{
		OrderID:  o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.FilledQty,
		Price:    o.AvgFillPrice,
		At:       o.UpdatedAt,
	}
}
