// Package mock provides in-memory stand-ins for the broker and the market
// data feed. They back paper trading mode and the test suites.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// PaperBroker implements core.IBroker entirely in memory. Orders rest until
// a price crosses them (ProcessPrice) or a test fills them directly
// (FillOrder).
type PaperBroker struct {
	name string

	mu             sync.RWMutex
	orders         map[string]*core.Order
	clientOrderMap map[string]string
	orderSeq       int64
	position       map[string]*core.Position

	fillMu       sync.Mutex
	fillCallback func(*core.Fill)

	// Fault injection for tests.
	submitErr error
	getErr    error
}

func NewPaperBroker(name string) *PaperBroker {
	return &PaperBroker{
		name:           name,
		orders:         make(map[string]*core.Order),
		clientOrderMap: make(map[string]string),
		orderSeq:       1000,
		position:       make(map[string]*core.Position),
	}
}

func (b *PaperBroker) GetName() string {
	return b.name
}

func (b *PaperBroker) CheckHealth(ctx context.Context) error {
	return nil
}

// SetSubmitError makes subsequent SubmitOrder calls fail with err.
func (b *PaperBroker) SetSubmitError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = err
}

// SetGetOrderError makes subsequent GetOrder calls fail with err.
func (b *PaperBroker) SetGetOrderError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getErr = err
}

func (b *PaperBroker) SubmitOrder(ctx context.Context, spec core.OrderSpec) (*core.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.submitErr != nil {
		return nil, b.submitErr
	}

	// Same client order id returns the same order.
	if spec.ClientOrderID != "" {
		if id, ok := b.clientOrderMap[spec.ClientOrderID]; ok {
			if existing, ok := b.orders[id]; ok {
				return cloneOrder(existing), nil
			}
		}
	}

	b.orderSeq++
	order := &core.Order{
		ID:            fmt.Sprintf("PB-%d", b.orderSeq),
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Kind:          spec.Kind,
		Quantity:      spec.Quantity,
		LimitPrice:    spec.LimitPrice,
		TriggerPrice:  spec.TriggerPrice,
		TimeInForce:   spec.TimeInForce,
		ExtendedHours: spec.ExtendedHours,
		Status:        core.StatusNew,
		UpdatedAt:     time.Now(),
	}
	b.orders[order.ID] = order
	if spec.ClientOrderID != "" {
		b.clientOrderMap[spec.ClientOrderID] = order.ID
	}
	return cloneOrder(order), nil
}

func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		return nil
	}
	order.Status = core.StatusCanceled
	order.UpdatedAt = time.Now()
	return nil
}

func (b *PaperBroker) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.getErr != nil {
		return nil, b.getErr
	}
	order, ok := b.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (b *PaperBroker) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var open []*core.Order
	for _, o := range b.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			open = append(open, cloneOrder(o))
		}
	}
	return open, nil
}

func (b *PaperBroker) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pos, ok := b.position[symbol]; ok {
		clone := *pos
		return &clone, nil
	}
	return &core.Position{Symbol: symbol}, nil
}

// SetPosition overrides the broker-held position, for reconciliation tests.
func (b *PaperBroker) SetPosition(symbol string, qty int64, avgCost decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.position[symbol] = &core.Position{Symbol: symbol, Quantity: qty, AvgCost: avgCost}
}

func (b *PaperBroker) StartFillStream(ctx context.Context, callback func(*core.Fill)) error {
	b.fillMu.Lock()
	defer b.fillMu.Unlock()
	b.fillCallback = callback
	return nil
}

func (b *PaperBroker) StopFillStream() error {
	b.fillMu.Lock()
	defer b.fillMu.Unlock()
	b.fillCallback = nil
	return nil
}

// FillOrder marks an order filled at price and emits the fill notification.
func (b *PaperBroker) FillOrder(orderID string, price decimal.Decimal) error {
	b.mu.Lock()
	order, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return apperrors.ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		b.mu.Unlock()
		return fmt.Errorf("order %s already terminal: %s", orderID, order.Status)
	}
	order.Status = core.StatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = price
	order.UpdatedAt = time.Now()
	b.applyFillLocked(order, price)
	fill := &core.Fill{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    price,
		At:       order.UpdatedAt,
	}
	b.mu.Unlock()

	b.emit(fill)
	return nil
}

// ProcessPrice fills any resting order the price has crossed: buys at or
// below the print, sells at or above it. Trigger orders activate at their
// trigger and fill at their limit. Every order a single print crosses goes
// terminal together, then the fills stream out back to back, so a burst
// through several levels looks the same as it does at a real broker.
func (b *PaperBroker) ProcessPrice(price decimal.Decimal) {
	now := time.Now()

	b.mu.Lock()
	var fills []*core.Fill
	for _, o := range b.orders {
		if o.Status.IsTerminal() {
			continue
		}
		threshold := o.LimitPrice
		if o.Kind == core.KindTriggerLimit {
			threshold = o.TriggerPrice
		}
		crossed := false
		switch o.Side {
		case core.SideBuy:
			crossed = price.LessThanOrEqual(threshold)
		case core.SideSell:
			crossed = price.GreaterThanOrEqual(threshold)
		}
		if !crossed {
			continue
		}
		// Fills happen at the limit, conservative for both sides.
		o.Status = core.StatusFilled
		o.FilledQty = o.Quantity
		o.AvgFillPrice = o.LimitPrice
		o.UpdatedAt = now
		b.applyFillLocked(o, o.LimitPrice)
		fills = append(fills, &core.Fill{
			OrderID:  o.ID,
			Symbol:   o.Symbol,
			Side:     o.Side,
			Quantity: o.Quantity,
			Price:    o.LimitPrice,
			At:       now,
		})
	}
	b.mu.Unlock()

	for _, fill := range fills {
		b.emit(fill)
	}
}

func (b *PaperBroker) applyFillLocked(order *core.Order, price decimal.Decimal) {
	pos, ok := b.position[order.Symbol]
	if !ok {
		pos = &core.Position{Symbol: order.Symbol}
		b.position[order.Symbol] = pos
	}
	if order.Side == core.SideBuy {
		oldQty := decimal.NewFromInt(pos.Quantity)
		addQty := decimal.NewFromInt(order.Quantity)
		newQty := oldQty.Add(addQty)
		if newQty.IsPositive() {
			pos.AvgCost = pos.AvgCost.Mul(oldQty).Add(price.Mul(addQty)).Div(newQty).Round(4)
		}
		pos.Quantity += order.Quantity
	} else {
		pos.Quantity -= order.Quantity
		if pos.Quantity <= 0 {
			pos.Quantity = 0
			pos.AvgCost = decimal.Zero
		}
	}
}

func (b *PaperBroker) emit(fill *core.Fill) {
	b.fillMu.Lock()
	cb := b.fillCallback
	b.fillMu.Unlock()
	if cb != nil {
		cb(fill)
	}
}

func cloneOrder(o *core.Order) *core.Order {
	clone := *o
	return &clone
}
