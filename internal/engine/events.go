package engine

import "gridbot/internal/core"

// EventType identifies what a broker or timer event carries.
type EventType int

const (
	// EventBuyFill and EventSellFill come from the broker fill stream.
	EventBuyFill EventType = iota
	EventSellFill
	// EventTick is a price update from market data.
	EventTick
	// EventRequeue reports that a working order died without filling and its
	// level needs a replacement order.
	EventRequeue
	// EventPoll is the periodic safety-net status sweep.
	EventPoll
	// EventReconcile is an on-demand reconciliation pass requested by an
	// operator or a desync detector.
	EventReconcile
)

// Event is one unit of work for the engine's single worker. Exactly one of
// the payload fields is set, keyed by Type.
type Event struct {
	Type    EventType
	Fill    *core.Fill
	Tick    *core.PriceTick
	OrderID string
}
