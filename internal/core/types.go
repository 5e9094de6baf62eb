package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderKind selects the execution style of an order.
type OrderKind string

const (
	// KindLimit is a plain limit order (used marketable for the level-0 entry).
	KindLimit OrderKind = "LIMIT"
	// KindTriggerLimit is a conditional order that activates once price touches
	// the trigger, then executes as a limit order.
	KindTriggerLimit OrderKind = "TRIGGER_LIMIT"
)

// TimeInForce controls order lifetime on the broker side.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
)

// OrderStatus is the broker-reported status of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// TerminalStatus is the outcome the lifecycle manager reports to callers.
// TimedOut means the order did not reach a terminal broker status within the
// deadline and a cancellation has been issued: not filled, no longer live.
type TerminalStatus string

const (
	TerminalFilled   TerminalStatus = "FILLED"
	TerminalCanceled TerminalStatus = "CANCELED"
	TerminalTimedOut TerminalStatus = "TIMED_OUT"
)

// OrderSpec carries everything needed to submit an order.
type OrderSpec struct {
	Symbol        string
	Side          OrderSide
	Quantity      int64
	Kind          OrderKind
	LimitPrice    decimal.Decimal
	TriggerPrice  decimal.Decimal // trigger-limit only
	TimeInForce   TimeInForce
	ExtendedHours bool
	ClientOrderID string
}

// Order is the broker's view of an order.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Kind          OrderKind
	Quantity      int64
	LimitPrice    decimal.Decimal
	TriggerPrice  decimal.Decimal
	TimeInForce   TimeInForce
	ExtendedHours bool
	Status        OrderStatus
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	UpdatedAt     time.Time
}

// Fill is an asynchronous execution notification from the broker.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Quantity int64
	Price    decimal.Decimal
	At       time.Time
}

// Position is the broker's aggregate holding in an instrument.
type Position struct {
	Symbol   string
	Quantity int64
	AvgCost  decimal.Decimal
}

// PriceTick is a market-data quote update.
type PriceTick struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// LotStatus is the lifecycle state of a lot.
type LotStatus string

const (
	// LotPendingBuy: buy order submitted, not yet confirmed filled.
	LotPendingBuy LotStatus = "PENDING_BUY"
	// LotOpen: buy filled; sell order may or may not be attached yet.
	LotOpen LotStatus = "OPEN"
	// LotClosed: paired sell filled; the lot is archived.
	LotClosed LotStatus = "CLOSED"
)

// Lot is one unit of inventory: a filled buy at a grid level paired with
// exactly one profit-take sell order.
type Lot struct {
	Level           int
	Quantity        int64
	PurchasePrice   decimal.Decimal
	SellTargetPrice decimal.Decimal
	BuyOrderID      string
	SellOrderID     string // empty until the sell is accepted
	Status          LotStatus
	OpenedAt        time.Time
}

// NewLot builds an OPEN lot from a confirmed buy fill. profitRatio is the
// fractional profit target (0.01 for +1%); the sell target is rounded to
// cents, mirroring how the broker quotes equities.
func NewLot(level int, quantity int64, purchasePrice decimal.Decimal, profitRatio decimal.Decimal, buyOrderID string) *Lot {
	target := purchasePrice.Mul(decimal.NewFromInt(1).Add(profitRatio)).Round(2)
	return &Lot{
		Level:           level,
		Quantity:        quantity,
		PurchasePrice:   purchasePrice,
		SellTargetPrice: target,
		BuyOrderID:      buyOrderID,
		Status:          LotOpen,
		OpenedAt:        time.Now().UTC(),
	}
}

// TerminalResult is what AwaitTerminal reports. FillPrice and FilledQty carry
// the actual execution values, never the requested ones; downstream trigger
// chaining depends on that.
type TerminalResult struct {
	Status    TerminalStatus
	FillPrice decimal.Decimal
	FilledQty int64
}
