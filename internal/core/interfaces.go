// Package core defines the shared data model and collaborator contracts of
// the grid bot.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IBroker is the external order-management system: the single source of truth
// for orders and positions.
type IBroker interface {
	// Identity
	GetName() string
	CheckHealth(ctx context.Context) error

	// Order operations
	SubmitOrder(ctx context.Context, spec OrderSpec) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// Account operations
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// Asynchronous execution notifications, keyed by order ID.
	StartFillStream(ctx context.Context, callback func(fill *Fill)) error
	StopFillStream() error
}

// IMarketData delivers price ticks for the traded instrument. Used only to
// gate the level-0 entry and for informational logging.
type IMarketData interface {
	Start(ctx context.Context) error
	Stop() error
	GetLatestPrice() (decimal.Decimal, error)
	SubscribeTicks() <-chan *PriceTick
}

// ILifecycleManager drives an order to a terminal outcome with bounded
// waiting. AwaitTerminal never returns without either a terminal broker
// status or an explicit cancellation attempt.
type ILifecycleManager interface {
	Submit(ctx context.Context, spec OrderSpec) (*Order, error)
	AwaitTerminal(ctx context.Context, orderID string, timeout time.Duration) (TerminalResult, error)
	Cancel(ctx context.Context, orderID string) error
}

// ILotStore persists lots transactionally. Schema mirrors the Lot fields;
// archived lots keep their row with sell fill details, they are never deleted.
type ILotStore interface {
	UpsertLot(ctx context.Context, lot *Lot) error
	AttachSellOrder(ctx context.Context, buyOrderID, sellOrderID string) error
	ArchiveLot(ctx context.Context, sellOrderID string, sellQty int64, sellPrice decimal.Decimal, at time.Time) error
	LoadOpenLots(ctx context.Context) ([]*Lot, error)
	Close() error
}

// ILadder is the static level table: level -> share quantity, plus the
// compounding trigger rule.
type ILadder interface {
	Size() int
	QuantityFor(level int) (int64, error)
	LevelsForQuantity(qty int64) []int
	NextTrigger(prev decimal.Decimal) decimal.Decimal
}

// ILogger is the project-wide structured logging interface.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
