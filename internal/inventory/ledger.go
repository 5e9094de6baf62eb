// Package inventory holds the in-memory view of open lots. The ledger is
// owned by the engine's single serialized unit of work; every mutation is
// written through to the durable store before the memory copy changes.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gridbot/internal/core"

	"github.com/shopspring/decimal"
)

// Ledger indexes open lots by level and by sell order ID.
type Ledger struct {
	store  core.ILotStore
	logger core.ILogger

	mu        sync.RWMutex
	byLevel   map[int]*core.Lot
	bySellOID map[string]*core.Lot
	nextLevel int
}

// NewLedger creates an empty ledger backed by the given store.
func NewLedger(store core.ILotStore, logger core.ILogger) *Ledger {
	return &Ledger{
		store:     store,
		logger:    logger.WithField("component", "ledger"),
		byLevel:   make(map[int]*core.Lot),
		bySellOID: make(map[string]*core.Lot),
	}
}

// Load replaces the in-memory view with the store's open lots. Called by
// reconciliation after the store has been brought in line with the broker.
func (l *Ledger) Load(ctx context.Context) error {
	lots, err := l.store.LoadOpenLots(ctx)
	if err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.byLevel = make(map[int]*core.Lot, len(lots))
	l.bySellOID = make(map[string]*core.Lot, len(lots))
	for _, lot := range lots {
		if existing, ok := l.byLevel[lot.Level]; ok {
			return fmt.Errorf("ledger load: levels collide: %d held by buy orders %s and %s", lot.Level, existing.BuyOrderID, lot.BuyOrderID)
		}
		l.byLevel[lot.Level] = lot
		if lot.SellOrderID != "" {
			l.bySellOID[lot.SellOrderID] = lot
		}
	}
	l.recomputeNextLevelLocked()

	l.logger.Info("Ledger loaded", "open_lots", len(lots), "next_level", l.nextLevel)
	return nil
}

// Add persists a new lot and then adds it to the in-memory view.
func (l *Ledger) Add(ctx context.Context, lot *core.Lot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byLevel[lot.Level]; ok {
		return fmt.Errorf("ledger: level %d already holds an open lot", lot.Level)
	}

	if err := l.store.UpsertLot(ctx, lot); err != nil {
		return fmt.Errorf("ledger add: %w", err)
	}

	l.byLevel[lot.Level] = lot
	if lot.SellOrderID != "" {
		l.bySellOID[lot.SellOrderID] = lot
	}
	l.recomputeNextLevelLocked()
	return nil
}

// AttachSell records the paired sell order on an open lot, store first.
func (l *Ledger) AttachSell(ctx context.Context, lot *core.Lot, sellOrderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.AttachSellOrder(ctx, lot.BuyOrderID, sellOrderID); err != nil {
		return fmt.Errorf("ledger attach sell: %w", err)
	}

	lot.SellOrderID = sellOrderID
	l.bySellOID[sellOrderID] = lot
	return nil
}

// Archive closes a lot whose sell filled and removes it from the live view.
// The store keeps the row with the sell half populated.
func (l *Ledger) Archive(ctx context.Context, lot *core.Lot, sellQty int64, sellPrice decimal.Decimal, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.ArchiveLot(ctx, lot.SellOrderID, sellQty, sellPrice, at); err != nil {
		return fmt.Errorf("ledger archive: %w", err)
	}

	lot.Status = core.LotClosed
	delete(l.byLevel, lot.Level)
	delete(l.bySellOID, lot.SellOrderID)
	// next_level is monotonic: closing a lot never reopens its level.
	return nil
}

// LotAtLevel returns the open lot for a level, if any.
func (l *Ledger) LotAtLevel(level int) (*core.Lot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lot, ok := l.byLevel[level]
	return lot, ok
}

// LotBySellOrder returns the open lot owning a sell order ID, if any.
func (l *Ledger) LotBySellOrder(sellOrderID string) (*core.Lot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lot, ok := l.bySellOID[sellOrderID]
	return lot, ok
}

// OpenLots returns a snapshot of the open lots, lowest level first.
func (l *Ledger) OpenLots() []*core.Lot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	lots := make([]*core.Lot, 0, len(l.byLevel))
	for _, lot := range l.byLevel {
		lots = append(lots, lot)
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].Level < lots[j].Level })
	return lots
}

// TrackedQuantity sums the share quantities of all open lots.
func (l *Ledger) TrackedQuantity() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, lot := range l.byLevel {
		total += lot.Quantity
	}
	return total
}

// Empty reports whether no open lots exist.
func (l *Ledger) Empty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byLevel) == 0
}

// NextLevel returns the next level to be bought.
func (l *Ledger) NextLevel() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextLevel
}

// ReferencePrice returns the actual fill price of the highest open level, the
// base of the conditional-buy trigger chain. ok is false when inventory is
// empty.
func (l *Ledger) ReferencePrice() (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	highest := -1
	var price decimal.Decimal
	for level, lot := range l.byLevel {
		if level > highest {
			highest = level
			price = lot.PurchasePrice
		}
	}
	if highest < 0 {
		return decimal.Decimal{}, false
	}
	return price, true
}

// recomputeNextLevelLocked sets nextLevel to 1+max(open level), clamped so it
// never decreases within a process lifetime.
func (l *Ledger) recomputeNextLevelLocked() {
	next := 0
	for level := range l.byLevel {
		if level+1 > next {
			next = level + 1
		}
	}
	if next > l.nextLevel {
		l.nextLevel = next
	}
}
