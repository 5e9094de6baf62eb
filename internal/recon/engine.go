// Package recon rebuilds the inventory ledger from broker-reported truth.
//
// The broker is authoritative: local state can be stale or lost, so startup
// (and any on-demand pass after a detected desync) reconstructs lots from the
// broker's open sell orders and position. The pass is idempotent; running it
// twice against an unchanged broker makes no changes.
package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/inventory"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SellPlacer places the paired profit-take sell for a lot and returns the
// accepted order ID. Implemented by the engine's sell linker.
type SellPlacer interface {
	PlaceSell(ctx context.Context, lot *core.Lot) (string, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	RebuiltLots      int
	ArchivedLots     int
	OrphanLots       int
	RepairedSells    int
	TrackedQuantity  int64
	PositionQuantity int64
	NextLevel        int
	StartedAt        time.Time
	CompletedAt      time.Time
}

// Engine performs reconciliation passes.
type Engine struct {
	broker      core.IBroker
	ladder      core.ILadder
	store       core.ILotStore
	ledger      *inventory.Ledger
	sells       SellPlacer
	symbol      string
	profitRatio decimal.Decimal
	logger      core.ILogger

	lastReport *Report
}

// NewEngine creates a reconciliation engine.
func NewEngine(
	broker core.IBroker,
	ladder core.ILadder,
	store core.ILotStore,
	ledger *inventory.Ledger,
	sells SellPlacer,
	symbol string,
	profitRatio decimal.Decimal,
	logger core.ILogger,
) *Engine {
	return &Engine{
		broker:      broker,
		ladder:      ladder,
		store:       store,
		ledger:      ledger,
		sells:       sells,
		symbol:      symbol,
		profitRatio: profitRatio,
		logger:      logger.WithField("component", "recon"),
	}
}

// LastReport returns the most recent completed report, or nil.
func (e *Engine) LastReport() *Report {
	return e.lastReport
}

// Run executes one full reconciliation pass. It must be called from within
// the engine's serialized section; it mutates the ledger and the store.
//
// A structural inconsistency (ambiguous quantity match, unassignable orphan,
// missing shares) aborts with an error; the caller must halt new order
// placement and alert an operator. Live broker orders are left untouched.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC()}
	e.logger.Info("Starting reconciliation", "symbol", e.symbol)

	meter := telemetry.GetGlobalMetrics()
	if meter.Reconciliations != nil {
		meter.Reconciliations.Add(ctx, 1)
	}

	// 1. Broker truth: open sell orders and current position.
	openOrders, err := e.broker.GetOpenOrders(ctx, e.symbol)
	if err != nil {
		return nil, fmt.Errorf("recon: get open orders: %w", err)
	}
	openSells := make(map[string]*core.Order)
	for _, o := range openOrders {
		if o.Side == core.SideSell {
			openSells[o.ID] = o
		}
	}

	position, err := e.broker.GetPosition(ctx, e.symbol)
	if err != nil {
		return nil, fmt.Errorf("recon: get position: %w", err)
	}
	report.PositionQuantity = position.Quantity
	e.logger.Info("Broker state fetched",
		"open_sell_orders", len(openSells),
		"position_qty", position.Quantity,
		"avg_cost", position.AvgCost)

	// 2. Materialize lots for open sell orders the store does not know.
	stored, err := e.store.LoadOpenLots(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load stored lots: %w", err)
	}
	storedBySell := make(map[string]*core.Lot, len(stored))
	claimedLevels := make(map[int]bool, len(stored))
	for _, lot := range stored {
		if lot.SellOrderID != "" {
			storedBySell[lot.SellOrderID] = lot
		}
		claimedLevels[lot.Level] = true
	}

	var ambiguities []apperrors.AmbiguousMatch
	for id, order := range openSells {
		if _, known := storedBySell[id]; known {
			continue
		}

		candidates := e.unclaimedLevels(order.Quantity, claimedLevels)
		if len(candidates) != 1 {
			ambiguities = append(ambiguities, apperrors.AmbiguousMatch{
				SellOrderID:     id,
				Quantity:        order.Quantity,
				CandidateLevels: candidates,
			})
			continue
		}

		level := candidates[0]
		purchase := order.LimitPrice.Div(decimal.NewFromInt(1).Add(e.profitRatio)).Round(2)
		lot := core.NewLot(level, order.Quantity, purchase, e.profitRatio, "recon-"+id)
		lot.SellOrderID = id
		// Keep the broker's actual limit rather than the recomputed target so a
		// re-run maps the same order back to the same purchase price.
		lot.SellTargetPrice = order.LimitPrice

		if err := e.store.UpsertLot(ctx, lot); err != nil {
			return nil, fmt.Errorf("recon: persist rebuilt lot: %w", err)
		}
		claimedLevels[level] = true
		report.RebuiltLots++
		e.logger.Info("Rebuilt lot from open sell order",
			"sell_order_id", id,
			"level", level,
			"qty", order.Quantity,
			"purchase_price", purchase)
	}

	if len(ambiguities) > 0 {
		return nil, &apperrors.AmbiguousReconciliationError{Matches: ambiguities}
	}

	// 3. Archive stored lots whose sell order vanished: sold while offline.
	for _, lot := range stored {
		if lot.SellOrderID == "" {
			continue
		}
		if _, live := openSells[lot.SellOrderID]; !live {
			e.logger.Info("Sell order gone from broker, closing lot as sold offline",
				"level", lot.Level,
				"sell_order_id", lot.SellOrderID)
			if err := e.store.ArchiveLot(ctx, lot.SellOrderID, lot.Quantity, decimal.Zero, time.Now().UTC()); err != nil {
				return nil, fmt.Errorf("recon: archive offline-sold lot: %w", err)
			}
			delete(claimedLevels, lot.Level)
			report.ArchivedLots++
		}
	}

	// 4. Rebuild the in-memory ledger from the now-consistent store.
	if err := e.ledger.Load(ctx); err != nil {
		return nil, fmt.Errorf("recon: %w", err)
	}

	// 5. Repair lots that filled their buy but crashed before the sell was
	// placed: the shares are held with no live sell order.
	for _, lot := range e.ledger.OpenLots() {
		if lot.SellOrderID != "" {
			continue
		}
		sellID, err := e.sells.PlaceSell(ctx, lot)
		if err != nil {
			return nil, fmt.Errorf("recon: place missing sell for level %d: %w", lot.Level, err)
		}
		if err := e.ledger.AttachSell(ctx, lot, sellID); err != nil {
			return nil, fmt.Errorf("recon: %w", err)
		}
		report.RepairedSells++
		e.logger.Warn("Placed missing sell order for stored lot",
			"level", lot.Level, "sell_order_id", sellID)
	}

	// 6. Orphan shares: held at the broker but tracked by no lot.
	if err := e.remediateOrphans(ctx, position, report); err != nil {
		return nil, err
	}

	report.TrackedQuantity = e.ledger.TrackedQuantity()
	report.NextLevel = e.ledger.NextLevel()
	report.CompletedAt = time.Now().UTC()
	e.lastReport = report

	e.logger.Info("Reconciliation completed",
		"rebuilt", report.RebuiltLots,
		"archived", report.ArchivedLots,
		"orphans", report.OrphanLots,
		"tracked_qty", report.TrackedQuantity,
		"position_qty", report.PositionQuantity,
		"next_level", report.NextLevel)
	return report, nil
}

// unclaimedLevels filters the ladder's reverse index to levels without lots.
func (e *Engine) unclaimedLevels(qty int64, claimed map[int]bool) []int {
	var out []int
	for _, level := range e.ladder.LevelsForQuantity(qty) {
		if !claimed[level] {
			out = append(out, level)
		}
	}
	return out
}

// remediateOrphans synthesizes a lot (and its sell order) for broker-held
// shares no lot accounts for, and flags the irrecoverable cases.
func (e *Engine) remediateOrphans(ctx context.Context, position *core.Position, report *Report) error {
	tracked := e.ledger.TrackedQuantity()
	orphan := position.Quantity - tracked

	switch {
	case orphan == 0:
		return nil

	case orphan < 0:
		// Shares are gone but their sell orders are still open: nothing local
		// can explain this, so refuse to trade on the inventory.
		return fmt.Errorf("recon: tracked quantity %d exceeds broker position %d after archiving", tracked, position.Quantity)

	default:
		e.logger.Warn("Orphan position detected",
			"orphan_qty", orphan,
			"avg_cost", position.AvgCost)

		level, ok := e.lowestCompatibleLevel(orphan)
		if !ok {
			return fmt.Errorf("recon: no unassigned level matches orphan quantity %d", orphan)
		}

		lot := core.NewLot(level, orphan, position.AvgCost.Round(2), e.profitRatio, "orphan-"+uuid.NewString())
		if err := e.ledger.Add(ctx, lot); err != nil {
			return fmt.Errorf("recon: persist orphan lot: %w", err)
		}

		sellID, err := e.sells.PlaceSell(ctx, lot)
		if err != nil {
			return fmt.Errorf("recon: place orphan sell: %w", err)
		}
		if err := e.ledger.AttachSell(ctx, lot, sellID); err != nil {
			return fmt.Errorf("recon: %w", err)
		}

		report.OrphanLots++
		meter := telemetry.GetGlobalMetrics()
		if meter.OrphansRemediated != nil {
			meter.OrphansRemediated.Add(ctx, 1)
		}
		e.logger.Warn("Orphan shares brought under management",
			"level", level,
			"qty", orphan,
			"sell_order_id", sellID,
			"sell_target", lot.SellTargetPrice)
		return nil
	}
}

// lowestCompatibleLevel finds the lowest level without an open lot whose
// ladder quantity equals qty.
func (e *Engine) lowestCompatibleLevel(qty int64) (int, bool) {
	for _, level := range e.ladder.LevelsForQuantity(qty) {
		if _, held := e.ledger.LotAtLevel(level); !held {
			return level, true
		}
	}
	return 0, false
}

// IsStructuralFault reports whether a reconciliation error must halt trading
// rather than be retried.
func IsStructuralFault(err error) bool {
	var ambiguous *apperrors.AmbiguousReconciliationError
	return errors.As(err, &ambiguous) || !apperrors.IsTransient(err)
}
