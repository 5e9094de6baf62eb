// Package engine drives the trading loop: one worker drains a bounded event
// queue so that every fill is fully processed (lot recorded, sell placed,
// queue refilled) before the next event is looked at.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gridbot/internal/alert"
	"gridbot/internal/buyqueue"
	"gridbot/internal/core"
	"gridbot/internal/inventory"
	"gridbot/pkg/concurrency"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Config carries the engine's tunables.
type Config struct {
	Symbol             string
	ProfitRatio        decimal.Decimal
	EntryBuffer        decimal.Decimal
	EntryTimeout       time.Duration
	ConditionalTimeout time.Duration
	PollInterval       time.Duration
	EventQueueSize     int
}

// Engine wires the ledger, the buy queue and the order lifecycle together.
type Engine struct {
	cfg        Config
	broker     core.IBroker
	marketData core.IMarketData
	lifecycle  core.ILifecycleManager
	ladder     core.ILadder
	ledger     *inventory.Ledger
	queue      *buyqueue.Maintainer
	alerter    *alert.Manager
	logger     core.ILogger

	events    chan Event
	halted    atomic.Bool
	reconcile func(ctx context.Context) error

	// Worker-owned state. Only the worker goroutine reads or writes these.
	watched      map[string]struct{}
	entryOrderID string

	watchPool *concurrency.WorkerPool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an engine. Call Start to begin processing.
func New(
	cfg Config,
	broker core.IBroker,
	marketData core.IMarketData,
	lifecycle core.ILifecycleManager,
	ladder core.ILadder,
	ledger *inventory.Ledger,
	queue *buyqueue.Maintainer,
	alerter *alert.Manager,
	logger core.ILogger,
) *Engine {
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 256
	}
	return &Engine{
		cfg:        cfg,
		broker:     broker,
		marketData: marketData,
		lifecycle:  lifecycle,
		ladder:     ladder,
		ledger:     ledger,
		queue:      queue,
		alerter:    alerter,
		logger:     logger.WithField("component", "engine"),
		events:     make(chan Event, cfg.EventQueueSize),
		watched:    make(map[string]struct{}),
		watchPool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "order-watch",
			MaxWorkers:  16,
			MaxCapacity: 128,
		}, logger),
	}
}

// Start brings the queue to depth, arms order watches and launches the
// worker, the fill stream and the tick forwarder. Reconciliation must have
// completed before Start is called.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.queue.Rebuild(runCtx, ""); err != nil {
		cancel()
		return err
	}
	e.armWatches(runCtx)

	if err := e.broker.StartFillStream(runCtx, e.onFill); err != nil {
		cancel()
		return err
	}

	e.wg.Add(1)
	go e.worker(runCtx)

	e.wg.Add(1)
	go e.forwardTicks(runCtx)

	e.wg.Add(1)
	go e.pollLoop(runCtx)

	e.logger.Info("Engine started",
		"symbol", e.cfg.Symbol,
		"queue_depth", e.queue.Depth(),
		"next_level", e.ledger.NextLevel())
	return nil
}

// Stop shuts the engine down. Working orders are left in place; the broker
// keeps them and the next reconciliation picks them back up.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.broker.StopFillStream()
	e.wg.Wait()
	e.watchPool.StopAndWait()
	e.logger.Info("Engine stopped")
}

// Halted reports whether a structural fault has stopped new placements.
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// WatchStats reports order-watch pool activity for the status surface.
func (e *Engine) WatchStats() (running int, waiting uint64) {
	return e.watchPool.RunningWorkers(), e.watchPool.WaitingTasks()
}

// SetReconciler installs the pass run by TriggerReconcile. Must be set before
// Start.
func (e *Engine) SetReconciler(fn func(ctx context.Context) error) {
	e.reconcile = fn
}

// TriggerReconcile schedules an on-demand reconciliation pass on the worker.
// Returns false when the event queue is full; the caller can retry.
func (e *Engine) TriggerReconcile() bool {
	select {
	case e.events <- Event{Type: EventReconcile}:
		return true
	default:
		return false
	}
}

// onFill runs on the broker stream goroutine. It blocks when the queue is
// full rather than drop a fill.
func (e *Engine) onFill(fill *core.Fill) {
	ev := Event{Type: EventBuyFill, Fill: fill}
	if fill.Side == core.SideSell {
		ev.Type = EventSellFill
	}
	e.events <- ev
}

// requeue reports a dead working order back to the worker.
func (e *Engine) requeue(orderID string) {
	e.events <- Event{Type: EventRequeue, OrderID: orderID}
}

func (e *Engine) forwardTicks(ctx context.Context) {
	defer e.wg.Done()
	ticks := e.marketData.SubscribeTicks()
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			// Ticks are only an entry signal; dropping one under load is
			// harmless because another follows.
			select {
			case e.events <- Event{Type: EventTick, Tick: tick}:
			default:
			}
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case e.events <- Event{Type: EventPoll}:
			default:
			}
		}
	}
}

// worker is the only goroutine that touches the ledger and the buy queue.
func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			start := time.Now()
			if err := e.dispatch(ctx, ev); err != nil {
				e.fault(ctx, err)
			}
			telemetry.GetGlobalMetrics().RecordEventLatency(ctx, time.Since(start))
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventBuyFill:
		return e.handleBuyFill(ctx, ev.Fill)
	case EventSellFill:
		return e.handleSellFill(ctx, ev.Fill)
	case EventTick:
		return e.handleTick(ctx, ev.Tick)
	case EventRequeue:
		return e.handleRequeue(ctx, ev.OrderID)
	case EventPoll:
		return e.handlePoll(ctx)
	case EventReconcile:
		return e.handleReconcile(ctx)
	default:
		return nil
	}
}

// fault classifies an error. Structural faults halt new placements; working
// orders are never mass-cancelled, so standing sells keep protecting the
// inventory.
func (e *Engine) fault(ctx context.Context, err error) {
	if apperrors.IsTransient(err) {
		e.logger.Warn("Transient failure, will retry on next event", "error", err)
		return
	}

	e.halted.Store(true)
	e.logger.Error("Structural fault, halting new placements", "error", err)
	e.alerter.Send(ctx, alert.LevelCritical, "Trading halted: "+err.Error())
}
