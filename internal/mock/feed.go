package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// Feed implements core.IMarketData with a bounded random walk. When attached
// to a PaperBroker it also drives resting-order fills, which makes paper mode
// a closed loop.
type Feed struct {
	symbol   string
	interval time.Duration
	broker   *PaperBroker

	mu          sync.RWMutex
	price       decimal.Decimal
	subscribers []chan *core.PriceTick
	started     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	rng    *rand.Rand
}

func NewFeed(symbol string, startPrice decimal.Decimal, interval time.Duration, broker *PaperBroker) *Feed {
	return &Feed{
		symbol:   symbol,
		interval: interval,
		broker:   broker,
		price:    startPrice,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *Feed) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.cancel = cancel
	f.started = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(runCtx)
	return nil
}

func (f *Feed) Stop() error {
	f.mu.Lock()
	cancel := f.cancel
	f.started = false
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subscribers {
		close(ch)
	}
	f.subscribers = nil
	return nil
}

func (f *Feed) GetLatestPrice() (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.started {
		return decimal.Zero, apperrors.ErrConnectionLost
	}
	return f.price, nil
}

func (f *Feed) SubscribeTicks() <-chan *core.PriceTick {
	ch := make(chan *core.PriceTick, 64)
	f.mu.Lock()
	f.subscribers = append(f.subscribers, ch)
	f.mu.Unlock()
	return ch
}

// Push publishes an exact price, for tests that need deterministic moves.
func (f *Feed) Push(price decimal.Decimal) {
	f.mu.Lock()
	f.price = price
	subs := f.subscribers
	f.mu.Unlock()

	if f.broker != nil {
		f.broker.ProcessPrice(price)
	}

	tick := &core.PriceTick{Symbol: f.symbol, Price: price, At: time.Now()}
	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
		}
	}
}

func (f *Feed) run(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.RLock()
			last := f.price
			f.mu.RUnlock()

			// Drift within roughly +/-0.2% per step.
			step := decimal.NewFromFloat((f.rng.Float64() - 0.5) * 0.004)
			next := last.Mul(decimal.NewFromInt(1).Add(step)).Round(2)
			if next.LessThanOrEqual(decimal.Zero) {
				next = last
			}
			f.Push(next)
		}
	}
}
