// Package marketdata maintains the latest traded price of the instrument and
// fans ticks out to subscribers. Prices gate the opening buy; order handling
// never depends on this feed.
package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/ws"

	"github.com/shopspring/decimal"
)

// quoteMessage is the wire shape of one quote update.
type quoteMessage struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// Monitor implements core.IMarketData over a reconnecting websocket feed.
type Monitor struct {
	symbol   string
	client   *ws.Client
	logger   core.ILogger
	maxStale time.Duration

	mu          sync.RWMutex
	latest      decimal.Decimal
	latestAt    time.Time
	subscribers []chan *core.PriceTick
}

// NewMonitor creates a monitor for one instrument. maxStale bounds how old a
// cached price may be before GetLatestPrice refuses to serve it.
func NewMonitor(wsURL, symbol string, maxStale time.Duration, logger core.ILogger) *Monitor {
	m := &Monitor{
		symbol:   symbol,
		logger:   logger.WithField("component", "market_data"),
		maxStale: maxStale,
	}
	m.client = ws.NewClient(wsURL, m.onMessage, m.logger)
	m.client.SetOnConnected(func() {
		if err := m.client.Send(map[string]interface{}{
			"action": "subscribe",
			"quotes": []string{symbol},
		}); err != nil {
			m.logger.Error("Quote subscribe failed", "error", err)
		}
	})
	return m
}

// Start begins streaming quotes. Returns immediately; the client reconnects
// in the background until Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.client.Start()
	m.logger.Info("Market data started", "symbol", m.symbol)
	return nil
}

// Stop closes the feed and all subscriber channels.
func (m *Monitor) Stop() error {
	m.client.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	return nil
}

// GetLatestPrice returns the cached price, or ErrConnectionLost when no
// sufficiently fresh quote has arrived.
func (m *Monitor) GetLatestPrice() (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.latestAt.IsZero() {
		return decimal.Zero, apperrors.ErrConnectionLost
	}
	if m.maxStale > 0 && time.Since(m.latestAt) > m.maxStale {
		return decimal.Zero, apperrors.ErrConnectionLost
	}
	return m.latest, nil
}

// SubscribeTicks returns a channel of price updates. Slow consumers lose
// ticks rather than block the feed.
func (m *Monitor) SubscribeTicks() <-chan *core.PriceTick {
	ch := make(chan *core.PriceTick, 64)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) onMessage(message []byte) {
	var q quoteMessage
	if err := json.Unmarshal(message, &q); err != nil {
		m.logger.Warn("Unparseable quote message", "error", err)
		return
	}
	if q.Symbol != m.symbol || q.Price.LessThanOrEqual(decimal.Zero) {
		return
	}

	tick := &core.PriceTick{
		Symbol: q.Symbol,
		Price:  q.Price,
		At:     time.UnixMilli(q.Timestamp),
	}

	m.mu.Lock()
	m.latest = q.Price
	m.latestAt = time.Now()
	subs := m.subscribers
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
		}
	}
}
