// Package alert fans operator notifications out to configured channels.
// Sends are fire-and-forget so the trading path never blocks on a webhook.
package alert

import (
	"context"
	"sync"
	"time"

	"gridbot/internal/core"
)

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Payload is one notification.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a payload to one destination.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Manager dispatches notifications to all registered channels.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Send is the common case: a level and a message, no extra fields.
func (m *Manager) Send(ctx context.Context, level Level, message string) {
	m.Notify(ctx, Payload{Level: level, Title: "gridbot", Message: message})
}

// Notify delivers p to every channel concurrently without waiting for the
// results. Delivery failures are logged, never returned.
func (m *Manager) Notify(ctx context.Context, p Payload) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	m.logger.Info("Triggering alert", "title", p.Title, "level", p.Level)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, p); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
