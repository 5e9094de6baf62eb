// Package ws is a reconnecting websocket client shared by the quote stream
// and the broker fill stream.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"gridbot/internal/core"
	"gridbot/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	reconnectWait = 5 * time.Second
	pingInterval  = 30 * time.Second
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
)

// MessageHandler receives one raw frame from the stream.
type MessageHandler func(message []byte)

// Client holds one logical stream open, redialing with a fixed backoff
// whenever the connection drops. The onConnected hook runs after every
// (re)connect so callers can resubscribe or reauthenticate.
type Client struct {
	url     string
	handler MessageHandler
	logger  core.ILogger

	mu          sync.Mutex
	conn        *websocket.Conn
	onConnected func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer   trace.Tracer
	messages metric.Int64Counter
	dials    metric.Int64Counter
}

func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("ws-client")
	messages, _ := meter.Int64Counter("gridbot_ws_messages_total",
		metric.WithDescription("Total websocket messages received"))
	dials, _ := meter.Int64Counter("gridbot_ws_connections_total",
		metric.WithDescription("Total websocket dial attempts"))

	return &Client{
		url:      url,
		handler:  handler,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		tracer:   telemetry.GetTracer("ws-client"),
		messages: messages,
		dials:    dials,
	}
}

// SetOnConnected registers the post-connect hook. Set before Start.
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes a JSON message on the current connection.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Start launches the connect loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop tears the stream down and waits briefly for the loop to exit.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Websocket loops did not exit within timeout", "url", c.url)
	}
	c.dropConn()
}

func (c *Client) run() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		if err := c.dial(); err != nil {
			c.logger.Error("Websocket dial failed", "url", c.url, "error", err)
			if !c.sleep(reconnectWait) {
				return
			}
			continue
		}

		c.mu.Lock()
		hook := c.onConnected
		c.mu.Unlock()
		if hook != nil {
			hook()
		}

		c.serve()

		if !c.sleep(reconnectWait) {
			return
		}
		c.logger.Info("Websocket reconnecting", "url", c.url)
	}
}

// serve pumps frames and heartbeats until the connection dies.
func (c *Client) serve() {
	hbCtx, hbCancel := context.WithCancel(c.ctx)
	defer hbCancel()

	c.wg.Add(1)
	go c.heartbeat(hbCtx)

	defer c.dropConn()
	for c.ctx.Err() == nil {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.messages.Add(c.ctx, 1)
		if c.handler != nil {
			c.handler(frame)
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.dropConn()
				return
			}
		}
	}
}

func (c *Client) dial() error {
	ctx, span := c.tracer.Start(c.ctx, "ws.dial",
		trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()
	c.dials.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// sleep waits d or returns false when the client is stopping.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
