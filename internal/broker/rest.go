// Package broker implements core.IBroker against the brokerage REST API,
// with execution notifications over a websocket stream.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
	httpclient "gridbot/pkg/http"
	"gridbot/pkg/ws"

	"github.com/shopspring/decimal"
)

// Config carries the REST and stream endpoints plus credentials.
type Config struct {
	BaseURL   string
	StreamURL string
	APIKey    string
	APISecret string
}

// Client talks to the brokerage. One instance per account.
type Client struct {
	name   string
	http   *httpclient.Client
	cfg    Config
	logger core.ILogger

	stream *ws.Client
}

type headerSigner struct {
	key    string
	secret string
}

func (s *headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-API-KEY", s.key)
	req.Header.Set("X-API-SECRET", s.secret)
	return nil
}

func NewClient(cfg Config, logger core.ILogger) *Client {
	return &Client{
		name:   "rest",
		cfg:    cfg,
		http:   httpclient.NewClient(cfg.BaseURL, 15*time.Second, &headerSigner{key: cfg.APIKey, secret: cfg.APISecret}),
		logger: logger.WithField("component", "broker"),
	}
}

func (c *Client) GetName() string {
	return c.name
}

func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.http.Get(ctx, "/v2/account", nil)
	return classify(err)
}

// wireOrder is the broker's order representation. Numeric fields arrive as
// strings.
type wireOrder struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Qty           string `json:"qty"`
	LimitPrice    string `json:"limit_price"`
	StopPrice     string `json:"stop_price"`
	TimeInForce   string `json:"time_in_force"`
	ExtendedHours bool   `json:"extended_hours"`
	Status        string `json:"status"`
	FilledQty     string `json:"filled_qty"`
	FilledAvgPx   string `json:"filled_avg_price"`
	UpdatedAt     string `json:"updated_at"`
}

type wirePosition struct {
	Symbol     string `json:"symbol"`
	Qty        string `json:"qty"`
	AvgEntryPx string `json:"avg_entry_price"`
}

func (c *Client) SubmitOrder(ctx context.Context, spec core.OrderSpec) (*core.Order, error) {
	body := map[string]interface{}{
		"symbol":          spec.Symbol,
		"qty":             strconv.FormatInt(spec.Quantity, 10),
		"side":            sideToWire(spec.Side),
		"time_in_force":   tifToWire(spec.TimeInForce),
		"extended_hours":  spec.ExtendedHours,
		"client_order_id": spec.ClientOrderID,
	}
	switch spec.Kind {
	case core.KindLimit:
		body["type"] = "limit"
		body["limit_price"] = spec.LimitPrice.String()
	case core.KindTriggerLimit:
		body["type"] = "stop_limit"
		body["limit_price"] = spec.LimitPrice.String()
		body["stop_price"] = spec.TriggerPrice.String()
	default:
		return nil, fmt.Errorf("unsupported order kind: %s", spec.Kind)
	}

	data, err := c.http.Post(ctx, "/v2/orders", body)
	if err != nil {
		return nil, classify(err)
	}

	var wo wireOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return fromWire(&wo)
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.http.Delete(ctx, "/v2/orders/"+orderID, nil)
	return classify(err)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	data, err := c.http.Get(ctx, "/v2/orders/"+orderID, nil)
	if err != nil {
		return nil, classify(err)
	}

	var wo wireOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return fromWire(&wo)
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	data, err := c.http.Get(ctx, "/v2/orders", map[string]string{
		"status":  "open",
		"symbols": symbol,
		"limit":   "500",
	})
	if err != nil {
		return nil, classify(err)
	}

	var wire []*wireOrder
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	orders := make([]*core.Order, 0, len(wire))
	for _, wo := range wire {
		order, err := fromWire(wo)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	data, err := c.http.Get(ctx, "/v2/positions/"+symbol, nil)
	if err != nil {
		// No position is reported as 404.
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return &core.Position{Symbol: symbol}, nil
		}
		return nil, classify(err)
	}

	var wp wirePosition
	if err := json.Unmarshal(data, &wp); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}

	qty, err := strconv.ParseInt(wp.Qty, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse position qty %q: %w", wp.Qty, err)
	}
	avg, err := decimal.NewFromString(wp.AvgEntryPx)
	if err != nil {
		return nil, fmt.Errorf("parse avg entry price %q: %w", wp.AvgEntryPx, err)
	}
	return &core.Position{Symbol: wp.Symbol, Quantity: qty, AvgCost: avg}, nil
}

// tradeUpdate is one execution event off the stream.
type tradeUpdate struct {
	Stream string `json:"stream"`
	Data   struct {
		Event     string    `json:"event"`
		Price     string    `json:"price"`
		Qty       string    `json:"qty"`
		Timestamp string    `json:"timestamp"`
		Order     wireOrder `json:"order"`
	} `json:"data"`
}

func (c *Client) StartFillStream(ctx context.Context, callback func(fill *core.Fill)) error {
	if c.stream != nil {
		return fmt.Errorf("fill stream already started")
	}

	c.stream = ws.NewClient(c.cfg.StreamURL, func(message []byte) {
		var tu tradeUpdate
		if err := json.Unmarshal(message, &tu); err != nil {
			c.logger.Warn("Unparseable trade update", "error", err)
			return
		}
		if tu.Stream != "trade_updates" || tu.Data.Event != "fill" {
			return
		}

		fill, err := fillFromUpdate(&tu)
		if err != nil {
			c.logger.Error("Bad fill payload", "error", err)
			return
		}
		callback(fill)
	}, c.logger)

	c.stream.SetOnConnected(func() {
		if err := c.stream.Send(map[string]interface{}{
			"action": "auth",
			"key":    c.cfg.APIKey,
			"secret": c.cfg.APISecret,
		}); err != nil {
			c.logger.Error("Stream auth failed", "error", err)
			return
		}
		if err := c.stream.Send(map[string]interface{}{
			"action": "listen",
			"data":   map[string][]string{"streams": {"trade_updates"}},
		}); err != nil {
			c.logger.Error("Stream subscribe failed", "error", err)
		}
	})

	c.stream.Start()
	return nil
}

func (c *Client) StopFillStream() error {
	if c.stream == nil {
		return nil
	}
	c.stream.Stop()
	c.stream = nil
	return nil
}

func fillFromUpdate(tu *tradeUpdate) (*core.Fill, error) {
	qty, err := strconv.ParseInt(tu.Data.Qty, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse fill qty %q: %w", tu.Data.Qty, err)
	}
	price, err := decimal.NewFromString(tu.Data.Price)
	if err != nil {
		return nil, fmt.Errorf("parse fill price %q: %w", tu.Data.Price, err)
	}
	at, err := time.Parse(time.RFC3339Nano, tu.Data.Timestamp)
	if err != nil {
		at = time.Now()
	}
	return &core.Fill{
		OrderID:  tu.Data.Order.ID,
		Symbol:   tu.Data.Order.Symbol,
		Side:     sideFromWire(tu.Data.Order.Side),
		Quantity: qty,
		Price:    price,
		At:       at,
	}, nil
}

func fromWire(wo *wireOrder) (*core.Order, error) {
	qty, err := strconv.ParseInt(wo.Qty, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse order qty %q: %w", wo.Qty, err)
	}

	order := &core.Order{
		ID:            wo.ID,
		ClientOrderID: wo.ClientOrderID,
		Symbol:        wo.Symbol,
		Side:          sideFromWire(wo.Side),
		Quantity:      qty,
		TimeInForce:   tifFromWire(wo.TimeInForce),
		ExtendedHours: wo.ExtendedHours,
		Status:        statusFromWire(wo.Status),
	}

	switch wo.Type {
	case "stop_limit":
		order.Kind = core.KindTriggerLimit
	default:
		order.Kind = core.KindLimit
	}

	if wo.LimitPrice != "" {
		if order.LimitPrice, err = decimal.NewFromString(wo.LimitPrice); err != nil {
			return nil, fmt.Errorf("parse limit price %q: %w", wo.LimitPrice, err)
		}
	}
	if wo.StopPrice != "" {
		if order.TriggerPrice, err = decimal.NewFromString(wo.StopPrice); err != nil {
			return nil, fmt.Errorf("parse stop price %q: %w", wo.StopPrice, err)
		}
	}
	if wo.FilledQty != "" {
		if order.FilledQty, err = strconv.ParseInt(wo.FilledQty, 10, 64); err != nil {
			return nil, fmt.Errorf("parse filled qty %q: %w", wo.FilledQty, err)
		}
	}
	if wo.FilledAvgPx != "" {
		if order.AvgFillPrice, err = decimal.NewFromString(wo.FilledAvgPx); err != nil {
			return nil, fmt.Errorf("parse filled avg price %q: %w", wo.FilledAvgPx, err)
		}
	}
	if wo.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, wo.UpdatedAt); err == nil {
			order.UpdatedAt = t
		}
	}
	return order, nil
}

func sideToWire(s core.OrderSide) string {
	if s == core.SideSell {
		return "sell"
	}
	return "buy"
}

func sideFromWire(s string) core.OrderSide {
	if s == "sell" {
		return core.SideSell
	}
	return core.SideBuy
}

func tifToWire(t core.TimeInForce) string {
	if t == core.TIFGTC {
		return "gtc"
	}
	return "day"
}

func tifFromWire(s string) core.TimeInForce {
	if s == "gtc" {
		return core.TIFGTC
	}
	return core.TIFDay
}

func statusFromWire(s string) core.OrderStatus {
	switch s {
	case "filled":
		return core.StatusFilled
	case "partially_filled":
		return core.StatusPartiallyFilled
	case "canceled", "expired", "done_for_day":
		return core.StatusCanceled
	case "rejected", "stopped", "suspended":
		return core.StatusRejected
	default:
		return core.StatusNew
	}
}

// classify maps transport failures onto the engine's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Body)
		case apiErr.StatusCode == http.StatusUnprocessableEntity, apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, apiErr.Body)
		case apiErr.StatusCode >= 500, apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: status %d", apperrors.ErrNetwork, apiErr.StatusCode)
		default:
			return apiErr
		}
	}
	// Anything that never produced an HTTP status is a connectivity problem.
	return fmt.Errorf("%w: %v", apperrors.ErrConnectionLost, err)
}
