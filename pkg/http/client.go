// Package http is the broker-facing REST client: JSON requests with retry,
// a circuit breaker, tracing and request metrics.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"gridbot/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError is a non-2xx response, preserved so callers can map broker status
// codes onto the error taxonomy.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Body)
}

// Signer adds authentication to an outgoing request.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client wraps http.Client with the resilience pipeline. Requests that fail
// transport-level, return 5xx or are throttled (429) are retried with
// backoff; sustained failure opens the breaker.
type Client struct {
	http    *http.Client
	baseURL string
	signer  Signer
	exec    failsafe.Executor[*http.Response]

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewClient builds a client rooted at baseURL. signer may be nil.
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(retryable).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	meter := telemetry.GetMeter("http-client")
	requests, _ := meter.Int64Counter("gridbot_http_requests_total",
		metric.WithDescription("Total HTTP requests"))
	failures, _ := meter.Int64Counter("gridbot_http_errors_total",
		metric.WithDescription("Total failed HTTP requests"))
	latency, _ := meter.Float64Histogram("gridbot_http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		signer:   signer,
		exec:     failsafe.With[*http.Response](retry, breaker),
		tracer:   telemetry.GetTracer("http-client"),
		requests: requests,
		failures: failures,
		latency:  latency,
	}
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

// Get issues a GET with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Delete issues a DELETE with optional query parameters.
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, path, params, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, params map[string]string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(req.Context(),
		req.Method+" "+req.URL.Path,
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		))
	defer span.End()
	req = req.WithContext(ctx)

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("method", req.Method)))

	resp, err := c.exec.GetWithExecution(func(_ failsafe.Execution[*http.Response]) (*http.Response, error) {
		// Each attempt needs its own body reader; the previous attempt
		// has already drained req.Body.
		attempt := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			attempt.Body = body
		}
		return c.http.Do(attempt)
	})
	c.latency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		c.failures.Add(ctx, 1)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		c.failures.Add(ctx, 1)
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: body}
		span.RecordError(apiErr)
		c.failures.Add(ctx, 1)
		return nil, apiErr
	}
	return body, nil
}
