// Package http provides a reusable HTTP client with resilience features
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

	"gridmaker/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer is an interface for signing requests
type Signer interface {
	SignRequest(req *http.Request) error
}

// Options tunes the resilience pipeline
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BreakerDelay   time.Duration
}

// DefaultOptions mirrors the settings used for venue bridges
func DefaultOptions() Options {
	return Options{
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BreakerDelay:   10 * time.Second,
	}
}

// response is a fully read HTTP response. Bodies are drained inside each
// attempt so retried responses never leak connections.
type response struct {
	status int
	body   []byte
}

// Client is a wrapper around http.Client with resilience
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*response]

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with default resilience policies
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	opts := DefaultOptions()
	if timeout > 0 {
		opts.Timeout = timeout
	}
	return NewClientWithOptions(baseURL, signer, opts)
}

// NewClientWithOptions creates a client with an explicit pipeline configuration
func NewClientWithOptions(baseURL string, signer Signer, opts Options) *Client {
	retryPolicy := retrypolicy.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			// Retry on network errors, 5xx and throttling
			if err != nil {
				return true
			}
			return resp.status >= 500 || resp.status == http.StatusTooManyRequests
		}).
		WithBackoff(opts.InitialBackoff, opts.MaxBackoff).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return true
			}
			return resp.status >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(opts.BreakerDelay).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		baseURL:     baseURL,
		signer:      signer,
		pipeline:    failsafe.With[*response](retryPolicy, breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Get sends a GET request
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

// Post sends a POST request with a JSON body
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, nil, payload)
}

// Delete sends a DELETE request
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, params, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, params map[string]string, payload []byte) (*http.Request, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, payload []byte) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)

	// Each attempt builds a fresh request so POST bodies survive retries
	resp, err := c.pipeline.WithContext(ctx).Get(func() (*response, error) {
		req, err := c.newRequest(ctx, method, path, params, payload)
		if err != nil {
			return nil, err
		}
		httpResp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return &response{status: httpResp.StatusCode, body: body}, nil
	})

	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.String("error", "pipeline_failed"),
		))
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.status))

	if resp.status >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", resp.status),
		))
		return nil, &APIError{
			StatusCode: resp.status,
			Body:       resp.body,
		}
	}

	return resp.body, nil
}
