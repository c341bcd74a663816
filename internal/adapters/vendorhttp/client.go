// Package vendorhttp wraps calls to third-party HTTP APIs with a timeout and a per-vendor circuit breaker.
package vendorhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/target/dubbing-api/config"
)

// maxErrorBody bounds how much of a failed response body is kept in the error.
const maxErrorBody = 2000

// StatusError is returned when a vendor answers with a non-2xx status.
type StatusError struct {
	Vendor string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Vendor, e.Status, e.Body)
}

// Retryable reports whether the vendor is likely to succeed if asked again.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config configures a vendor client.
type Config struct {
	// Vendor names the breaker and prefixes errors.
	Vendor string
	// Headers are sent with every request, e.g. API keys.
	Headers  map[string]string
	Settings config.VendorHTTPConfig
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
	Logger *slog.Logger
}

// Client issues requests to one vendor.
type Client struct {
	vendor  string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient builds a vendor client with its own circuit breaker.
func NewClient(cfg Config) *Client {
	settings := cfg.Settings
	settings.Sanitize()

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: settings.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vendorhttp", "vendor", cfg.Vendor)

	minCalls := settings.BreakerMinCalls
	ratio := settings.BreakerFailRatio
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Vendor,
		MaxRequests: 1,
		Interval:    settings.BreakerInterval,
		Timeout:     settings.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minCalls && failureRatio >= ratio
		},
		IsSuccessful: func(err error) bool {
			// 4xx answers other than 429 do not count against the vendor.
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Retryable()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("vendor circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		vendor:  cfg.Vendor,
		headers: cfg.Headers,
		client:  hc,
		breaker: cb,
		logger:  logger,
	}
}

// Vendor returns the vendor name.
func (c *Client) Vendor() string { return c.vendor }

// State returns the breaker state.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// Request describes one vendor call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	// JSON, when non-nil, is encoded as the request body.
	JSON any
}

// Do performs req and returns the full response body of a 2xx answer.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", c.vendor, err)
		}
		return nil, err
	}
	body, _ := out.([]byte)
	return body, nil
}

// DoJSON performs req and decodes a JSON answer into dest.
func (c *Client) DoJSON(ctx context.Context, req Request, dest any) error {
	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.vendor, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, r Request) ([]byte, error) {
	var body io.Reader
	if r.JSON != nil {
		raw, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", c.vendor, err)
		}
		body = bytes.NewReader(raw)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.vendor, err)
	}
	if r.JSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.vendor, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.DebugContext(ctx, "close vendor response body", "error", cerr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.vendor, err)
	}
	c.logger.DebugContext(ctx, "vendor call",
		"method", method, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &StatusError{Vendor: c.vendor, Status: resp.StatusCode, Body: msg}
	}
	return raw, nil
}
