package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cryptostream/config"
	"cryptostream/logger"
)

const maxErrorBody = 512

// Client hands out one retrying http.Client per exchange. Each exchange gets
// its own token bucket so a throttled venue does not slow the others.
type Client struct {
	cfg  config.HTTPConfig
	log  *logger.Log
	base http.RoundTripper

	mu      sync.Mutex
	clients map[string]*http.Client

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg config.HTTPConfig, log *logger.Log) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		cfg.Retry.MaxDelay = cfg.Retry.BaseDelay
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		base:    http.DefaultTransport,
		clients: make(map[string]*http.Client),
		sleep:   sleepCtx,
	}
}

// HTTPClient returns the retrying client for exchange. The same instance is
// returned on every call, so it can be injected into SDK clients.
func (c *Client) HTTPClient(exchange string) *http.Client {
	exchange = strings.ToLower(exchange)
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[exchange]; ok {
		return hc
	}

	var limiter *rate.Limiter
	if c.cfg.RequestsPerSecond > 0 {
		burst := c.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), burst)
	}

	// Timeout is enforced per attempt by the transport, not across retries.
	hc := &http.Client{
		Transport: &retryTransport{
			exchange:    exchange,
			base:        userAgentTransport{agent: c.cfg.UserAgent, base: c.base},
			limiter:     limiter,
			maxAttempts: c.cfg.Retry.MaxAttempts,
			baseDelay:   c.cfg.Retry.BaseDelay,
			maxDelay:    c.cfg.Retry.MaxDelay,
			timeout:     c.cfg.Timeout,
			log:         c.log,
			sleep:       c.sleep,
		},
	}
	c.clients[exchange] = hc
	return hc
}

// GetJSON issues a GET with query parameters and decodes a 2xx JSON body
// into out.
func (c *Client) GetJSON(ctx context.Context, exchange, rawURL string, query url.Values, out interface{}) error {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return c.do(exchange, req, out)
}

// PostJSON posts payload as JSON and decodes a 2xx JSON body into out.
func (c *Client) PostJSON(ctx context.Context, exchange, rawURL string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(exchange, req, out)
}

func (c *Client) do(exchange string, req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.HTTPClient(exchange).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, URL: req.URL.Path, Body: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	logger.LogPerformanceEntry(c.log.WithComponent("rest"), "rest", req.URL.Path, time.Since(start), logger.Fields{"exchange": exchange})
	return nil
}
