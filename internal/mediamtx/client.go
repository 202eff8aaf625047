package mediamtx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camgw/internal/config"
)

const (
	backoffBase   = 200 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 5 * time.Second
	backoffJitter = 0.2
)

// Client is the typed HTTP client for the external media server's control
// API. All calls go through the retry policy and the circuit breaker; errors
// are normalized to the small set in errors.go.
type Client struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	retryMax int
	breaker  *breaker
	logger   zerolog.Logger

	mu        sync.Mutex
	listeners []func(healthy bool)
}

func NewClient(cfg config.MediaMTXConfig, logger zerolog.Logger) *Client {
	c := &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:  cfg.RequestTimeout,
		retryMax: cfg.RetryMax,
		breaker:  newBreaker(cfg.FailureStreak, cfg.OpenCooldown),
		logger:   logger.With().Str("component", "mediamtx").Logger(),
	}
	c.breaker.onTrip = func() { c.notify(false) }
	c.breaker.onRecover = func() { c.notify(true) }
	return c
}

// OnHealthChange registers a callback fired when the breaker trips or
// recovers. Callbacks run on the caller's goroutine of the failing request.
func (c *Client) OnHealthChange(fn func(healthy bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Client) notify(healthy bool) {
	c.mu.Lock()
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(healthy)
	}
}

// CreatePath configures a new path. Not retried: add is not idempotent and a
// replayed add surfaces as a spurious CONFLICT.
func (c *Client) CreatePath(ctx context.Context, name string, conf PathConf) error {
	return c.do(ctx, http.MethodPost, "/v3/config/paths/add/"+url.PathEscape(name), conf, nil, false)
}

// PatchPath updates an existing path's configuration. Idempotent.
func (c *Client) PatchPath(ctx context.Context, name string, conf PathConf) error {
	return c.do(ctx, http.MethodPatch, "/v3/config/paths/patch/"+url.PathEscape(name), conf, nil, true)
}

// DeletePath removes a path configuration. Idempotent; NOT_FOUND from a
// repeated delete is surfaced to the caller to fold away.
func (c *Client) DeletePath(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v3/config/paths/delete/"+url.PathEscape(name), nil, nil, true)
}

// GetPath returns the runtime state of one path.
func (c *Client) GetPath(ctx context.Context, name string) (*PathInfo, error) {
	var info PathInfo
	if err := c.do(ctx, http.MethodGet, "/v3/paths/get/"+url.PathEscape(name), nil, &info, true); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListPaths returns the runtime state of every configured path.
func (c *Client) ListPaths(ctx context.Context) ([]PathInfo, error) {
	var list pathList
	if err := c.do(ctx, http.MethodGet, "/v3/paths/list", nil, &list, true); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// Ping probes the control API. Used by readiness and by the registry's
// reconcile loop to classify downstream health.
func (c *Client) Ping(ctx context.Context) error {
	var list pathList
	return c.do(ctx, http.MethodGet, "/v3/paths/list?itemsPerPage=1", nil, &list, true)
}

// Health returns the current classified health of the downstream.
func (c *Client) Health() Health {
	state := c.breaker.State()
	return Health{
		Healthy:             state == BreakerClosed,
		CircuitState:        state,
		ConsecutiveFailures: c.breaker.ConsecutiveFailures(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, idempotent bool) error {
	if !c.breaker.allow() {
		return fmt.Errorf("%w: %w", ErrUnreachable, ErrCircuitOpen)
	}

	attempts := 1
	if idempotent {
		attempts = c.retryMax
		if attempts < 1 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				c.breaker.recordFailure()
				return normalize(ctx.Err(), 0)
			case <-time.After(backoffDelay(attempt)):
			}
		}

		lastErr = c.once(ctx, method, path, body, out)
		if lastErr == nil {
			c.breaker.recordSuccess()
			return nil
		}
		if !retryable(lastErr) {
			// Definitive downstream answer: the service is reachable.
			c.breaker.recordSuccess()
			return lastErr
		}
		c.logger.Debug().Err(lastErr).Str("method", method).Str("path", path).
			Int("attempt", attempt+1).Msg("request failed")
	}

	c.breaker.recordFailure()
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal body: %v", ErrInternal, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return normalize(err, 0)
	}
	defer resp.Body.Close()

	if err := normalize(nil, resp.StatusCode); err != nil {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrInternal, err)
		}
	} else {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	}
	return nil
}

// backoffDelay is exponential with 20% jitter, capped.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
