package sideeffect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// maxResponseBytes caps how much of a webhook response is read.
const maxResponseBytes = 10 << 20

// StatusError is returned for a non-2xx webhook response.
type StatusError struct {
	Action string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("action %s: unexpected status %d", e.Action, e.Status)
}

// Webhook is an action that POSTs the call as JSON to a configured URL. The
// effect key travels in the Idempotency-Key header so receivers can
// deduplicate redeliveries. A JSON response body becomes the result data.
type Webhook struct {
	name    string
	cfg     config.ActionConfig
	client  *http.Client
	breaker *Breaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewWebhook creates a webhook action with its own HTTP client and circuit
// breaker.
func NewWebhook(name string, cfg config.ActionConfig, logger *zap.Logger, metrics *observability.Metrics) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Webhook{
		name: name,
		cfg:  cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger:  logger.With(zap.String("action", name)),
		metrics: metrics,
	}
	w.breaker = NewBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		w.logger.Warn("circuit breaker state changed", zap.Stringer("state", s))
		metrics.SetCircuitBreakerState(name, float64(s))
	})
	return w
}

// Breaker exposes the action's circuit breaker.
func (w *Webhook) Breaker() *Breaker { return w.breaker }

// Execute delivers call, retrying server errors and connection failures
// with exponential backoff.
func (w *Webhook) Execute(ctx context.Context, call model.ActionCall) (model.ActionResult, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("action %s: marshal call: %w", w.name, err)
	}

	maxAttempts := w.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.ActionResult{}, ctx.Err()
			case <-time.After(Backoff(w.cfg.Retry, attempt)):
			}
		}

		result, err := w.deliver(ctx, call.Key, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return model.ActionResult{}, err
		}
		w.logger.Debug("retrying webhook",
			zap.Int("attempt", attempt+1),
			zap.Int("max", maxAttempts),
			zap.Error(err),
		)
	}
	return model.ActionResult{}, lastErr
}

func (w *Webhook) deliver(ctx context.Context, key string, body []byte) (model.ActionResult, error) {
	if err := w.breaker.Allow(); err != nil {
		return model.ActionResult{}, fmt.Errorf("action %s: %w", w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("action %s: build request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", sanitizeHeader(key))
	for k, v := range w.cfg.Headers {
		req.Header.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		w.breaker.Failure()
		return model.ActionResult{}, fmt.Errorf("action %s: request failed: %w", w.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		w.breaker.Failure()
		return model.ActionResult{}, fmt.Errorf("action %s: read response: %w", w.name, err)
	}

	switch {
	case resp.StatusCode >= 500:
		w.breaker.Failure()
	case resp.StatusCode < 400:
		w.breaker.Success()
	}
	// 4xx responses say nothing about the endpoint's health.

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.ActionResult{}, &StatusError{Action: w.name, Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var result model.ActionResult
	if len(raw) > 0 {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			result.Data = parsed
		}
	}
	return result, nil
}

// isRetryable reports whether a failed delivery may be attempted again.
// Client errors and an open breaker are final for this invocation.
func isRetryable(err error) bool {
	if errors.Is(err, ErrBreakerOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return isRetryableStatus(se.Status)
	}
	// Transport failures surface as *url.Error, which is a net.Error.
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Backoff returns the delay before retry number attempt (1-based): the
// initial delay multiplied per attempt and capped at the maximum.
func Backoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if delay > cfg.BackoffMax {
		delay = cfg.BackoffMax
	}
	return delay
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
