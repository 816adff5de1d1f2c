/**
 * @description
 * This package provides the HTTP transport shared by the e-signature and
 * billing provider clients. It owns request construction, authentication
 * headers, the bounded per-call timeout, retries with exponential backoff
 * for transient failures, and classification of provider responses into
 * the domain error taxonomy.
 *
 * @dependencies
 * - github.com/sirupsen/logrus: structured logging of provider failures.
 * - github.com/prometheus/client_golang: per-provider call outcome counters.
 */
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout     = 12 * time.Second
	defaultMaxAttempts = 3
	defaultBaseBackoff = 500 * time.Millisecond
	maxErrorBodyBytes  = 512
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options configures a Client.
type Options struct {
	Provider    string
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	// Authorize decorates every outgoing request with provider credentials.
	Authorize  func(*http.Request)
	HTTPClient *http.Client
	Sleep      Sleeper
	Logger     logrus.FieldLogger
}

// Client performs JSON calls against one provider.
type Client struct {
	provider    string
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	baseBackoff time.Duration
	authorize   func(*http.Request)
	sleep       Sleeper
	logger      logrus.FieldLogger
}

// NewClient creates a provider transport.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := opts.BaseBackoff
	if backoff <= 0 {
		backoff = defaultBaseBackoff
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		provider:    opts.Provider,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  httpClient,
		maxAttempts: attempts,
		baseBackoff: backoff,
		authorize:   opts.Authorize,
		sleep:       sleep,
		logger:      logger.WithField("component", opts.Provider+"_client"),
	}
}

// Request describes one logical provider operation. Retries of the same
// Request reuse the same IdempotencyKey.
type Request struct {
	Operation      string
	Method         string
	Path           string
	Query          url.Values
	Body           interface{}
	IdempotencyKey string
}

// Do executes req and decodes a 2xx body into out (when out is non-nil).
// Network errors, timeouts, 429 and 5xx are retried up to the configured
// attempt count and surface as *domain.GatewayTransientError. Other 4xx
// responses are returned immediately as *domain.GatewayRejectedError.
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", req.Operation, err)
		}
		payload = b
	}

	var lastErr error
	lastStatus, attempts := 0, 0
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		attempts = attempt
		status, body, err := c.roundTrip(ctx, req, payload)
		switch {
		case err == nil && status >= 200 && status < 300:
			gatewayCalls.WithLabelValues(c.provider, req.Operation, "ok").Inc()
			if out == nil || len(bytes.TrimSpace(body)) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", req.Operation, err)
			}
			return nil
		case err == nil && !retryableStatus(status):
			gatewayCalls.WithLabelValues(c.provider, req.Operation, "rejected").Inc()
			msg := errorMessage(body)
			c.logger.WithFields(logrus.Fields{"op": req.Operation, "status": status, "detail": msg}).Warn("provider rejected request")
			return &domain.GatewayRejectedError{Provider: c.provider, Operation: req.Operation, StatusCode: status, Message: msg}
		}

		lastErr, lastStatus = err, status
		if err == nil {
			lastErr = fmt.Errorf("status %d: %s", status, errorMessage(body))
		}
		c.logger.WithFields(logrus.Fields{"op": req.Operation, "attempt": attempt, "status": status}).WithError(lastErr).Warn("provider call failed")

		if ctx.Err() != nil || attempt == c.maxAttempts {
			break
		}
		if err := c.sleep(ctx, c.baseBackoff*time.Duration(1<<(attempt-1))); err != nil {
			break
		}
	}

	gatewayCalls.WithLabelValues(c.provider, req.Operation, "transient").Inc()
	if ctx.Err() != nil {
		lastErr = errors.Join(lastErr, ctx.Err())
	}
	return &domain.GatewayTransientError{
		Provider:   c.provider,
		Operation:  req.Operation,
		StatusCode: lastStatus,
		Attempts:   attempts,
		Err:        lastErr,
	}
}

func (c *Client) roundTrip(ctx context.Context, req Request, payload []byte) (int, []byte, error) {
	endpoint := c.baseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", req.Operation, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if c.authorize != nil {
		c.authorize(httpReq)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to execute %s request: %w", req.Operation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read %s response: %w", req.Operation, err)
	}
	return resp.StatusCode, respBody, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// errorMessage pulls a human readable message out of the provider error
// shapes we know about, falling back to the truncated raw body.
func errorMessage(body []byte) string {
	var shaped struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Errors  []struct {
			Message   string `json:"message"`
			Parameter string `json:"parameter"`
			Detail    string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &shaped); err == nil {
		if len(shaped.Errors) > 0 {
			first := shaped.Errors[0]
			msg := first.Message
			if msg == "" {
				msg = first.Detail
			}
			if first.Parameter != "" {
				msg = first.Parameter + ": " + msg
			}
			if msg != "" {
				return msg
			}
		}
		if shaped.Message != "" {
			return shaped.Message
		}
		if shaped.Error != "" {
			return shaped.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyBytes {
		text = text[:maxErrorBodyBytes]
	}
	if text == "" {
		return "empty response body"
	}
	return text
}
