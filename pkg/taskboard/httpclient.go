package taskboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/bosun-run/bosun/internal/apperror"
)

// Throttle is the minimum spacing between requests issued by a single
// Client, protecting a rate-limited PR-host/task-board API from a burst
// of reconciler sweep calls.
const Throttle = 1500 * time.Millisecond

// Client is a throttled, retrying HTTP client authenticated via OAuth2,
// shared by the HTTP-backed ExternalBoard and PRHost implementations.
type Client struct {
	http    *http.Client
	baseURL string
	log     *zap.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// NewClient builds a Client authenticated with tokenSource against
// baseURL.
func NewClient(ctx context.Context, baseURL string, tokenSource oauth2.TokenSource, log *zap.Logger) *Client {
	return &Client{
		http:    oauth2.NewClient(ctx, tokenSource),
		baseURL: baseURL,
		log:     log,
	}
}

func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	wait := Throttle - time.Since(c.lastCall)
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetJSON issues a throttled, retried GET against path (relative to
// baseURL) and decodes the JSON response body into out. Retries apply
// cenkalti/backoff/v5's exponential policy to transient failures only
// (5xx, 429, network errors); other 4xx responses are classified via
// apperror and returned immediately without retry.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.throttle(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("taskboard: build request: %w", err))
		}

		c.mu.Lock()
		c.lastCall = time.Now()
		c.mu.Unlock()

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, apperror.NewNetworkError(err, "GET "+path)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, apperror.NewNetworkError(err, "read body for GET "+path)
		}

		switch {
		case resp.StatusCode >= 500:
			return struct{}{}, apperror.Newf(apperror.ErrorTypeNetwork, "GET %s: status %d", path, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, apperror.NewRateLimitError("GET " + path)
		case resp.StatusCode >= 400:
			return struct{}{}, backoff.Permanent(apperror.Newf(apperror.ErrorTypeNotFound, "GET %s: status %d", path, resp.StatusCode))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("taskboard: decode %s: %w", path, err))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))

	return err
}

// PatchJSON issues a throttled, retried PATCH against path with body
// encoded as JSON, discarding any response body. Used by the task-store
// side of the client, which GetJSON alone can't cover since every other
// caller of this client is read-only.
func (c *Client) PatchJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("taskboard: encode body for PATCH %s: %w", path, err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.throttle(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("taskboard: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		c.mu.Lock()
		c.lastCall = time.Now()
		c.mu.Unlock()

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, apperror.NewNetworkError(err, "PATCH "+path)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return struct{}{}, apperror.Newf(apperror.ErrorTypeNetwork, "PATCH %s: status %d", path, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, apperror.NewRateLimitError("PATCH " + path)
		case resp.StatusCode >= 400:
			return struct{}{}, backoff.Permanent(apperror.Newf(apperror.ErrorTypeNotFound, "PATCH %s: status %d", path, resp.StatusCode))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))

	return err
}
