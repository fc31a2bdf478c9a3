package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crankd/internal/task/engine"
	logx "crankd/pkg/logx"
)

const maxResponseBytes = 1 << 20

// Client POSTs remote task requests. It does not retry; the caller runs it
// inside the task engine, which owns backoff.
type Client struct {
	http      *http.Client
	timeout   time.Duration
	userAgent string
	log       logx.Logger
}

func NewClient(timeout time.Duration, userAgent string, log logx.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if userAgent == "" {
		userAgent = "crankd"
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		timeout:   timeout,
		userAgent: userAgent,
		log:       log.With(logx.String("comp", "remote")),
	}
}

// Host is the key the worker uses for per-service concurrency and circuit
// breaking.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Host)
}

// Fetch asks the compute service for the transaction fulfilling req.
//
// Non-200 statuses and undecodable bodies wrap ErrRejected or ErrMalformed
// and stay retryable. 429 and 503 with Retry-After carry the hint through
// engine.RetryAfter. The response is not verified here.
func (c *Client) Fetch(ctx context.Context, target string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, engine.NoRetry(fmt.Errorf("remote: encode request: %w", err))
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, engine.NoRetry(fmt.Errorf("remote: build request: %w", err))
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("remote: post %s: %w", Host(target), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("remote: read body: %w", err)
	}
	c.log.Debug("remote.fetch",
		logx.String("host", Host(target)),
		logx.String("task", req.Task.String()),
		logx.Int("status", resp.StatusCode),
		logx.Duration("dur", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				return nil, engine.RetryAfter(err, d)
			}
		}
		return nil, err
	}
	if len(raw) > maxResponseBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformed, maxResponseBytes)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &out, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
