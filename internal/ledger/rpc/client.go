package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"crankd/internal/address"
	"crankd/internal/ledger"
	"crankd/internal/task/engine"
	logx "crankd/pkg/logx"
)

const (
	maxResponseBytes = 8 << 20
	defaultRetryMax  = 3
)

var (
	ErrHTTPStatus = errors.New("rpc: unexpected http status")
	// ErrTransport marks a request that never got an HTTP response.
	ErrTransport = errors.New("rpc: transport failure")
)

type Options struct {
	URL     string
	Timeout time.Duration
	// RPS <= 0 disables client-side rate limiting.
	RPS   float64
	Burst int
	// Retry bounds the backoff for transient failures. RetryMax 0 means 3,
	// -1 disables retries. Ledger errors are never retried.
	Retry engine.TaskOptions
	HTTP  *http.Client
	Log   logx.Logger
}

type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	retry   engine.TaskOptions
	log     logx.Logger
	seq     atomic.Uint64
}

var _ ledger.Client = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{}
	}
	switch {
	case opts.Retry.RetryMax == 0:
		opts.Retry.RetryMax = defaultRetryMax
	case opts.Retry.RetryMax < 0:
		opts.Retry.RetryMax = 0
	}
	c := &Client{
		url:     opts.URL,
		timeout: opts.Timeout,
		http:    opts.HTTP,
		retry:   opts.Retry,
		log:     opts.Log.With(logx.String("comp", "ledger.rpc")),
	}
	if opts.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), max(opts.Burst, 1))
	}
	return c
}

// call retries transient failures. Resending a submit is safe: the ledger
// dedups transactions by signature and answers ErrAlreadyProcessed.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	var rng *rand.Rand
	for attempt := 1; ; attempt++ {
		err := c.callOnce(ctx, method, params, out)
		if err == nil || attempt > c.retry.RetryMax || !Transient(err) || ctx.Err() != nil {
			return err
		}
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		delay := engine.Backoff(c.retry, attempt, err, rng)
		c.log.Debug("rpc retry", logx.String("method", method), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// Transient reports whether err is worth another attempt: the request never
// got a response, or the endpoint answered 429 or a gateway error.
func Transient(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type statusError struct {
	method string
	code   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: %s returned %d", ErrHTTPStatus, e.method, e.code)
}

func (e *statusError) Unwrap() error { return ErrHTTPStatus }

func (c *Client) callOnce(ctx context.Context, method string, params, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rpc %s: rate limit: %w", method, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rpc %s: encode params: %w", method, err)
	}
	id := c.seq.Add(1)
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("rpc %s: encode: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransport, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		var err error = &statusError{method: method, code: resp.StatusCode}
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs >= 0 {
			err = engine.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	}

	var r response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&r); err != nil {
		return fmt.Errorf("rpc %s: decode: %w", method, err)
	}
	c.log.Trace("rpc call", logx.String("method", method), logx.Duration("dur", time.Since(start)))
	if r.Error != nil {
		return r.Error
	}
	if r.ID != id {
		return fmt.Errorf("rpc %s: response id %d, want %d", method, r.ID, id)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("rpc %s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) Queue(ctx context.Context, queue address.Address) (*ledger.TaskQueue, error) {
	var out ledger.TaskQueue
	if err := c.call(ctx, MethodQueue, queueParams{Queue: queue}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Task(ctx context.Context, task address.Address) (*ledger.Task, error) {
	var out ledger.Task
	if err := c.call(ctx, MethodTask, taskParams{Task: task}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Tasks(ctx context.Context, queue address.Address, ids []uint16) ([]*ledger.Task, error) {
	var out []*ledger.Task
	if err := c.call(ctx, MethodTasks, tasksParams{Queue: queue, IDs: ids}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context, account address.Address) (uint64, error) {
	var out uint64
	err := c.call(ctx, MethodBalance, balanceParams{Account: account}, &out)
	return out, err
}

func (c *Client) Submit(ctx context.Context, tx *ledger.Transaction) (ledger.Receipt, error) {
	var out ledger.Receipt
	err := c.call(ctx, MethodSubmit, txParams{Transaction: tx}, &out)
	return out, err
}

func (c *Client) Simulate(ctx context.Context, tx *ledger.Transaction) (ledger.Receipt, error) {
	var out ledger.Receipt
	err := c.call(ctx, MethodSimulate, txParams{Transaction: tx}, &out)
	return out, err
}

// Airdrop asks a development ledger to credit account.
func (c *Client) Airdrop(ctx context.Context, account address.Address, amount uint64) error {
	return c.call(ctx, MethodAirdrop, airdropParams{Account: account, Amount: amount}, nil)
}
