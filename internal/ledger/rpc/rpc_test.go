package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crankd/internal/address"
	"crankd/internal/ledger"
	"crankd/internal/ledger/memory"
	"crankd/internal/task/engine"
	"crankd/internal/txn"
	logx "crankd/pkg/logx"
)

func startServer(t *testing.T, backend ledger.Client) *Client {
	t.Helper()
	srv := httptest.NewServer(NewHandler(backend, logx.Nop()))
	t.Cleanup(srv.Close)
	return NewClient(Options{URL: srv.URL, Timeout: 2 * time.Second, Log: logx.Nop()})
}

func signed(t *testing.T, kp txn.KeypairSigner, nonce uint64, ops ...ledger.Op) *ledger.Transaction {
	t.Helper()
	tx := &ledger.Transaction{Nonce: nonce, Ops: ops}
	require.NoError(t, tx.Sign(kp))
	return tx
}

func TestClientRoundTrip(t *testing.T) {
	l := memory.New(memory.Options{})
	c := startServer(t, l)
	ctx := context.Background()

	admin, err := txn.GenerateKeypair()
	require.NoError(t, err)
	require.NoError(t, c.Airdrop(ctx, admin.Address(), 1_000_000))

	bal, err := c.Balance(ctx, admin.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), bal)

	rcpt, err := c.Submit(ctx, signed(t, admin, 1, ledger.Op{CreateQueue: &ledger.CreateQueue{ID: 7, Name: "rpc", Capacity: 8, MinCrankReward: 10}}))
	require.NoError(t, err)
	assert.Equal(t, memory.DefaultFee, rcpt.Fee)
	assert.NotEmpty(t, rcpt.Signature)

	addr, _, err := address.TaskQueue(l.Program(), admin.Address(), 7)
	require.NoError(t, err)
	q, err := c.Queue(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "rpc", q.Name)
	assert.Equal(t, uint32(8), q.Capacity)
	assert.Equal(t, admin.Address(), q.Authority)

	tasks, err := c.Tasks(ctx, addr, []uint16{0, 1, 2})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestLedgerErrorsSurviveTheWire(t *testing.T) {
	l := memory.New(memory.Options{})
	c := startServer(t, l)
	ctx := context.Background()

	_, err := c.Queue(ctx, address.Address{9})
	require.ErrorIs(t, err, ledger.ErrQueueNotFound)

	_, err = c.Task(ctx, address.Address{9})
	require.ErrorIs(t, err, ledger.ErrTaskNotFound)

	admin, err := txn.GenerateKeypair()
	require.NoError(t, err)
	l.Airdrop(admin.Address(), 1_000_000)
	_, err = c.Submit(ctx, signed(t, admin, 1, ledger.Op{CreateQueue: &ledger.CreateQueue{ID: 1, Capacity: 8}}))
	require.NoError(t, err)
	addr, _, err := address.TaskQueue(l.Program(), admin.Address(), 1)
	require.NoError(t, err)

	_, err = c.Submit(ctx, signed(t, admin, 2, ledger.Op{RunTask: &ledger.RunTask{Queue: addr, TaskID: 3}}))
	require.ErrorIs(t, err, ledger.ErrSlotVacant)
	assert.True(t, ledger.IsRace(err))

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeLedger, rpcErr.Code)
	assert.Equal(t, "slot_vacant", rpcErr.Kind)

	tx := signed(t, admin, 3, ledger.Op{CreateQueue: &ledger.CreateQueue{ID: 2, Capacity: 8}})
	_, err = c.Submit(ctx, tx)
	require.NoError(t, err)
	_, err = c.Submit(ctx, tx)
	require.ErrorIs(t, err, ledger.ErrAlreadyProcessed)

	tx = signed(t, admin, 4, ledger.Op{CreateQueue: &ledger.CreateQueue{ID: 3, Capacity: 8}})
	tx.Nonce++
	_, err = c.Simulate(ctx, tx)
	require.ErrorIs(t, err, ledger.ErrBadSignature)
}

type readOnly struct{ ledger.Client }

func TestAirdropRequiresCapableBackend(t *testing.T) {
	c := startServer(t, readOnly{memory.New(memory.Options{})})
	err := c.Airdrop(context.Background(), address.Address{1}, 5)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestHandlerRejectsMalformedRequests(t *testing.T) {
	h := NewHandler(memory.New(memory.Options{}), logx.Nop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{nope")))
	assert.Contains(t, rec.Body.String(), `"code":-32700`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getVotes"}`)))
	assert.Contains(t, rec.Body.String(), `"code":-32601`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getBalance","params":{"wallet":"x"}}`)))
	assert.Contains(t, rec.Body.String(), `"code":-32602`)
}

func TestClientHTTPStatusAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/slow") {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	noRetry := engine.TaskOptions{RetryMax: -1}
	c := NewClient(Options{URL: srv.URL, Retry: noRetry, Log: logx.Nop()})
	_, err := c.Balance(context.Background(), address.Address{1})
	require.ErrorIs(t, err, ErrHTTPStatus)

	c = NewClient(Options{URL: srv.URL + "/slow", Timeout: 50 * time.Millisecond, Retry: noRetry, Log: logx.Nop()})
	_, err = c.Balance(context.Background(), address.Address{1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientRateLimit(t *testing.T) {
	l := memory.New(memory.Options{})
	srv := httptest.NewServer(NewHandler(l, logx.Nop()))
	defer srv.Close()

	c := NewClient(Options{URL: srv.URL, RPS: 20, Burst: 1, Log: logx.Nop()})
	start := time.Now()
	for range 3 {
		_, err := c.Balance(context.Background(), address.Address{1})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Balance(ctx, address.Address{1})
	require.Error(t, err)
}

var fastRetry = engine.TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}

// flaky answers the first n requests with code and hands the rest to next.
func flaky(n int32, code int, next http.Handler) (http.Handler, *atomic.Int32) {
	var hits atomic.Int32
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= n {
			w.WriteHeader(code)
			return
		}
		next.ServeHTTP(w, r)
	}), &hits
}

func TestClientRetriesTransientStatus(t *testing.T) {
	t.Parallel()
	l := memory.New(memory.Options{})
	l.Airdrop(address.Address{1}, 42)

	cases := []struct {
		name  string
		fails int32
		code  int
		hits  int32
		ok    bool
	}{
		{"503 then ok", 1, http.StatusServiceUnavailable, 2, true},
		{"429 twice then ok", 2, http.StatusTooManyRequests, 3, true},
		{"gateway down past the budget", 10, http.StatusBadGateway, 3, false},
		{"400 is not retried", 10, http.StatusBadRequest, 1, false},
		{"500 is not retried", 10, http.StatusInternalServerError, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h, hits := flaky(tc.fails, tc.code, NewHandler(l, logx.Nop()))
			srv := httptest.NewServer(h)
			defer srv.Close()

			c := NewClient(Options{URL: srv.URL, Retry: fastRetry, Log: logx.Nop()})
			bal, err := c.Balance(context.Background(), address.Address{1})
			assert.Equal(t, tc.hits, hits.Load())
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, uint64(42), bal)
				return
			}
			require.ErrorIs(t, err, ErrHTTPStatus)
			assert.Equal(t, tc.code != http.StatusBadRequest && tc.code != http.StatusInternalServerError, Transient(err))
		})
	}
}

func TestClientDoesNotRetryLedgerErrors(t *testing.T) {
	t.Parallel()
	h, hits := flaky(0, 0, NewHandler(memory.New(memory.Options{}), logx.Nop()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewClient(Options{URL: srv.URL, Retry: fastRetry, Log: logx.Nop()})
	_, err := c.Queue(context.Background(), address.Address{9})
	require.ErrorIs(t, err, ledger.ErrQueueNotFound)
	assert.False(t, Transient(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientRetriesTransportFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Options{URL: url, Retry: fastRetry, Log: logx.Nop()})
	_, err := c.Balance(context.Background(), address.Address{1})
	require.ErrorIs(t, err, ErrTransport)
	assert.True(t, Transient(err))
}

// A submit whose response is lost is sent again; the ledger dedups it by
// signature so the fee is charged once.
func TestSubmitRetryIsDeduplicated(t *testing.T) {
	t.Parallel()
	l := memory.New(memory.Options{})
	admin, err := txn.GenerateKeypair()
	require.NoError(t, err)
	l.Airdrop(admin.Address(), 1_000_000)

	backend := NewHandler(l, logx.Nop())
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			backend.ServeHTTP(httptest.NewRecorder(), r)
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		backend.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := NewClient(Options{URL: srv.URL, Retry: fastRetry, Log: logx.Nop()})
	_, err = c.Submit(context.Background(), signed(t, admin, 1, ledger.Op{CreateQueue: &ledger.CreateQueue{ID: 2, Name: "dup", Capacity: 8}}))
	require.ErrorIs(t, err, ledger.ErrAlreadyProcessed)
	assert.Equal(t, int32(2), hits.Load())

	bal, err := l.Balance(context.Background(), admin.Address())
	require.NoError(t, err)
	assert.Equal(t, 1_000_000-memory.DefaultFee, bal)
}
