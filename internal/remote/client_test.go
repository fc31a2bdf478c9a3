package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crankd/internal/address"
	"crankd/internal/task/engine"
	"crankd/internal/txn"
	logx "crankd/pkg/logx"
)

func TestFetchRoundTripThroughHandler(t *testing.T) {
	t.Parallel()
	key, err := txn.GenerateKeypair()
	require.NoError(t, err)
	var program address.Address
	program[0] = 1

	var seen Request
	h := NewHandler(key, txn.Compiler{Program: program}, func(_ context.Context, req Request) ([]txn.Instruction, []txn.DerivedAuthority, error) {
		seen = req
		return []txn.Instruction{{Program: program, Data: []byte("ok")}}, nil, nil
	}, logx.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	var task, queue address.Address
	task[0], queue[0] = 2, 3
	req := Request{Task: task, TaskQueue: queue, TaskQueuedAt: 99}

	c := NewClient(time.Second, "", logx.Nop())
	resp, err := c.Fetch(context.Background(), srv.URL, req)
	require.NoError(t, err)
	assert.Equal(t, req, seen)

	v, err := Verify(resp, key.Address(), Binding{Task: task, QueuedAt: 99})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), v.Instructions()[0].Data)
}

func TestFetchStatusHandling(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		want       error
		retryAfter time.Duration
	}{
		{name: "server error", handler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, want: ErrRejected},
		{name: "rate limited", handler: func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		}, want: ErrRejected, retryAfter: 7 * time.Second},
		{name: "unavailable without hint", handler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, want: ErrRejected},
		{name: "malformed body", handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}, want: ErrMalformed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(time.Second, "", logx.Nop()).Fetch(context.Background(), srv.URL, Request{})
			require.ErrorIs(t, err, tt.want)
			assert.False(t, engine.IsNoRetry(err))

			var ra engine.RetryAfterError
			if tt.retryAfter > 0 {
				require.True(t, errors.As(err, &ra))
				assert.Equal(t, tt.retryAfter, ra.RetryAfter())
			} else {
				assert.False(t, errors.As(err, &ra))
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	start := time.Now()
	_, err := NewClient(50*time.Millisecond, "", logx.Nop()).Fetch(context.Background(), srv.URL, Request{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	t.Parallel()
	key, err := txn.GenerateKeypair()
	require.NoError(t, err)
	h := NewHandler(key, txn.Compiler{}, func(context.Context, Request) ([]txn.Instruction, []txn.DerivedAuthority, error) {
		return nil, nil, errors.New("nothing to do")
	}, logx.Nop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	body, _ := json.Marshal(Request{})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d, ok := parseRetryAfter("3", now)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	d, ok = parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, d)

	_, ok = parseRetryAfter("soon", now)
	assert.False(t, ok)
	assert.Equal(t, "example.com:8080", Host("http://Example.com:8080/task"))
}
