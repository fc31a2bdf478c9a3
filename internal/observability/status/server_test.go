package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crankd/internal/storage"
	logx "crankd/pkg/logx"
)

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{
		Status: func() any { return map[string]int{"passes": 3} },
		Audit: func(_ context.Context, task string, limit int) ([]storage.AuditEntry, error) {
			return []storage.AuditEntry{{Task: task, Outcome: storage.OutcomeExecuted, TookMS: int64(limit)}}, nil
		},
	}, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{Token: "s3cret"}))
	t.Cleanup(srv.Close)

	get := func(path, auth string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/healthz", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("/status", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("/status", "wrong").StatusCode)

	resp := get("/status", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 3, st["passes"])

	resp = get("/audit?task=T&limit=7&token=s3cret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []storage.AuditEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "T", entries[0].Task)
	assert.Equal(t, int64(7), entries[0].TookMS)

	assert.Equal(t, http.StatusBadRequest, get("/audit", "s3cret").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/audit?task=T&limit=0", "s3cret").StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/debug/pprof/", "s3cret").StatusCode)
}

func TestPprofMountedWhenEnabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{}, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{Pprof: true}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/audit?task=T")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestStartStopReconfigure(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
