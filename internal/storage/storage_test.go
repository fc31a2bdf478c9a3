package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "crankd/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := filepath.Join(dir, "crankd.db")
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			ctx := context.Background()

			for i, outcome := range []string{OutcomeRaced, OutcomeExecuted} {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					Worker: "w1", Pass: "p", Queue: "q", Task: "t1", TaskID: 3,
					Outcome: outcome, Reward: uint64(i) * 100, TookMS: 5,
				}))
			}
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Worker: "w1", Task: "t2", Outcome: OutcomeExpired}))

			got, err := st.RecentAudit(ctx, "t1", 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, OutcomeExecuted, got[0].Outcome)
			assert.Equal(t, uint64(100), got[0].Reward)
			assert.Equal(t, OutcomeRaced, got[1].Outcome)
			assert.False(t, got[0].At.IsZero())

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "stale:t1", until))
			v, ok, err := st.GetDedup(ctx, "stale:t1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, v.Equal(until))
			require.NoError(t, st.Close())

			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			_, ok, err = st.GetDedup(ctx, "stale:t1")
			require.NoError(t, err)
			assert.True(t, ok, "dedup survives reopen")
			_, ok, err = st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPruneAudit(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "crankd.db")}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			ctx := context.Background()

			now := time.Now()
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: now.Add(-48 * time.Hour), Task: "t1", Outcome: OutcomeExecuted}))
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: now.Add(-30 * time.Hour), Task: "t1", Outcome: OutcomeRaced}))
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: now, Task: "t1", Outcome: OutcomeFailed}))

			n, err := st.PruneAudit(ctx, now.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			n, err = st.PruneAudit(ctx, now.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Zero(t, n)

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Task: "t1", Outcome: OutcomeExecuted}))
			got, err := st.RecentAudit(ctx, "t1", 10)
			require.NoError(t, err)
			require.Len(t, got, 2, "appends keep working after a rewrite")
			assert.Equal(t, OutcomeExecuted, got[0].Outcome)
			assert.Equal(t, OutcomeFailed, got[1].Outcome)
		})
	}
}
