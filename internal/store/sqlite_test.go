package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fieldfill/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_SaveAndGetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := NewRun("support", sampleResult())
	require.NoError(t, st.SaveRun(ctx, run))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "support", got.Domain)
	assert.Equal(t, "claude-haiku-4-5", got.Model)
	assert.InDelta(t, 0.5, got.Completeness, 1e-9)
	assert.Equal(t, "CLOSED", got.Result.Filled["status"].Value)
	assert.True(t, got.Result.Filled["status"].Changed)
	assert.WithinDuration(t, run.CreatedAt, got.CreatedAt, time.Second)
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestSQLite_SaveRun_AssignsID(t *testing.T) {
	st := newTestSQLiteStore(t)

	run := &model.Run{Model: "m", Result: sampleResult()}
	require.NoError(t, st.SaveRun(context.Background(), run))
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.CreatedAt.IsZero())
}

func TestSQLite_SaveRun_Duplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := NewRun("support", sampleResult())
	require.NoError(t, st.SaveRun(ctx, run))
	assert.Error(t, st.SaveRun(ctx, run))
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	for i, domain := range []string{"support", "sales", "support", "support"} {
		run := NewRun(domain, sampleResult())
		run.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, st.SaveRun(ctx, run))
	}

	all, err := st.ListRuns(ctx, model.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt), "newest first")

	support, err := st.ListRuns(ctx, model.RunFilter{Domain: "support", Limit: 2})
	require.NoError(t, err)
	require.Len(t, support, 2)
	for _, r := range support {
		assert.Equal(t, "support", r.Domain)
	}

	none, err := st.ListRuns(ctx, model.RunFilter{Domain: "legal"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	require.NoError(t, s.SaveRun(ctx, NewRun("support", sampleResult())))
	runs, err := s.ListRuns(ctx, model.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = Open(ctx, Config{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}
