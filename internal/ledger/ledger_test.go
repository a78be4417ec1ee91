package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"hive/internal/store"
)

func TestAppendWritesFramedBlock(t *testing.T) {
	s := store.NewMemStore()
	l := New(s)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, "TASK-001", "probe", []byte("# Probe Report\n\nall clear")))

	data, err := s.Read(DefaultKey)
	require.NoError(t, err)
	require.Contains(t, string(data), "\n\n---\n## Task: TASK-001 (by probe)\n\n# Probe Report")
}

func TestAppendIsIdempotentPerTask(t *testing.T) {
	s := store.NewMemStore()
	l := New(s)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, "TASK-001", "probe", []byte("first")))
	require.NoError(t, l.Append(ctx, "TASK-001", "probe", []byte("second")))

	data, err := s.Read(DefaultKey)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "## Task: TASK-001"))
	require.NotContains(t, string(data), "second")
}

func TestContainsSurvivesRestart(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	require.NoError(t, New(s).Append(ctx, "TASK-002", "probe", []byte("body")))

	// fresh Ledger over the same store, empty marker cache
	reopened := New(s)
	ok, err := reopened.Contains(ctx, "TASK-002")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = reopened.Contains(ctx, "TASK-003")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestContainsEmptyLedger(t *testing.T) {
	l := New(store.NewMemStore())
	ok, err := l.Contains(context.Background(), "TASK-001")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestContainsDoesNotMatchPrefixIDs(t *testing.T) {
	s := store.NewMemStore()
	l := New(s)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, "TASK-010", "probe", []byte("x")))

	ok, err := l.Contains(ctx, "TASK-01")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestContainsIgnoresMarkersQuotedInContent(t *testing.T) {
	s := store.NewMemStore()
	l := New(s)
	ctx := context.Background()

	// an artifact body that quotes another task's heading line must not
	// count as that task being consolidated
	body := "report mentions:\n## Task: TASK-002 (by probe)\nend of quote"
	require.NoError(t, l.Append(ctx, "TASK-001", "probe", []byte(body)))

	ok, err := l.Contains(ctx, "TASK-002")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Append(ctx, "TASK-002", "probe", []byte("real entry")))
	ok, err = l.Contains(ctx, "TASK-002")
	require.NoError(t, err)
	require.True(t, ok)

	data, err := s.Read(DefaultKey)
	require.NoError(t, err)
	require.Contains(t, string(data), "real entry")
}

func TestEntriesRoundTrip(t *testing.T) {
	s := store.NewMemStore()
	l := New(s)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, "TASK-001", "probe", []byte("first body")))
	require.NoError(t, l.Append(ctx, "TASK-002", "scout", []byte("second body")))

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, Entry{TaskID: "TASK-001", AgentID: "probe", Content: "first body"}, entries[0])
	require.Equal(t, Entry{TaskID: "TASK-002", AgentID: "scout", Content: "second body"}, entries[1])
}

func TestEntriesEmpty(t *testing.T) {
	entries, err := New(store.NewMemStore()).Entries(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}
