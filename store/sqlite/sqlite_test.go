package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/storetest"
	"github.com/hupe1980/flowmesh/internal/testutil"
)

func open(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "flow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store { return open(t) })
}

func TestOpenProject_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := OpenProject(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".flow", DefaultFileName), st.Path())

	mgr := testutil.NewManager("durable").Build()
	require.NoError(t, st.WriteSession(ctx, mgr))
	require.NoError(t, st.Close())

	reopened, err := OpenProject(ctx, dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadSession(ctx, mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, mgr.Name, got.Name)
	assert.Equal(t, "durable", got.ProjectOverview.Title)
}

func TestInit_IsIdempotent(t *testing.T) {
	st := open(t)
	require.NoError(t, st.Init(context.Background(), ""))
	require.NoError(t, st.Init(context.Background(), ""))
}

func TestJournalModeIsWAL(t *testing.T) {
	st := open(t)
	var mode string
	require.NoError(t, st.db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}
