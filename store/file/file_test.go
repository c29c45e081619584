package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/storetest"
	"github.com/hupe1980/flowmesh/internal/testutil"
)

func open(t *testing.T, optFns ...func(o *Options)) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir(), optFns...)
	require.NoError(t, err)
	return st
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store { return open(t) })
}

func TestInit_CreatesLayoutAndMetadata(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(context.Background(), dir)
	require.NoError(t, err)

	root := filepath.Join(dir, ".flow")
	assert.Equal(t, root, st.Root())
	for _, sub := range []string{"sessions", "messages", "history", "artifacts"} {
		info, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir())
	}

	meta, err := st.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, meta.Version)
	assert.False(t, meta.Created.IsZero())

	// A second Init keeps the original metadata.
	require.NoError(t, st.Init(context.Background(), dir))
	again, err := st.Metadata(context.Background())
	require.NoError(t, err)
	assert.True(t, meta.Created.Equal(again.Created))
}

func TestWriteSession_RecordsHistory(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	mgr := testutil.NewManager("history").Build()

	require.NoError(t, st.WriteSession(ctx, mgr))
	time.Sleep(2 * time.Millisecond)
	mgr.Status = core.StatusActive
	require.NoError(t, st.WriteSession(ctx, mgr))

	snaps, err := st.History(ctx, mgr.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, core.StatusIdle, snaps[0].Status)
	assert.Equal(t, core.StatusActive, snaps[1].Status)
}

func TestWriteSession_WithoutHistory(t *testing.T) {
	ctx := context.Background()
	st := open(t, func(o *Options) { o.KeepHistory = false })
	mgr := testutil.NewManager("quiet").Build()
	require.NoError(t, st.WriteSession(ctx, mgr))

	snaps, err := st.History(ctx, mgr.ID)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestMessageFilesArePrettyJSON(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	m := testutil.MustMessage("a", "b", core.MessageError, core.ErrorPayload{Error: "boom"})
	require.NoError(t, st.WriteMessage(ctx, m))

	data, err := os.ReadFile(filepath.Join(st.Root(), "messages", m.ID+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"type\": \"error\"")
}

func TestArtifactNamesCannotEscape(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	for _, name := range []string{"", "..", "../x", "a/b"} {
		assert.ErrorIs(t, st.SaveArtifact(ctx, "w1", name, []byte("x")), ErrInvalidName, name)
	}
	assert.ErrorIs(t, st.SaveArtifact(ctx, "../w1", "x.md", []byte("x")), ErrInvalidName)
}

func TestWatchMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := open(t, func(o *Options) { o.PollInterval = 50 * time.Millisecond })

	ch, err := st.WatchMessages(ctx)
	require.NoError(t, err)

	require.NoError(t, st.WriteMessage(context.Background(), testutil.MustMessage("a", "b", core.MessageQuery, "ping")))
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a nudge after a message file was written")
	}

	cancel()
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := open(t)
	_, err := st.ListSessions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
