package archive

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/testutil"
	"github.com/hupe1980/flowmesh/registry"
	"github.com/hupe1980/flowmesh/store/memory"
)

// hierarchy registers a manager with one supervisor and two workers and
// writes them to a fresh memory store.
func hierarchy(t *testing.T) (*registry.Registry, *memory.Store, string) {
	t.Helper()
	ctx := context.Background()
	r := registry.New()

	mgr, err := r.Create(testutil.NewManager("shop").Status(core.StatusCompleted).Build())
	require.NoError(t, err)
	sup, err := r.Create(testutil.NewSupervisor(mgr.ID, "API").
		WorkPlan(testutil.Task("t1", core.TaskCompleted), testutil.Task("t2", core.TaskCompleted)).Build())
	require.NoError(t, err)
	for _, tid := range []string{"t1", "t2"} {
		_, err := r.Create(testutil.NewWorker(sup.ID, tid).RequestCall(tid, "do "+tid).Build())
		require.NoError(t, err)
	}

	st := memory.New()
	for _, s := range r.All() {
		require.NoError(t, st.WriteSession(ctx, s))
	}
	return r, st, mgr.ID
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, st, rootID := hierarchy(t)

	a, err := Export(ctx, st, rootID)
	require.NoError(t, err)
	assert.Equal(t, Version, a.Version)
	require.Len(t, a.Session.Children, 1)
	assert.Len(t, a.Session.Children[0].Children, 2)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, a))
	assert.Contains(t, buf.String(), `"exportDate"`)
	assert.Contains(t, buf.String(), `"children"`)

	read, err := Read(&buf)
	require.NoError(t, err)

	target := memory.New()
	root, err := Import(ctx, target, read)
	require.NoError(t, err)
	assert.Equal(t, rootID, root.ID)

	imported, err := target.ListSessions(ctx)
	require.NoError(t, err)
	want := r.All()
	require.Len(t, imported, len(want))

	byID := make(map[string]*core.Session, len(imported))
	for _, s := range imported {
		byID[s.ID] = s
	}
	for _, s := range want {
		if diff := cmp.Diff(s, byID[s.ID], cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("session %s mismatch (-want +got):\n%s", s.Name, diff)
		}
	}

	loaded := registry.New()
	require.NoError(t, loaded.Load(imported), "imported hierarchy keeps its invariants")
}

func TestFromTree(t *testing.T) {
	r, _, rootID := hierarchy(t)
	tree, err := r.Tree(rootID)
	require.NoError(t, err)

	a := FromTree(tree)
	require.NoError(t, a.Validate())
	assert.Len(t, a.Sessions(), 4)
	assert.Equal(t, core.SessionTypeManager, a.Sessions()[0].Type)
}

func TestExport_MissingSession(t *testing.T) {
	_, err := Export(context.Background(), memory.New(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRead_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", "{"},
		{"no session", `{"version":"1.0.0"}`},
		{"future version", `{"version":"2.0.0","session":{"id":"m","type":"manager","projectOverview":{"title":"x"}}}`},
		{"broken parent link", `{"version":"1.0.0","session":{"id":"m","type":"manager","projectOverview":{"title":"x"},
			"children":[{"id":"s","type":"supervisor","parentId":"other"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidArchive)
		})
	}
}
