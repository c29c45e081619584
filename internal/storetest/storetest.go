// Package storetest holds the behavioural suite every core.Store backend
// must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/testutil"
)

// Factory creates a fresh, initialised store for one subtest.
type Factory func(t *testing.T) core.Store

var base = time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("sessions round trip", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("messages lifecycle", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("purge", func(t *testing.T) { testPurge(t, newStore(t)) })
	t.Run("artifacts", func(t *testing.T) { testArtifacts(t, newStore(t)) })
	t.Run("clear", func(t *testing.T) { testClear(t, newStore(t)) })
}

func testSessions(t *testing.T, st core.Store) {
	ctx := context.Background()

	mgr := testutil.NewManager("store").Created(base).Progress(40).Build()
	sup := testutil.NewSupervisor(mgr.ID, "API").Created(base.Add(time.Second)).
		WorkPlan(testutil.Task("t1", core.TaskAssigned)).Build()
	sup.WorkerAssignments = []core.WorkerAssignment{{WorkerID: "w1", TaskIDs: []string{"t1"}}}
	mgr.ChildIDs = []string{sup.ID}
	mgr.Messages = append(mgr.Messages, core.Message{ID: "m1", Timestamp: base, Role: core.RoleUser, Content: "hello"})

	require.NoError(t, st.WriteSession(ctx, sup))
	require.NoError(t, st.WriteSession(ctx, mgr))

	got, err := st.ReadSession(ctx, mgr.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(mgr, got, cmpopts.EquateApproxTime(time.Millisecond), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("manager mismatch (-want +got):\n%s", diff)
	}

	list, err := st.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, mgr.ID, list[0].ID)
	assert.Equal(t, sup.ID, list[1].ID)
	if diff := cmp.Diff(sup, list[1], cmpopts.EquateApproxTime(time.Millisecond), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("supervisor mismatch (-want +got):\n%s", diff)
	}

	got.Name = "mutated"
	again, err := st.ReadSession(ctx, mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, mgr.Name, again.Name)

	mgr.Status = core.StatusCompleted
	require.NoError(t, st.WriteSession(ctx, mgr))
	again, err = st.ReadSession(ctx, mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, again.Status)

	_, err = st.ReadSession(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func message(from, to string, at time.Time) core.SessionMessage {
	m := testutil.MustMessage(from, to, core.MessageResult, core.ResultPayload{TaskID: "t", Success: true, Output: "ok"})
	m.Timestamp = at
	return m
}

func testMessages(t *testing.T, st core.Store) {
	ctx := context.Background()

	late := message("a", "b", base.Add(2*time.Second))
	early := message("b", "c", base)
	other := message("c", "d", base.Add(time.Second))
	for _, m := range []core.SessionMessage{late, early, other} {
		require.NoError(t, st.WriteMessage(ctx, m))
	}

	pending, err := st.ReadPendingMessages(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{early.ID, other.ID, late.ID}, ids(pending))
	assert.JSONEq(t, string(early.Payload), string(pending[0].Payload))

	at := base.Add(time.Minute)
	require.NoError(t, st.MarkProcessed(ctx, early.ID, at))
	require.NoError(t, st.MarkProcessed(ctx, early.ID, at.Add(time.Hour)))

	pending, err = st.ReadPendingMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID, late.ID}, ids(pending))

	forB, err := st.ListMessages(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, []string{early.ID, late.ID}, ids(forB))
	assert.Equal(t, core.MessageProcessed, forB[0].Status)
	require.NotNil(t, forB[0].ProcessedAt)
	assert.WithinDuration(t, at, *forB[0].ProcessedAt, time.Millisecond)

	all, err := st.ListMessages(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	assert.ErrorIs(t, st.MarkProcessed(ctx, "missing", at), core.ErrNotFound)
}

func testPurge(t *testing.T, st core.Store) {
	purger, ok := st.(core.MessagePurger)
	if !ok {
		t.Skip("store does not purge")
	}
	ctx := context.Background()

	old := message("a", "b", base.Add(-10*24*time.Hour))
	oldPending := message("a", "b", base.Add(-9*24*time.Hour))
	fresh := message("a", "b", base)
	for _, m := range []core.SessionMessage{old, oldPending, fresh} {
		require.NoError(t, st.WriteMessage(ctx, m))
	}
	require.NoError(t, st.MarkProcessed(ctx, old.ID, base))
	require.NoError(t, st.MarkProcessed(ctx, fresh.ID, base))

	n, err := purger.PurgeMessages(ctx, base.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := st.ListMessages(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{oldPending.ID, fresh.ID}, ids(all))
}

func testArtifacts(t *testing.T, st core.Store) {
	as, ok := st.(core.ArtifactStore)
	if !ok {
		t.Skip("store does not keep artifacts")
	}
	ctx := context.Background()

	data := []byte("# result\n")
	require.NoError(t, as.SaveArtifact(ctx, "w1", "t1.md", data))
	require.NoError(t, as.SaveArtifact(ctx, "w1", "a.md", []byte("a")))
	data[0] = 'X'

	got, err := as.GetArtifact(ctx, "w1", "t1.md")
	require.NoError(t, err)
	assert.Equal(t, "# result\n", string(got))

	names, err := as.ListArtifacts(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "t1.md"}, names)

	empty, err := as.ListArtifacts(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, as.DeleteArtifact(ctx, "w1", "a.md"))
	assert.ErrorIs(t, as.DeleteArtifact(ctx, "w1", "a.md"), core.ErrNotFound)
	_, err = as.GetArtifact(ctx, "w1", "a.md")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testClear(t *testing.T, st core.Store) {
	ctx := context.Background()
	mgr := testutil.NewManager("clear").Build()
	require.NoError(t, st.WriteSession(ctx, mgr))
	require.NoError(t, st.WriteMessage(ctx, message(mgr.ID, "x", base)))

	require.NoError(t, st.Clear(ctx))

	sessions, err := st.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	msgs, err := st.ListMessages(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, st.WriteSession(ctx, mgr), "store remains usable after Clear")
}

func ids(ms []core.SessionMessage) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
