package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/testutil"
)

func seed(t *testing.T) (*Registry, *core.Session, *core.Session, *core.Session) {
	t.Helper()
	r := New()
	mgr, err := r.Create(testutil.NewManager("shop").Build())
	require.NoError(t, err)
	sup, err := r.Create(testutil.NewSupervisor(mgr.ID, "API").Build())
	require.NoError(t, err)
	wrk, err := r.Create(testutil.NewWorker(sup.ID, "handlers").Build())
	require.NoError(t, err)
	require.NoError(t, r.CheckInvariants())
	return r, mgr, sup, wrk
}

func TestCreate_AppendsChildExactlyOnce(t *testing.T) {
	r, mgr, sup, wrk := seed(t)

	m, err := r.Get(mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{sup.ID}, m.ChildIDs)

	s, err := r.Get(sup.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{wrk.ID}, s.ChildIDs)

	_, err = r.Create(sup)
	assert.ErrorIs(t, err, ErrDuplicateSession)

	m, _ = r.Get(mgr.ID)
	assert.Len(t, m.ChildIDs, 1)
}

func TestCreate_InvalidParent(t *testing.T) {
	r, mgr, sup, wrk := seed(t)

	cases := map[string]*core.Session{
		"supervisor without parent":   core.NewSupervisorSession("", "x", "x"),
		"supervisor under supervisor": core.NewSupervisorSession(sup.ID, "x", "x"),
		"worker under manager":        core.NewWorkerSession(mgr.ID, "x"),
		"worker under worker":         core.NewWorkerSession(wrk.ID, "x"),
		"unknown parent":              core.NewWorkerSession("missing", "x"),
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Create(s)
			assert.ErrorIs(t, err, ErrInvalidParent)
			assert.False(t, r.Exists(s.ID))
		})
	}

	bad := core.NewManagerSession("m", testutil.Overview("p"))
	bad.ParentID = mgr.ID
	_, err := r.Create(bad)
	assert.ErrorIs(t, err, ErrInvalidParent)
	assert.NoError(t, r.CheckInvariants())
}

func TestGet_ReturnsCopies(t *testing.T) {
	r, mgr, _, _ := seed(t)

	m, err := r.Get(mgr.ID)
	require.NoError(t, err)
	m.Name = "changed"
	m.ChildIDs = append(m.ChildIDs, "bogus")
	m.ProjectOverview.Title = "changed"

	again, _ := r.Get(mgr.ID)
	assert.Equal(t, "Manager - shop", again.Name)
	assert.Len(t, again.ChildIDs, 1)
	assert.Equal(t, "shop", again.ProjectOverview.Title)

	_, err = r.Get("missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestQueries(t *testing.T) {
	r, mgr, sup, wrk := seed(t)

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{mgr.ID, sup.ID, wrk.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	roots := r.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, mgr.ID, roots[0].ID)

	children, err := r.Children(sup.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, wrk.ID, children[0].ID)

	_, err = r.SetStatus(sup.ID, core.StatusActive)
	require.NoError(t, err)
	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, sup.ID, active[0].ID)
}

func TestUpdate_BumpsUpdatedAndProtectsIdentity(t *testing.T) {
	r, mgr, sup, _ := seed(t)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return fixed })

	got, err := r.Update(sup.ID, func(s *core.Session) error {
		s.ParentID = "elsewhere"
		s.ChildIDs = nil
		s.Name = "renamed"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, mgr.ID, got.ParentID)
	assert.Len(t, got.ChildIDs, 1)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, fixed, got.Updated)

	_, err = r.Update(sup.ID, func(s *core.Session) error {
		s.Name = "discarded"
		return errors.New("boom")
	})
	require.Error(t, err)
	s, _ := r.Get(sup.ID)
	assert.Equal(t, "renamed", s.Name)
}

func TestHelpers(t *testing.T) {
	r, mgr, sup, wrk := seed(t)

	_, err := r.AssignSupervisor(mgr.ID, sup.ID, "API", "rest layer")
	require.NoError(t, err)
	_, err = r.AssignSupervisor(mgr.ID, sup.ID, "API", "rest layer")
	require.NoError(t, err)
	m, _ := r.Get(mgr.ID)
	assert.Len(t, m.SupervisorAssignments, 1)

	_, err = r.AddTask(sup.ID, testutil.Task("t1", core.TaskPending))
	require.NoError(t, err)
	s, err := r.AssignWorker(sup.ID, wrk.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, wrk.ID, s.WorkPlan.Tasks[0].AssignedWorkerID)
	assert.Equal(t, core.TaskAssigned, s.WorkPlan.Tasks[0].Status)
	assert.Equal(t, []core.WorkerAssignment{{WorkerID: wrk.ID, TaskIDs: []string{"t1"}}}, s.WorkerAssignments)

	s, err = r.UpdateTaskStatus(sup.ID, "t1", core.TaskCompleted)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, s.WorkPlan.Tasks[0].Status)
	_, err = r.UpdateTaskStatus(sup.ID, "nope", core.TaskCompleted)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = r.UpdateWorkerStep(wrk.ID, "Analyzing task", core.StepInProgress)
	require.NoError(t, err)
	w, err := r.UpdateWorkerStep(wrk.ID, "Analyzing task", core.StepCompleted)
	require.NoError(t, err)
	require.Len(t, w.TaskProgress.Steps, 1)
	assert.Equal(t, core.StepCompleted, w.TaskProgress.Steps[0].Status)

	_, err = r.CompleteWorkerTask(wrk.ID, core.Result{Success: true, Output: "done"})
	assert.Error(t, err, "worker has no request call yet")

	_, err = r.Update(wrk.ID, func(s *core.Session) error {
		s.RequestCall = &core.RequestCall{TaskID: "t1", Description: "d"}
		return nil
	})
	require.NoError(t, err)
	w, err = r.CompleteWorkerTask(wrk.ID, core.Result{Success: true, Output: "done"})
	require.NoError(t, err)
	assert.Equal(t, "done", w.RequestCall.Result.Output)
	assert.NotNil(t, w.TaskProgress.Completed)

	p, err := r.SetProgress(sup.ID, 150)
	require.NoError(t, err)
	assert.Equal(t, 100, p.ProgressValue())

	w, err = r.AppendMessage(wrk.ID, core.NewMessage(core.RoleUser, "hi"))
	require.NoError(t, err)
	assert.Len(t, w.Messages, 1)

	_, err = r.AssignWorker(mgr.ID, wrk.ID, "t1")
	assert.Error(t, err)
	assert.NoError(t, r.CheckInvariants())
}

func TestTree(t *testing.T) {
	r, mgr, sup, wrk := seed(t)
	sup2, err := r.Create(testutil.NewSupervisor(mgr.ID, "UI").Build())
	require.NoError(t, err)

	tree, err := r.Tree(mgr.ID)
	require.NoError(t, err)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, sup.ID, tree.Children[0].Session.ID)
	assert.Equal(t, sup2.ID, tree.Children[1].Session.ID)
	assert.Equal(t, wrk.ID, tree.Children[0].Children[0].Session.ID)

	var depths []int
	tree.Walk(func(_ *Node, d int) { depths = append(depths, d) })
	assert.Equal(t, []int{0, 1, 2, 1}, depths)
	assert.Len(t, tree.Sessions(), 4)
	assert.Len(t, r.Forest(), 1)

	_, err = r.Tree("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLoadAndClear(t *testing.T) {
	r, _, _, _ := seed(t)
	snapshot := r.All()
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, s := range snapshot {
		s.Created = base.Add(time.Duration(i) * time.Second)
	}

	other := New()
	require.NoError(t, other.Load([]*core.Session{snapshot[2], snapshot[0], snapshot[1]}))
	assert.Equal(t, 3, other.Len())
	assert.Equal(t, snapshot[0].ID, other.All()[0].ID)

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.NoError(t, r.CheckInvariants())
}

func TestCheckInvariants_DetectsCorruption(t *testing.T) {
	r, _, sup, _ := seed(t)
	snapshot := r.All()
	snapshot[0].ChildIDs = append(snapshot[0].ChildIDs, sup.ID)

	other := New()
	err := other.Load(snapshot)
	assert.Error(t, err)
}
