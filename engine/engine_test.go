package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/testutil"
	"github.com/hupe1980/flowmesh/model"
	"github.com/hupe1980/flowmesh/registry"
	"github.com/hupe1980/flowmesh/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// quietStore hides the watcher of the wrapped store so that messages are
// only processed by explicit ProcessMessages calls.
type quietStore struct{ core.Store }

func newMock() *model.MockModel {
	return model.NewMockModel("mock", "mock")
}

func newExecutor(t *testing.T, m model.Model, optFns ...func(o *Options)) *Executor {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Config.MessagePollInterval = 10 * time.Millisecond
		o.Config.SupervisorPollInterval = 10 * time.Millisecond
	}}, optFns...)
	e := New(m, fns...)
	require.NoError(t, e.Start(context.Background(), Config{}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func quiet(o *Options) {
	o.Store = quietStore{memory.New()}
	o.Config.MessagePollInterval = time.Hour
}

func statusOf(t *testing.T, e *Executor, id string) core.Status {
	t.Helper()
	s, err := e.GetSession(id)
	require.NoError(t, err)
	return s.Status
}

func waitStatus(t *testing.T, e *Executor, id string, want core.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := e.GetSession(id)
		return err == nil && s.Status == want
	}, waitFor, tick, "session %s never reached %s", id, want)
}

func ofType(e *Executor, typ core.SessionType) []*core.Session {
	var out []*core.Session
	for _, s := range e.GetAllSessions() {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func newManager(title string) *core.Session {
	return testutil.NewManager(title).Build()
}

func TestFullHierarchyCompletes(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Plan:\nComponent: API\nComponent: UI")
	m.When("create specific tasks", "Task: handlers\nTask: models\nTask: tests")
	m.When("complete this task", "implemented")

	var (
		mu        sync.Mutex
		callbacks []error
	)
	e := newExecutor(t, m)
	e.Callbacks().RegisterCallback(NewSessionValidationCallback(func(s *core.Session) error { return s.Validate() }))
	e.Callbacks().RegisterCallback(NewFunctionCallback(core.EventSessionCreated, func(_ context.Context, _ *CallbackContext) error {
		if err := e.registry.CheckInvariants(); err != nil {
			mu.Lock()
			callbacks = append(callbacks, err)
			mu.Unlock()
		}
		return nil
	}))
	completed, unsubscribe := e.Subscribe(100, core.EventSessionCompleted)
	defer unsubscribe()

	mgr, err := e.CreateSession(context.Background(), newManager("shop"))
	require.NoError(t, err)
	waitStatus(t, e, mgr.ID, core.StatusCompleted)

	all := e.GetAllSessions()
	require.Len(t, all, 9)
	for _, s := range all {
		assert.Equal(t, core.StatusCompleted, s.Status, s.Name)
		assert.Equal(t, 100, s.ProgressValue(), s.Name)
	}
	require.NoError(t, e.registry.CheckInvariants())
	mu.Lock()
	assert.Empty(t, callbacks)
	mu.Unlock()

	m2, _ := e.GetSession(mgr.ID)
	require.Len(t, m2.SupervisorAssignments, 2)
	assert.Equal(t, "API", m2.SupervisorAssignments[0].Component)
	assert.Len(t, m2.Messages, 2)

	sups := ofType(e, core.SessionTypeSupervisor)
	require.Len(t, sups, 2)
	assert.Equal(t, "Supervisor - API", sups[0].Name)
	for _, sup := range sups {
		require.NotNil(t, sup.WorkPlan)
		done, total := sup.WorkPlan.Counts()
		assert.Equal(t, 3, total)
		assert.Equal(t, 3, done)
		assert.Len(t, sup.WorkerAssignments, 3)
	}

	workers := ofType(e, core.SessionTypeWorker)
	require.Len(t, workers, 6)
	w := workers[0]
	assert.Equal(t, "Worker - handlers", w.Name)
	require.NotNil(t, w.RequestCall)
	require.NotNil(t, w.RequestCall.Result)
	assert.True(t, w.RequestCall.Result.Success)
	assert.Equal(t, "implemented", w.RequestCall.Result.Output)
	require.Len(t, w.TaskProgress.Steps, 2)
	assert.Equal(t, StepAnalyzing, w.TaskProgress.Steps[0].Name)
	assert.Equal(t, core.StepCompleted, w.TaskProgress.Steps[1].Status)
	assert.NotNil(t, w.TaskProgress.Completed)

	as := e.store.(core.ArtifactStore)
	names, err := as.ListArtifacts(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{w.RequestCall.TaskID + ".md"}, names)

	assert.Equal(t, 9, m.Calls())
	assert.Eventually(t, func() bool { return len(completed) == 9 }, waitFor, tick)
	assert.Eventually(t, func() bool {
		ok, err := e.Settled(context.Background())
		return err == nil && ok
	}, waitFor, tick)

	history, err := e.GetSessionMessages(context.Background(), mgr.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4, "two assignments out, two results in")

	tree, err := e.Tree(mgr.ID)
	require.NoError(t, err)
	assert.Len(t, tree.Sessions(), 9)
}

func TestManagerIsActiveImmediately(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Nothing to split.")
	m.Hold()
	e := newExecutor(t, m)

	mgr, err := e.CreateSession(context.Background(), newManager("now"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, mgr.Status)
	assert.Len(t, e.GetActiveSessions(), 1)

	m.Release()
	waitStatus(t, e, mgr.ID, core.StatusCompleted)
	s, _ := e.GetSession(mgr.ID)
	assert.Equal(t, 100, s.ProgressValue())
}

func TestUnreadySessionsStayIdleWithoutSlot(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Nothing to split.")
	m.Hold()
	defer m.Release()
	e := newExecutor(t, m)
	ctx := context.Background()

	mgr, err := e.CreateSession(ctx, newManager("unready"))
	require.NoError(t, err)
	sup, err := e.CreateSession(ctx, core.NewSupervisorSession(mgr.ID, "Supervisor - API", "API"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusIdle, sup.Status)

	err = e.activate(ctx, sup.ID)
	assert.ErrorIs(t, err, ErrPreconditionUnmet)
	e.Recheck(ctx)

	assert.Equal(t, core.StatusIdle, statusOf(t, e, sup.ID))
	assert.Equal(t, 1, e.sched.running(), "only the manager holds a slot")
	assert.Empty(t, e.Queued())
}

func TestComponentsBecomeIdleSupervisorsUntilAssigned(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Component: API\nComponent: UI")
	m.When("create specific tasks", "No tasks needed.")
	e := newExecutor(t, m, quiet)
	ctx := context.Background()

	mgr, err := e.CreateSession(ctx, newManager("two"))
	require.NoError(t, err)
	waitStatus(t, e, mgr.ID, core.StatusWaiting)

	sups := ofType(e, core.SessionTypeSupervisor)
	require.Len(t, sups, 2)
	for _, s := range sups {
		assert.Equal(t, core.StatusIdle, s.Status)
		assert.Nil(t, s.WorkPlan)
	}
	assert.Equal(t, 0, e.sched.running())

	m.Hold()
	n, err := e.ProcessMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, s := range sups {
		got, _ := e.GetSession(s.ID)
		assert.Equal(t, core.StatusActive, got.Status)
		require.NotNil(t, got.WorkPlan)
		assert.Equal(t, s.Component, got.WorkPlan.Component)
	}

	n, err = e.ProcessMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "processed messages are never delivered again")

	m.Release()
	for _, s := range sups {
		waitStatus(t, e, s.ID, core.StatusCompleted)
	}
	require.Eventually(t, func() bool {
		if _, err := e.ProcessMessages(ctx); err != nil {
			return false
		}
		got, err := e.GetSession(mgr.ID)
		return err == nil && got.Status == core.StatusCompleted
	}, waitFor, tick)
}

func TestCapacityQueuesAndRecheckIsIdempotent(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Nothing to split.")
	m.Hold()
	e := newExecutor(t, m, func(o *Options) {
		o.Config.MaxConcurrentSessions = 1
		o.Config.ManagerRespectsCapacity = true
	})
	ctx := context.Background()
	queued, unsubscribe := e.Subscribe(10, core.EventSessionQueued)
	defer unsubscribe()

	a, err := e.CreateSession(ctx, newManager("a"))
	require.NoError(t, err)
	b, err := e.CreateSession(ctx, newManager("b"))
	require.NoError(t, err)

	assert.Equal(t, core.StatusActive, a.Status)
	assert.Equal(t, core.StatusIdle, b.Status)
	assert.Equal(t, []string{b.ID}, e.Queued())

	e.Recheck(ctx)
	e.Recheck(ctx)
	assert.Equal(t, []string{b.ID}, e.Queued())
	assert.Equal(t, core.StatusIdle, statusOf(t, e, b.ID))
	assert.Len(t, queued, 1)

	m.Release()
	waitStatus(t, e, a.ID, core.StatusCompleted)
	waitStatus(t, e, b.ID, core.StatusCompleted)
	assert.Empty(t, e.Queued())
}

func TestSupervisorProgressRollsUp(t *testing.T) {
	e := newExecutor(t, newMock(), quiet)
	ctx := context.Background()

	mgr, err := e.registry.Create(testutil.NewManager("roll").Status(core.StatusWaiting).Build())
	require.NoError(t, err)
	sup, err := e.registry.Create(testutil.NewSupervisor(mgr.ID, "API").Status(core.StatusWaiting).
		WorkPlan(testutil.Task("t1", core.TaskAssigned), testutil.Task("t2", core.TaskAssigned), testutil.Task("t3", core.TaskAssigned)).
		Build())
	require.NoError(t, err)
	workers := make([]string, 3)
	for i, tid := range []string{"t1", "t2", "t3"} {
		w, err := e.registry.Create(testutil.NewWorker(sup.ID, tid).Status(core.StatusCompleted).RequestCall(tid, tid).Build())
		require.NoError(t, err)
		_, err = e.registry.AssignWorker(sup.ID, w.ID, tid)
		require.NoError(t, err)
		workers[i] = w.ID
	}

	result := func(i int) {
		_, err := e.bus.SendPayload(ctx, workers[i], sup.ID, core.MessageResult,
			core.ResultPayload{TaskID: []string{"t1", "t2", "t3"}[i], Success: true, Output: "ok"})
		require.NoError(t, err)
	}

	result(0)
	result(1)
	n, err := e.ProcessMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	s, _ := e.GetSession(sup.ID)
	assert.Equal(t, 67, s.ProgressValue())
	assert.Equal(t, core.StatusWaiting, s.Status)

	result(2)
	_, err = e.ProcessMessages(ctx)
	require.NoError(t, err)
	s, _ = e.GetSession(sup.ID)
	assert.Equal(t, 100, s.ProgressValue())
	assert.Equal(t, core.StatusCompleted, s.Status)
	assert.Equal(t, core.StatusWaiting, statusOf(t, e, mgr.ID))

	n, err = e.ProcessMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "supervisor result for the manager")
	got, _ := e.GetSession(mgr.ID)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressValue())
}

func TestWorkerFailurePropagatesToParent(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Component: API")
	m.When("create specific tasks", "Task: handlers")
	m.FailWhen("complete this task", errors.New("boom"))
	e := newExecutor(t, m)
	ctx := context.Background()
	childErrors, unsubscribe := e.Subscribe(10, core.EventChildError)
	defer unsubscribe()

	mgr, err := e.CreateSession(ctx, newManager("fail"))
	require.NoError(t, err)

	var worker *core.Session
	require.Eventually(t, func() bool {
		ws := ofType(e, core.SessionTypeWorker)
		if len(ws) == 1 && ws[0].Status == core.StatusError {
			worker = ws[0]
			return true
		}
		return false
	}, waitFor, tick)

	assert.Contains(t, worker.Error, "boom")
	require.NotNil(t, worker.RequestCall.Result)
	assert.False(t, worker.RequestCall.Result.Success)
	assert.Equal(t, worker.Error, worker.RequestCall.Result.Error)
	assert.Equal(t, core.StepFailed, worker.TaskProgress.Steps[1].Status)

	history, err := e.GetSessionMessages(ctx, worker.ID)
	require.NoError(t, err)
	var reported *core.ErrorPayload
	for _, msg := range history {
		if msg.Type == core.MessageError && msg.From == worker.ID {
			var p core.ErrorPayload
			require.NoError(t, msg.Decode(&p))
			reported = &p
			assert.Equal(t, worker.ParentID, msg.To)
		}
	}
	require.NotNil(t, reported)
	assert.Equal(t, worker.Error, reported.Error)

	select {
	case ev := <-childErrors:
		assert.Equal(t, worker.ParentID, ev.SessionID)
		assert.Equal(t, worker.ID, ev.Data["child_id"])
	case <-time.After(waitFor):
		t.Fatal("expected child_error")
	}
	require.Eventually(t, func() bool {
		sup, err := e.GetSession(worker.ParentID)
		return err == nil && sup.WorkPlan != nil && sup.WorkPlan.Tasks[0].Status == core.TaskFailed
	}, waitFor, tick)
	assert.NotEqual(t, core.StatusCompleted, statusOf(t, e, mgr.ID))
}

func TestPauseAndResume(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Nothing to split.")
	m.Hold()
	e := newExecutor(t, m)
	ctx := context.Background()

	mgr, err := e.CreateSession(ctx, newManager("pause"))
	require.NoError(t, err)
	require.NoError(t, e.PauseSession(ctx, mgr.ID))
	assert.Equal(t, core.StatusIdle, statusOf(t, e, mgr.ID))
	assert.True(t, e.IsPaused(mgr.ID))
	assert.Equal(t, 0, e.sched.running())

	e.Recheck(ctx)
	assert.Equal(t, core.StatusIdle, statusOf(t, e, mgr.ID), "paused sessions are not rechecked")
	assert.ErrorIs(t, e.PauseSession(ctx, mgr.ID), ErrNotActive)

	require.NoError(t, e.ResumeSession(ctx, mgr.ID))
	assert.Equal(t, core.StatusActive, statusOf(t, e, mgr.ID))
	assert.False(t, e.IsPaused(mgr.ID))
	assert.ErrorIs(t, e.ResumeSession(ctx, mgr.ID), ErrNotIdle)

	m.Release()
	waitStatus(t, e, mgr.ID, core.StatusCompleted)
	assert.Equal(t, 1, m.Calls(), "the in-flight call was re-attached")
}

func TestCancelOnPauseDiscardsExecution(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Nothing to split.")
	m.Hold()
	e := newExecutor(t, m, func(o *Options) { o.Config.CancelOnPause = true })
	ctx := context.Background()

	mgr, err := e.CreateSession(ctx, newManager("cancel"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Calls() == 1 }, waitFor, tick)
	require.NoError(t, e.PauseSession(ctx, mgr.ID))

	require.Eventually(t, func() bool {
		e.actMu.Lock()
		defer e.actMu.Unlock()
		return len(e.execs) == 0
	}, waitFor, tick)
	assert.Equal(t, core.StatusIdle, statusOf(t, e, mgr.ID))
	s, _ := e.GetSession(mgr.ID)
	assert.Empty(t, s.Error)

	require.NoError(t, e.ResumeSession(ctx, mgr.ID))
	m.Release()
	waitStatus(t, e, mgr.ID, core.StatusCompleted)
	assert.Equal(t, 2, m.Calls())
}

func TestCreateSession_Errors(t *testing.T) {
	ctx := context.Background()
	idle := New(newMock())
	_, err := idle.CreateSession(ctx, newManager("x"))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, idle.Stop(ctx), ErrNotStarted)

	m := newMock()
	m.When("work breakdown", "Nothing to split.")
	e := newExecutor(t, m)
	mgr, err := e.CreateSession(ctx, newManager("x"))
	require.NoError(t, err)

	_, err = e.CreateSession(ctx, core.NewWorkerSession(mgr.ID, "Worker - x"))
	assert.ErrorIs(t, err, registry.ErrInvalidParent)

	waitStatus(t, e, mgr.ID, core.StatusCompleted)
	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	_, err = e.CreateSession(ctx, newManager("late"))
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, e.Start(ctx, Config{}), ErrStopped)
}

func TestStart_InvalidConfig(t *testing.T) {
	e := New(newMock())
	cfg := DefaultConfig
	cfg.MaxConcurrentSessions = 0
	assert.Error(t, e.Start(context.Background(), cfg))
}

func TestStatusUpdateAndQuery(t *testing.T) {
	e := newExecutor(t, newMock(), quiet)
	ctx := context.Background()
	queries, unsubscribe := e.Subscribe(10, core.EventQueryReceived)
	defer unsubscribe()

	mgr, err := e.registry.Create(testutil.NewManager("q").Status(core.StatusWaiting).Build())
	require.NoError(t, err)
	sup, err := e.registry.Create(testutil.NewSupervisor(mgr.ID, "API").Build())
	require.NoError(t, err)

	_, err = e.bus.SendPayload(ctx, sup.ID, mgr.ID, core.MessageStatusUpdate, core.StatusPayload{Progress: 42})
	require.NoError(t, err)
	_, err = e.bus.SendPayload(ctx, sup.ID, mgr.ID, core.MessageQuery, map[string]string{"question": "scope?"})
	require.NoError(t, err)
	_, err = e.bus.SendPayload(ctx, sup.ID, "nobody", core.MessageQuery, "lost")
	require.NoError(t, err)

	n, err := e.ProcessMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, _ := e.GetSession(mgr.ID)
	assert.Equal(t, 42, got.ProgressValue())

	select {
	case ev := <-queries:
		assert.Equal(t, mgr.ID, ev.SessionID)
		assert.JSONEq(t, `{"question":"scope?"}`, ev.Data["payload"].(string))
	case <-time.After(waitFor):
		t.Fatal("expected query_received")
	}

	pending, err := e.bus.PollPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "unknown recipients are still marked processed")
}

func TestClearAll(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Nothing to split.")
	e := newExecutor(t, m)
	ctx := context.Background()

	mgr, err := e.CreateSession(ctx, newManager("wipe"))
	require.NoError(t, err)
	waitStatus(t, e, mgr.ID, core.StatusCompleted)

	require.NoError(t, e.ClearAll(ctx))
	assert.Empty(t, e.GetAllSessions())
	stored, err := e.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
	_, err = e.GetSession(mgr.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRestoreResumesActiveSessions(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	mgr := testutil.NewManager("restored").Status(core.StatusActive).Build()
	require.NoError(t, st.WriteSession(ctx, mgr))

	m := newMock()
	m.When("work breakdown", "Nothing to split.")
	e := newExecutor(t, m, func(o *Options) {
		o.Store = st
		o.Config.Restore = true
	})
	waitStatus(t, e, mgr.ID, core.StatusCompleted)
	assert.Equal(t, 1, m.Calls())
}

func TestSupervisorMonitorEmitsWhenWorkersComplete(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Component: API")
	m.When("create specific tasks", "Task: one\nTask: two")
	m.When("complete this task", "ok")
	e := newExecutor(t, m)
	done, unsubscribe := e.Subscribe(10, core.EventSupervisorWorkersCompleted)
	defer unsubscribe()

	_, err := e.CreateSession(context.Background(), newManager("monitor"))
	require.NoError(t, err)

	select {
	case ev := <-done:
		sups := ofType(e, core.SessionTypeSupervisor)
		require.Len(t, sups, 1)
		assert.Equal(t, sups[0].ID, ev.SessionID)
		assert.Equal(t, 2, ev.Data["workers"])
	case <-time.After(waitFor):
		t.Fatal("expected supervisor_workers_completed")
	}
}

func TestStopDeadlineLeavesPausedSessionsIdle(t *testing.T) {
	m := newMock()
	m.Hold()
	defer m.Release()
	e := newExecutor(t, m)
	ctx := context.Background()

	mgr, err := e.CreateSession(ctx, newManager("shutdown"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Calls() == 1 }, waitFor, tick)

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Stop(stopCtx), context.DeadlineExceeded)

	s, err := e.GetSession(mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIdle, s.Status)
	assert.Empty(t, s.Error)

	stored, err := e.store.ReadSession(ctx, mgr.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIdle, stored.Status)
}

func TestAssignmentShapeMustMatchRecipient(t *testing.T) {
	e := newExecutor(t, newMock(), quiet)
	ctx := context.Background()

	mgr, err := e.registry.Create(testutil.NewManager("shape").Status(core.StatusWaiting).Build())
	require.NoError(t, err)
	sup, err := e.registry.Create(testutil.NewSupervisor(mgr.ID, "API").Build())
	require.NoError(t, err)
	w, err := e.registry.Create(testutil.NewWorker(sup.ID, "handlers").Build())
	require.NoError(t, err)

	_, err = e.bus.SendPayload(ctx, mgr.ID, sup.ID, core.MessageTaskAssignment, core.RequestCall{TaskID: "x", Description: "d"})
	require.NoError(t, err)
	_, err = e.bus.SendPayload(ctx, sup.ID, w.ID, core.MessageTaskAssignment, core.WorkPlan{Component: "API", Tasks: []core.Task{}})
	require.NoError(t, err)

	n, err := e.ProcessMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	gotSup, err := e.GetSession(sup.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIdle, gotSup.Status)
	assert.Nil(t, gotSup.WorkPlan)

	gotWorker, err := e.GetSession(w.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIdle, gotWorker.Status)
	assert.Nil(t, gotWorker.RequestCall)

	pending, err := e.bus.PollPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "rejected assignments are still marked processed")

	toManager, err := core.NewSessionMessage(sup.ID, mgr.ID, core.MessageTaskAssignment, core.WorkPlan{Component: "API"})
	require.NoError(t, err)
	mgrSession, err := e.GetSession(mgr.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, e.handleAssignment(ctx, mgrSession, toManager), core.ErrInvalidPayload)
}

// dropResults fails every write of a result message.
type dropResults struct{ core.Store }

func (s dropResults) WriteMessage(ctx context.Context, m core.SessionMessage) error {
	if m.Type == core.MessageResult {
		return errors.New("disk full")
	}
	return s.Store.WriteMessage(ctx, m)
}

func TestWorkerStaysCompletedWhenResultIsLost(t *testing.T) {
	m := newMock()
	m.When("work breakdown", "Component: API")
	m.When("create specific tasks", "Task: handlers")
	m.When("complete this task", "implemented")
	e := newExecutor(t, m, func(o *Options) { o.Store = dropResults{memory.New()} })
	ctx := context.Background()

	_, err := e.CreateSession(ctx, newManager("lossy"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if len(ofType(e, core.SessionTypeWorker)) != 1 {
			return false
		}
		ok, err := e.Settled(ctx)
		return err == nil && ok
	}, waitFor, tick)

	w := ofType(e, core.SessionTypeWorker)[0]
	assert.Equal(t, core.StatusCompleted, w.Status)
	assert.Empty(t, w.Error)

	msgs, err := e.store.ListMessages(ctx, "")
	require.NoError(t, err)
	for _, msg := range msgs {
		assert.NotEqual(t, core.MessageError, msg.Type, "no error follows a completion")
	}
}

func TestSupervisorMonitorEndsWithStop(t *testing.T) {
	e := newExecutor(t, newMock(), quiet)
	ctx := context.Background()

	mgr, err := e.registry.Create(testutil.NewManager("monitor").Status(core.StatusWaiting).Build())
	require.NoError(t, err)
	sup, err := e.registry.Create(testutil.NewSupervisor(mgr.ID, "API").
		WorkPlan(testutil.Task("t1", core.TaskAssigned)).Status(core.StatusWaiting).Build())
	require.NoError(t, err)
	_, err = e.registry.Create(testutil.NewWorker(sup.ID, "t1").Build())
	require.NoError(t, err)

	monitors := func() int {
		e.actMu.Lock()
		defer e.actMu.Unlock()
		return len(e.monitors)
	}

	e.startMonitor(sup.ID)
	e.startMonitor(sup.ID)
	assert.Equal(t, 1, monitors())

	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, 0, monitors(), "Stop joins running monitors")

	e.startMonitor(sup.ID)
	assert.Equal(t, 0, monitors(), "no monitor starts after Stop")
}
