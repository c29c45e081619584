// Package engine implements the session execution layer of flowmesh.
//
// The Executor coordinates a hierarchy of long-running sessions:
//
//	Manager ──► Supervisor ──► Worker
//
// A manager turns a project overview into components, one supervisor per
// component. A supervisor turns its component into tasks, one worker per
// task. A worker carries out its task. Every step is a single call to the
// configured model.Model; replies are parsed by a parser.ResponseParser.
//
// # Lifecycle
//
//	idle ──activate──► active ──► completed
//	  ▲                  │  │
//	  └──────pause───────┘  ├──► waiting ──(children done)──► completed
//	                        └──► error
//
// Managers activate immediately on creation. Supervisors and workers stay
// idle until their task_assignment message attached a work plan or request
// call. Activation is bounded by Config.MaxConcurrentSessions; ready
// sessions without a slot are queued (FIFO) and picked up by Recheck, which
// runs after every completion, error and pause and on every message tick.
//
// A parent that dispatched children releases its slot and waits. The
// aggregator rolls child results up: supervisor progress is the share of
// completed tasks, manager progress the share of completed supervisors.
// A waiting parent whose children all completed becomes completed.
//
// # Messaging
//
// Sessions talk through the bus package: task_assignment, status_update,
// result, error and query messages are persisted in the core.Store and
// processed by a background loop every Config.MessagePollInterval, or
// sooner when the store implements core.MessageWatcher. Each message is
// routed exactly once.
//
// # Events
//
// Subscribe returns a channel of core.Event values (session_created,
// session_activated, session_queued, session_completed, session_error,
// message_sent and more). Publishing never blocks the executor. Callbacks
// registered on the CallbackManager run synchronously for every event.
//
// # Usage
//
//	exec := engine.New(model, func(o *engine.Options) {
//	    o.Store = file.New()
//	})
//	if err := exec.Start(ctx, engine.DefaultConfig); err != nil {
//	    return err
//	}
//	defer exec.Stop(ctx)
//
//	events, cancel := exec.Subscribe(0, core.EventSessionCompleted)
//	defer cancel()
//
//	mgr, err := exec.CreateSession(ctx, core.NewManagerSession("Manager - Shop", overview))
package engine
