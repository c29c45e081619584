// Package core provides the foundational domain types and interfaces used by
// flowmesh. It defines the core abstractions for:
//
//   - Sessions (manager, supervisor and worker units of delegated work)
//   - Session messages (asynchronous, typed inter-session communication)
//   - Lifecycle events (notifications emitted by the engine)
//   - Pluggable stores for session/message persistence and artifacts
//
// The package intentionally keeps implementation concerns (persistence,
// scheduling, model access) out of scope, exposing small interfaces so that
// storage backends and engines can evolve independently.
package core
