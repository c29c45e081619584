// Package artifact collects the artifacts workers stored through a
// core.ArtifactStore and exports them to a plain directory.
//
// Callers depend on the core.ArtifactStore interface, so every store backend
// (memory, file, sqlite) can be the source.
package artifact
