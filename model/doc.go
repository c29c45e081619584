// Package model defines the provider‑agnostic abstractions and concrete
// helpers for interacting with language models inside flowmesh.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (Anthropic, OpenAI, Gemini) implement the Model interface from
// this package so the engine remains decoupled from vendor SDKs. Complete
// drains a Generate call into a single Completion, and RateLimited wraps any
// Model with per-minute request caps, a daily token budget and usage
// bookkeeping.
package model
