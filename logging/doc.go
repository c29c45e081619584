// The Logger interface defines the standard logging methods (Debug, Info, Warn,
// Error) that the engine, bus and stores use for observability. This package
// includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - FlowLogger with component/session context and domain helpers
//   - ZapAdapter for deployments standardised on zap
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	exec := engine.New(engine.WithLogger(logger))
package logging
