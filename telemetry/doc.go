// Package telemetry carries the server's fire-and-forget event stream.
//
// Tanks and the session registry publish a topic-keyed event on every state
// transition (session_created, player_left_session, tank_moved, ...). The
// stream is observational only: nothing in the server reads it back, and a
// sink that cannot deliver logs the failure and drops the event.
//
// Sinks:
//
//   - NATSSink publishes each event as JSON on "<prefix>.<topic>".
//   - SQLiteSink journals events into a local SQLite table from a buffered
//     writer goroutine.
//   - LogSink writes events to the structured logger at debug level.
//   - Recorder keeps events in memory and is meant for tests.
//
// SetupTracing wires optional OpenTelemetry tracing for the process.
package telemetry
