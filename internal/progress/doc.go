// Package progress provides the telemetry event model, the non-blocking hub,
// and the emitter interface the scheduler uses to report fetch attempts, host
// state changes, problem clusters, and request dispositions. Events are
// batched on a background goroutine and fanned out to pluggable sinks.
package progress
