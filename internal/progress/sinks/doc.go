// Package sinks implements concrete telemetry consumers: Prometheus counters,
// structured logging, and a Google Cloud Pub/Sub exporter. Each sink satisfies
// the progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
