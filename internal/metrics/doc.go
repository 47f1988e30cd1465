/*
Package metrics exports filesystem operation metrics for Prometheus.

# Overview

A Collector is attached to an fsspec registry as its Recorder. Every
adapter operation (info, ls, mkdir, rm, cat, pipe, open, close, find and the
batched forms) reports its name, duration, byte count and error. The
collector keeps cumulative Prometheus series in a private registry and a
resettable per-operation summary for debugging.

	┌─────────────┐
	│  Collector  │
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌──────────▼────────┐
	│  Prometheus  │         │  HTTP Endpoints   │
	│   Registry   │         │  /metrics         │
	│              │         │  /health          │
	│ - Counters   │         │  /debug/operations│
	│ - Histograms │         └───────────────────┘
	│ - Gauges     │
	└──────────────┘

# Series

	<ns>_operations_total{operation,status}
	<ns>_operation_duration_seconds{operation}
	<ns>_operation_size_bytes{operation}
	<ns>_errors_total{operation,code}
	<ns>_active_sessions

The code label is the error taxonomy code (NOT_FOUND, SESSION_ERROR, ...),
or "other" for errors outside it.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Namespace: "chfs",
	})
	if err != nil {
		return err
	}
	registry := fsspec.NewRegistry(fsspec.RegistryOptions{Recorder: collector})
	collector.TrackSessions(registry.Sessions)

	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)
*/
package metrics
