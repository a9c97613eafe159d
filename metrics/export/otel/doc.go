// Package otel publishes goRotate metrics as OpenTelemetry observable instruments.
//
// [NewOTelExporter] registers one Int64ObservableCounter per engine counter and one
// Int64ObservableGauge per refresh latency bucket. A single callback reads
// [goRotate.Engine.MetricsSnapshot] on each collection cycle.
//
// The caller owns the MeterProvider; the exporter only registers instruments on
// the Meter it is given and never mutates engine state.
package otel
