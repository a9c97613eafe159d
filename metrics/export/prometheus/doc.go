// Package prometheus renders goRotate metrics in the Prometheus text exposition format.
//
// [NewPrometheusExporter] wraps a [goRotate.Engine] and serves counters named
// gorotate_*_total plus the gorotate_refresh_latency_seconds histogram through
// [PrometheusExporter.Handler]. Nothing is registered in a global registry;
// callers mount the handler themselves.
package prometheus
