// Package observability holds the gateway's metrics registry and tracing setup.
//
// Metrics are plain counters and gauges keyed by name and label set, rendered
// in the Prometheus text exposition format by the gateway's /metrics handler:
//
//	observability.Default.IncCounter("dispatch_assigned_total", map[string]string{"capability": "chromium"}, 1)
//	observability.Default.SetGauge("queue_depth", nil, 12)
//
// Tracing uses OpenTelemetry. InitTracing installs a global tracer provider
// for the configured exporter ("none", "stdout", "otlp", "otlphttp"); StartSpan
// opens spans against it. With exporter "none" a no-op provider is installed.
package observability
