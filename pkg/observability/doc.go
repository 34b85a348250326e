// Package observability provides OpenTelemetry tracing and Prometheus metrics
// for the governor service.
//
// # Tracing
//
// Initialize the provider at startup. Export is off unless enabled:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "governor",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// # Metrics
//
// Metrics implements the lifecycle, reaper and relay observer hooks:
//
//	metrics := observability.NewMetrics().WithProvider(p)
//	http.Handle("/metrics", metrics.Handler())
package observability
