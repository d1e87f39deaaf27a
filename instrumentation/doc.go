// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// When enabled, metrics flow through the OpenTelemetry SDK into a Prometheus
// exporter. The collectors are registered on Config.Registerer, or on a
// private registry exposed by Registry() so the caller can serve it with
// promhttp. When disabled, no-op providers are used.
//
// Meters and tracers are scoped by layer:
//
//	http     request counts and latency per endpoint
//	server   authorization, code exchange, refresh, revocation, registration
//	security rate limiting and replay detection
//	keys     signing key rotations and retention
//	storage  per-backend operation counts, latency and sizes
//
// Credential values are never attached to spans or metrics.
//
// Example:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    Enabled:        true,
//	    ServiceVersion: version,
//	})
//	if err != nil {
//	    return err
//	}
//	defer inst.Shutdown(context.Background())
//	mux.Handle("/metrics", promhttp.HandlerFor(inst.Registry(), promhttp.HandlerOpts{}))
package instrumentation
