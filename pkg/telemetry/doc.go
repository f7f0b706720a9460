// Package telemetry provides observability instrumentation for PromptGate.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) into one place so the
// evaluation pipeline, guard proxy, and stores share a single
// configuration surface.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "promptgate"
//	cfg.ServiceVersion = "1.0.0"
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tracer.Shutdown(context.Background())
//
// Both *Metrics and *Tracer are nil-safe: components instrumented with
// them run unchanged when telemetry is not wired.
package telemetry
