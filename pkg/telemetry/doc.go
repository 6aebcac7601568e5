// Package telemetry provides observability instrumentation for lakegate.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and coordinator event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// The pieces plug into the coordinator options directly:
//
//	opts := engine.DefaultOptions()
//	opts.Metrics = tel.Metrics
//	opts.Publisher = tel.Events
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("coordinator")
//	logger.WithRunID(run.ID).WithBranch(run.Branch.Name).Info("Branch created")
//
// # Tracing
//
// NewTracer installs the provider globally, so the coordinator and the
// catalog client spans are exported without further wiring. Supported
// exporters: otlp (gRPC), stdout, none. TracingMiddleware adds server spans
// to chi routers.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder and the catalog client's
// request observer. All series live in a private registry served by Handler:
//
//	lakegate_runs_total{disposition,target}
//	lakegate_run_duration_seconds{disposition}
//	lakegate_stage_duration_seconds{stage}
//	lakegate_imports_total{status}
//	lakegate_expectations_total{passed}
//	lakegate_merge_attempts_total{status}
//	lakegate_cleanup_warnings_total
//	lakegate_catalog_request_duration_seconds{operation,outcome}
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers receive
// events in publish order; the run store subscribes to persist them:
//
//	tel.Events.Subscribe(func(e engine.Event) {
//	    _ = store.SaveEvent(context.Background(), &e)
//	}, nil)
//
// Shutdown delivers queued events before returning.
package telemetry
