// Package telemetry provides comprehensive observability instrumentation for fixpoint.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging fixpoint runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "fixpoint"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("runtime")
//	logger = logger.WithRun("webserver").WithTag(tag)
//	logger.Info("Executing chunk")
//	logger.WithError(err).Error("Chunk execution failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run flow and performance:
//
//	ctx, span := tel.Tracer.Start(ctx, "operation.name")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    attribute.String("chunk.tag", tag),
//	    attribute.String("chunk.fun", "present"),
//	)
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track engine behavior and performance:
//
//	// Record run execution
//	tel.Metrics.RecordRunStarted("webserver")
//	tel.Metrics.RecordRunFinished("finished", duration)
//
//	// Record chunk execution
//	tel.Metrics.RecordChunkExecution("cloud.instance", "present", "true", duration)
//
//	// Record reconciliation
//	tel.Metrics.RecordReconcileRerun("webserver")
//	tel.Metrics.SetPendingChunks("webserver", 3)
//
//	// Record errors
//	tel.Metrics.RecordError("transient", "TIMEOUT")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	// Publish events
//	tel.Events.PublishRunStarted(run, runID)
//	tel.Events.PublishChunkResult(run, tag, stateRef, "true", true, duration)
//	tel.Events.PublishReconcileRerun(run, rerun, pending, wait)
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRun, FilterByTag
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an operation
//	ic := telemetry.StartOperation(ctx, "compile",
//	    attribute.String("run.name", run))
//	defer ic.End(err)
//
//	ic.Logger.Info("Compiling high data")
//
//	// Run context
//	ctx = telemetry.WithRunContext(ctx, run, runID)
//	defer telemetry.EndRunContext(ctx, run, status, err)
//
//	// Chunk context
//	ctx = telemetry.WithChunkContext(ctx, run, tag, stateRef, fun)
//	defer telemetry.EndChunkContext(ctx, run, tag, stateRef, fun, result, changed, err)
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - fixpoint_runs_started_total{run}
//   - fixpoint_runs_finished_total{status}
//   - fixpoint_run_duration_seconds{status}
//   - fixpoint_compile_duration_seconds{run}
//   - fixpoint_chunks_executed_total{state,fun,result}
//   - fixpoint_chunk_duration_seconds{state,fun}
//   - fixpoint_reconcile_reruns_total{run}
//   - fixpoint_pending_chunks{run}
//   - fixpoint_provider_calls_total{provider,fun}
//   - fixpoint_errors_by_class_total{class}
//   - fixpoint_active_runs
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, tokens); the report
//     layer redacts sensitive argument paths before events leave the run
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
