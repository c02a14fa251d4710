// Package telemetry provides OpenTelemetry tracing and metrics for
// stagextract runs.
//
// Spans cover the run, each chunk, and each extractor call, so a slow
// model backend or a failing chunk write shows up in the trace view.
// Telemetry is disabled by default; when enabled, exporter failures
// degrade the instance instead of failing the run.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.NewConfig(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tracer := tel.Tracer("github.com/fyrsmithlabs/stagextract/internal/batch")
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4318"
//	  protocol: "http/protobuf"   # or "grpc"
//	  insecure: true
//	  sample_rate: 1.0
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	runner, err := batch.New(stages, resolver, opts, batch.WithTracer(tt.Tracer("test")))
//	tt.AssertSpanExists(t, "batch.chunk")
package telemetry
