package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	runKey   struct{}
	chunkKey struct{}
)

// runIDPattern admits UUIDs and operator-chosen run names.
var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// WithRunID tags ctx with the run identifier. It panics on an ID that
// could not have come from the runner.
func WithRunID(ctx context.Context, runID string) context.Context {
	if !runIDPattern.MatchString(runID) {
		panic(fmt.Sprintf("logging: invalid run id %q", runID))
	}
	return context.WithValue(ctx, runKey{}, runID)
}

// WithChunk tags ctx with the zero-based chunk index.
func WithChunk(ctx context.Context, chunk int) context.Context {
	return context.WithValue(ctx, chunkKey{}, chunk)
}

// ChunkFromContext returns the chunk index set by WithChunk.
func ChunkFromContext(ctx context.Context) (int, bool) {
	c, ok := ctx.Value(chunkKey{}).(int)
	return c, ok
}

// ContextFields returns the correlation fields carried by ctx: the active
// span, the run ID and the chunk index.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if id, ok := ctx.Value(runKey{}).(string); ok {
		fields = append(fields, zap.String("run.id", id))
	}
	if c, ok := ChunkFromContext(ctx); ok {
		fields = append(fields, zap.Int("chunk", c))
	}
	return fields
}
