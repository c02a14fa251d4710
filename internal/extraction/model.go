package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/stagextract/internal/extraction"
	maxRawMatch         = 2048
)

// ModelExtractor implements Extractor by prompting a generative model.
type ModelExtractor struct {
	infer  Inferencer
	cfg    ModelConfig
	logger *logging.Logger
	tracer trace.Tracer
}

// NewModelExtractor wraps infer. Zero config values take defaults.
func NewModelExtractor(infer Inferencer, cfg ModelConfig, logger *logging.Logger) (*ModelExtractor, error) {
	if infer == nil {
		return nil, fmt.Errorf("model extractor requires an inferencer")
	}
	defaults := DefaultModelConfig()
	if cfg.Confidence == 0 {
		cfg.Confidence = defaults.Confidence
	}
	if cfg.Confidence < 0 || cfg.Confidence > 1 {
		return nil, fmt.Errorf("model confidence %v outside [0, 1]", cfg.Confidence)
	}
	if cfg.PromptCharCap == 0 {
		cfg.PromptCharCap = defaults.PromptCharCap
	}
	if cfg.HintWindowChars == 0 {
		cfg.HintWindowChars = defaults.HintWindowChars
	}
	if cfg.TimeoutRetries < 0 {
		cfg.TimeoutRetries = 0
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &ModelExtractor{
		infer:  infer,
		cfg:    cfg,
		logger: logger.Named("model"),
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Name implements Extractor.
func (e *ModelExtractor) Name() string { return "model" }

// Extract returns at most one candidate. Errors wrap
// staging.ErrModelUnavailable, staging.ErrModelTimeout or
// staging.ErrModelMalformedOutput.
func (e *ModelExtractor) Extract(ctx context.Context, req Request) ([]staging.Candidate, error) {
	ctx, span := e.tracer.Start(ctx, "extraction.model",
		trace.WithAttributes(attribute.String("note.id", req.Note.NoteID)),
	)
	defer span.End()

	hints := make([]staging.Span, 0, len(req.Prior))
	for _, c := range req.Prior {
		if c.Span.Len() > 0 {
			hints = append(hints, c.Span)
		}
	}
	prompt := BuildPrompt(req.Note.NoteText, hints, e.cfg)
	span.SetAttributes(
		attribute.Int("prompt.chars", len(prompt)),
		attribute.Int("prompt.hints", len(hints)),
	)
	e.logger.Trace(ctx, "model prompt built",
		zap.String("note_id", req.Note.NoteID),
		logging.RedactedString("prompt", prompt),
		zap.Int("hints", len(hints)),
	)

	raw, err := e.call(ctx, req.Note.NoteID, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("note %s: %w", req.Note.NoteID, err)
	}

	answer, err := ParseResponse(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed output")
		return nil, fmt.Errorf("note %s: %w", req.Note.NoteID, err)
	}
	if answer == nil {
		span.SetAttributes(attribute.Bool("stage.found", false))
		return nil, nil
	}
	span.SetAttributes(
		attribute.Bool("stage.found", true),
		attribute.String("stage.key", answer.Stage.Key()),
	)

	return []staging.Candidate{{
		ID:         req.Note.NoteID + "/model/0",
		NoteID:     req.Note.NoteID,
		Source:     staging.SourceModel,
		RawMatch:   truncateUTF8(raw, maxRawMatch),
		Stage:      answer.Stage,
		Confidence: e.cfg.Confidence,
		Historical: answer.Historical,
	}}, nil
}

// call runs one inference, retrying timeouts with a fresh call.
func (e *ModelExtractor) call(ctx context.Context, noteID, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.TimeoutRetries; attempt++ {
		if attempt > 0 {
			e.logger.Warn(ctx, "retrying model call after timeout",
				zap.String("note_id", noteID),
				zap.Int("attempt", attempt+1),
			)
		}

		out, err := e.once(ctx, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.Is(err, staging.ErrModelTimeout) {
			return "", err
		}
	}
	return "", lastErr
}

func (e *ModelExtractor) once(ctx context.Context, prompt string) (string, error) {
	callCtx := ctx
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := e.infer.Infer(callCtx, prompt)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, staging.ErrModelTimeout) {
		err = fmt.Errorf("%w after %s: %v", staging.ErrModelTimeout, time.Since(start).Round(time.Millisecond), err)
	}
	return "", err
}

var _ Extractor = (*ModelExtractor)(nil)
