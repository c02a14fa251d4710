package staging

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Wrap them with %w so callers
// can branch with errors.Is.
var (
	ErrInputSchema          = errors.New("input schema error")
	ErrInvalidRecord        = errors.New("invalid note record")
	ErrInvalidEncoding      = errors.New("invalid text encoding")
	ErrModelUnavailable     = errors.New("model unavailable")
	ErrModelTimeout         = errors.New("model timeout")
	ErrModelMalformedOutput = errors.New("model malformed output")
	ErrPatternCompile       = errors.New("pattern compile error")
	ErrOutputWrite          = errors.New("output write error")
)

// FailureKind classifies a per-note failure on an explicit failed entry.
type FailureKind string

const (
	KindNone                 FailureKind = ""
	KindInputInvalid         FailureKind = "INPUT_INVALID"
	KindEncodingInvalid      FailureKind = "ENCODING_INVALID"
	KindModelTimeout         FailureKind = "MODEL_TIMEOUT"
	KindModelMalformedOutput FailureKind = "MODEL_MALFORMED_OUTPUT"
	KindModelUnavailable     FailureKind = "MODEL_UNAVAILABLE"
	KindExtractionError      FailureKind = "EXTRACTION_ERROR"
)

// KindOf maps an error to its failure kind.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidRecord), errors.Is(err, ErrInputSchema):
		return KindInputInvalid
	case errors.Is(err, ErrInvalidEncoding):
		return KindEncodingInvalid
	case errors.Is(err, ErrModelTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindModelTimeout
	case errors.Is(err, ErrModelMalformedOutput):
		return KindModelMalformedOutput
	case errors.Is(err, ErrModelUnavailable):
		return KindModelUnavailable
	default:
		return KindExtractionError
	}
}

// PatternCompileError reports a bad entry in a pattern table.
type PatternCompileError struct {
	Pattern string
	Err     error
}

func (e *PatternCompileError) Error() string {
	return fmt.Sprintf("pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternCompileError) Unwrap() error { return e.Err }

// Is matches ErrPatternCompile.
func (e *PatternCompileError) Is(target error) bool { return target == ErrPatternCompile }

// InputSchemaError reports a corpus that does not match the NoteRecord contract.
type InputSchemaError struct {
	Path   string
	Field  string
	Reason string
	Err    error
}

func (e *InputSchemaError) Error() string {
	msg := "input schema error"
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InputSchemaError) Unwrap() error { return e.Err }

// Is matches ErrInputSchema.
func (e *InputSchemaError) Is(target error) bool { return target == ErrInputSchema }

// OutputWriteError reports a chunk that could not be persisted.
type OutputWriteError struct {
	Chunk int
	Err   error
}

func (e *OutputWriteError) Error() string {
	return fmt.Sprintf("write chunk %d: %v", e.Chunk, e.Err)
}

func (e *OutputWriteError) Unwrap() error { return e.Err }

// Is matches ErrOutputWrite.
func (e *OutputWriteError) Is(target error) bool { return target == ErrOutputWrite }
