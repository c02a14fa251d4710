package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
)

// Kind distinguishes chunk events from the final event of a run.
type Kind string

const (
	KindChunk     Kind = "chunk"
	KindCompleted Kind = "completed"
	KindAborted   Kind = "aborted"
)

// Event is a snapshot of run counters.
type Event struct {
	Kind        Kind          `json:"kind"`
	RunID       string        `json:"run_id"`
	Chunk       int           `json:"chunk"`
	Processed   int           `json:"processed"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Degraded    int           `json:"degraded"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	AbortReason string        `json:"abort_reason,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Reporter receives progress events. Errors are advisory; a run never
// fails because progress could not be delivered.
type Reporter interface {
	Report(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(context.Context, Event) error { return nil }

// Log writes events to a structured logger.
type Log struct {
	logger *logging.Logger
}

// NewLog returns a Reporter that logs each event at info level.
func NewLog(logger *logging.Logger) *Log {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Log{logger: logger.Named("progress")}
}

// Report implements Reporter.
func (l *Log) Report(ctx context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.Int("chunk", ev.Chunk),
		zap.Int("processed", ev.Processed),
		zap.Int("skipped", ev.Skipped),
		zap.Int("failed", ev.Failed),
		zap.Int("degraded", ev.Degraded),
		zap.Duration("elapsed", ev.Elapsed),
	}
	switch ev.Kind {
	case KindAborted:
		l.logger.Warn(ctx, "run aborted", append(fields, zap.String("reason", ev.AbortReason))...)
	case KindCompleted:
		l.logger.Info(ctx, "run completed", fields...)
	default:
		l.logger.Info(ctx, "chunk written", fields...)
	}
	return nil
}

// Multi fans an event out to every reporter and joins their errors.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(ctx context.Context, ev Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Reporter = Nop{}
	_ Reporter = (*Log)(nil)
	_ Reporter = Multi(nil)
)
