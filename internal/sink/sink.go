package sink

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// ErrLocked is returned when another process holds the output lock.
var ErrLocked = errors.New("output is locked by another run")

// RunInfo is the metadata recorded for one run.
type RunInfo struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	ConfigHash  string    `json:"config_hash"`
	Mode        string    `json:"mode"`
	UseModel    bool      `json:"use_model"`
	Version     string    `json:"version"`
	Processed   int       `json:"processed"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	Degraded    int       `json:"degraded"`
	Aborted     bool      `json:"aborted"`
	AbortReason string    `json:"abort_reason,omitempty"`
}

// Sink receives the results of a run.
type Sink interface {
	// Begin records the run. With overwrite set, prior results are removed.
	Begin(ctx context.Context, run RunInfo, overwrite bool) error

	// Completed returns the subset of noteIDs that already have a resolved
	// result. Failed entries are not completed.
	Completed(ctx context.Context, noteIDs []string) (map[string]bool, error)

	// WriteChunk persists one chunk atomically.
	WriteChunk(ctx context.Context, chunk int, results []staging.Result) error

	// Finish records the final run counters.
	Finish(ctx context.Context, run RunInfo) error

	Close() error
}

// Store is a Sink that can also be read back.
type Store interface {
	Sink

	// Results returns the current result per note, in write order.
	Results(ctx context.Context) ([]staging.Result, error)

	// Runs returns every recorded run, oldest first.
	Runs(ctx context.Context) ([]RunInfo, error)
}

// Formats of an output path.
const (
	FormatSQLite = "sqlite"
	FormatJSONL  = "jsonl"
)

// Options control how a store is opened.
type Options struct {
	// ReadOnly opens an existing store without taking the write lock.
	ReadOnly bool

	// Logger receives recovery warnings. Nil discards them.
	Logger *logging.Logger
}

// FormatOf picks the store format from the output path extension.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL
	}
	return FormatSQLite
}

// Open opens the store at path.
func Open(path string, opts Options) (Store, error) {
	if path == "" {
		return nil, errors.New("sink: output path is required")
	}

	var lock *flock.Flock
	if !opts.ReadOnly {
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquiring output lock: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
	}

	var (
		store Store
		err   error
	)
	switch FormatOf(path) {
	case FormatJSONL:
		store, err = openJSONL(path, opts.ReadOnly, lock, opts.Logger)
	default:
		store, err = openSQLite(path, opts.ReadOnly, lock)
	}
	if err != nil {
		_ = unlock(lock)
		return nil, err
	}
	return store, nil
}

func unlock(lock *flock.Flock) error {
	if lock == nil {
		return nil
	}
	return lock.Unlock()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
