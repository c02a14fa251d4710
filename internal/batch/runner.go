package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/stagextract/internal/corpus"
	"github.com/fyrsmithlabs/stagextract/internal/extraction"
	"github.com/fyrsmithlabs/stagextract/internal/logging"
	"github.com/fyrsmithlabs/stagextract/internal/metrics"
	"github.com/fyrsmithlabs/stagextract/internal/progress"
	"github.com/fyrsmithlabs/stagextract/internal/sink"
	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

const instrumentationName = "github.com/fyrsmithlabs/stagextract/internal/batch"

// ErrTooManyFailures aborts a run whose consecutive failures reached the
// configured threshold.
var ErrTooManyFailures = errors.New("too many consecutive failures")

// Resolver turns the candidates of one note into its result.
type Resolver interface {
	ResolveNote(note staging.NoteRecord, candidates []staging.Candidate) staging.Result
}

// Options configure a Runner.
type Options struct {
	// RunID defaults to a random UUID.
	RunID string

	ChunkSize int

	// MaxConsecutiveFailures of 0 disables the abort.
	MaxConsecutiveFailures int

	WriteRetryBackoff time.Duration

	// Overwrite drops prior results instead of resuming from them.
	Overwrite bool

	// FallbackToPattern disables a stage whose extractor reports
	// staging.ErrModelUnavailable instead of aborting the run.
	FallbackToPattern bool

	// Recorded with the run.
	ConfigHash string
	Version    string
	UseModel   bool
}

const defaultChunkSize = 500

// Runner executes extraction runs. A Runner may be reused for sequential
// runs but not for concurrent ones.
type Runner struct {
	stages   []Stage
	resolver Resolver
	opts     Options
	logger   *logging.Logger
	tracer   trace.Tracer
	reporter progress.Reporter
	now      func() time.Time
	sleep    func(time.Duration)

	disabled []atomic.Bool

	mu      sync.Mutex
	last    progress.Event
	hasLast bool
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTracer sets the tracer used for run and chunk spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithReporter sets the progress reporter.
func WithReporter(p progress.Reporter) Option {
	return func(r *Runner) {
		if p != nil {
			r.reporter = p
		}
	}
}

// New creates a Runner for the given pipeline.
func New(stages []Stage, resolver Resolver, opts Options, options ...Option) (*Runner, error) {
	if len(stages) == 0 {
		return nil, errors.New("batch: pipeline has no stages")
	}
	for i, s := range stages {
		if s.Extractor == nil {
			return nil, fmt.Errorf("batch: stage %d has no extractor", i)
		}
	}
	if resolver == nil {
		return nil, errors.New("batch: resolver is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.MaxConsecutiveFailures < 0 {
		return nil, fmt.Errorf("batch: max consecutive failures must be >= 0, got %d", opts.MaxConsecutiveFailures)
	}

	r := &Runner{
		stages:   stages,
		resolver: resolver,
		opts:     opts,
		logger:   logging.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		reporter: progress.Nop{},
		now:      time.Now,
		sleep:    time.Sleep,
		disabled: make([]atomic.Bool, len(stages)),
	}
	for _, o := range options {
		o(r)
	}
	r.logger = r.logger.Named("batch")
	return r, nil
}

// Snapshot returns the most recent progress event, if any.
func (r *Runner) Snapshot() (progress.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.hasLast
}

// run holds the state of one Run call.
type run struct {
	info        sink.RunInfo
	summary     RunSummary
	start       time.Time
	seen        map[string]bool
	consecutive int
}

// Run processes every note of src and writes results to out. The returned
// error is nil for a completed run, wraps ErrTooManyFailures,
// staging.ErrModelUnavailable, staging.ErrInputSchema or
// staging.ErrOutputWrite for an aborted one, and is the context error when
// the run was cancelled between chunks.
func (r *Runner) Run(ctx context.Context, src corpus.Source, out sink.Sink) (RunSummary, error) {
	runID := r.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	st := &run{
		start: r.now(),
		seen:  make(map[string]bool),
	}
	st.summary = RunSummary{RunID: runID, Reasons: make(map[staging.ResolutionReason]int)}
	st.info = sink.RunInfo{
		RunID:      runID,
		StartedAt:  st.start,
		ConfigHash: r.opts.ConfigHash,
		Mode:       r.mode(),
		UseModel:   r.opts.UseModel,
		Version:    r.opts.Version,
	}
	for i := range r.disabled {
		r.disabled[i].Store(false)
	}
	metrics.ConsecutiveFailures.Set(0)

	ctx = logging.WithRunID(ctx, runID)
	ctx, span := r.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.chunk_size", r.opts.ChunkSize),
		attribute.Int("run.stages", len(r.stages)),
	))
	defer span.End()

	// Run bookkeeping must land even when the caller cancels.
	bg := context.WithoutCancel(ctx)

	if err := out.Begin(bg, st.info, r.opts.Overwrite); err != nil {
		err = fmt.Errorf("%w: begin run: %w", staging.ErrOutputWrite, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return st.summary, err
	}
	r.logger.Info(ctx, "run started",
		zap.String("mode", st.info.Mode),
		zap.Bool("use_model", r.opts.UseModel),
		zap.Int("stages", len(r.stages)),
		zap.Int("chunk_size", r.opts.ChunkSize),
	)

	runErr := r.loop(ctx, st, src, out)

	st.summary.Elapsed = r.now().Sub(st.start)
	kind := progress.KindCompleted
	outcome := "completed"
	if runErr != nil {
		st.summary.Aborted = true
		st.summary.AbortReason = runErr.Error()
		kind = progress.KindAborted
		outcome = "aborted"
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			outcome = "cancelled"
		}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Int("run.processed", st.summary.Processed),
		attribute.Int("run.skipped", st.summary.Skipped),
		attribute.Int("run.failed", st.summary.Failed),
		attribute.String("run.outcome", outcome),
	)

	st.info.FinishedAt = r.now()
	st.info.Processed = st.summary.Processed
	st.info.Skipped = st.summary.Skipped
	st.info.Failed = st.summary.Failed
	st.info.Degraded = st.summary.Degraded
	st.info.Aborted = st.summary.Aborted
	st.info.AbortReason = st.summary.AbortReason
	if err := out.Finish(bg, st.info); err != nil {
		r.logger.Error(ctx, "failed to record run completion", zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("%w: finish run: %w", staging.ErrOutputWrite, err)
		}
	}

	r.report(bg, r.event(kind, st, st.summary.Chunks-1))
	fields := []zap.Field{
		zap.Int("processed", st.summary.Processed),
		zap.Int("skipped", st.summary.Skipped),
		zap.Int("failed", st.summary.Failed),
		zap.Int("degraded", st.summary.Degraded),
		zap.Duration("elapsed", st.summary.Elapsed),
	}
	if runErr != nil {
		r.logger.Error(ctx, "run aborted", append(fields, zap.Error(runErr))...)
	} else {
		r.logger.Info(ctx, "run completed", fields...)
	}
	return st.summary, runErr
}

func (r *Runner) loop(ctx context.Context, st *run, src corpus.Source, out sink.Sink) error {
	for chunk := 0; ; chunk++ {
		if err := ctx.Err(); err != nil {
			r.logger.Warn(ctx, "run cancelled at chunk boundary", zap.Int("next_chunk", chunk))
			return err
		}

		notes, err := src.Next(ctx, r.opts.ChunkSize)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("reading chunk %d: %w", chunk, err)
		}

		// The chunk runs to completion regardless of cancellation.
		chunkCtx := logging.WithChunk(context.WithoutCancel(ctx), chunk)
		if err := r.processChunk(chunkCtx, st, chunk, notes, out); err != nil {
			return err
		}
	}
}

// noteState tracks one note through the pipeline. Each worker touches only
// its own entry.
type noteState struct {
	note       staging.NoteRecord
	candidates []staging.Candidate
	degraded   bool
	// errored marks degradation caused by an extractor error. It counts
	// toward the consecutive-failure threshold.
	errored bool
	failErr error
}

func (r *Runner) processChunk(ctx context.Context, st *run, chunk int, notes []staging.NoteRecord, out sink.Sink) error {
	started := r.now()
	ctx, span := r.tracer.Start(ctx, "batch.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", chunk),
		attribute.Int("chunk.notes", len(notes)),
	))
	defer span.End()

	pending, err := r.pending(ctx, st, notes, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("chunk.pending", len(pending)))

	states := make([]*noteState, len(pending))
	for i, n := range pending {
		states[i] = &noteState{note: n}
		if err := n.Validate(); err != nil {
			states[i].failErr = err
		}
	}

	var fatal error
	for i := range r.stages {
		if err := r.runStage(ctx, i, states); err != nil && fatal == nil {
			fatal = err
		}
	}

	results := make([]staging.Result, len(states))
	abort := false
	for i, s := range states {
		results[i] = r.resolve(s)
		results[i].RunID = st.summary.RunID

		if s.failErr != nil || s.errored {
			st.consecutive++
		} else {
			st.consecutive = 0
		}
		if limit := r.opts.MaxConsecutiveFailures; limit > 0 && st.consecutive >= limit {
			abort = true
		}
	}
	metrics.ConsecutiveFailures.Set(float64(st.consecutive))

	if len(results) > 0 {
		if err := r.write(ctx, chunk, results, out); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	for _, res := range results {
		st.summary.add(res)
		r.count(res)
	}
	st.summary.Chunks = chunk + 1
	metrics.ChunkDuration.Observe(r.now().Sub(started).Seconds())
	r.report(ctx, r.event(progress.KindChunk, st, chunk))

	if fatal != nil {
		return fatal
	}
	if abort {
		err := fmt.Errorf("%w: %d in a row", ErrTooManyFailures, st.consecutive)
		span.RecordError(err)
		return err
	}
	return nil
}

// pending drops duplicates and notes the sink already holds a resolved
// result for.
func (r *Runner) pending(ctx context.Context, st *run, notes []staging.NoteRecord, out sink.Sink) ([]staging.NoteRecord, error) {
	unique := make([]staging.NoteRecord, 0, len(notes))
	ids := make([]string, 0, len(notes))
	for _, n := range notes {
		if st.seen[n.NoteID] {
			r.logger.Warn(ctx, "duplicate note_id skipped", zap.String("note_id", n.NoteID))
			st.summary.Skipped++
			metrics.NotesTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		st.seen[n.NoteID] = true
		unique = append(unique, n)
		ids = append(ids, n.NoteID)
	}

	done, err := out.Completed(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resume lookup: %w", err)
	}
	if len(done) == 0 {
		return unique, nil
	}

	pending := unique[:0]
	for _, n := range unique {
		if done[n.NoteID] {
			st.summary.Skipped++
			metrics.NotesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		pending = append(pending, n)
	}
	r.logger.Debug(ctx, "skipping completed notes", zap.Int("count", len(done)))
	return pending, nil
}

// runStage runs stage i over the admitted notes. It returns a fatal error
// only for an unavailable model without fallback.
func (r *Runner) runStage(ctx context.Context, i int, states []*noteState) error {
	stage := r.stages[i]
	gate := stage.Gate
	if gate == nil {
		gate = Always
	}
	name := stage.Extractor.Name()

	var g errgroup.Group
	g.SetLimit(max(stage.Workers, 1))

	var (
		mu    sync.Mutex
		fatal error
	)
	for _, s := range states {
		if s.failErr != nil || !gate(s.note, s.candidates) {
			continue
		}
		if r.disabled[i].Load() {
			s.degraded = true
			continue
		}
		metrics.StageNotesTotal.WithLabelValues(name).Inc()

		g.Go(func() error {
			// A stage disabled while this note waited for a slot.
			if r.disabled[i].Load() {
				s.degraded = true
				return nil
			}
			req := extraction.Request{Note: s.note, Prior: append([]staging.Candidate(nil), s.candidates...)}
			cands, err := stage.Extractor.Extract(ctx, req)
			if err == nil {
				s.candidates = append(s.candidates, cands...)
				return nil
			}

			kind := staging.KindOf(err)
			metrics.StageErrorsTotal.WithLabelValues(name, string(kind)).Inc()
			fields := []zap.Field{
				zap.String("note_id", s.note.NoteID),
				zap.String("stage", name),
				zap.String("kind", string(kind)),
				zap.Error(err),
			}

			switch {
			case errors.Is(err, staging.ErrModelUnavailable):
				if r.opts.FallbackToPattern {
					if r.disabled[i].CompareAndSwap(false, true) {
						r.logger.Error(ctx, "extractor unavailable, continuing without stage", fields...)
					}
					s.degraded = true
					return nil
				}
				s.failErr = err
				mu.Lock()
				if fatal == nil {
					fatal = fmt.Errorf("stage %s: %w", name, err)
				}
				mu.Unlock()
			case errors.Is(err, staging.ErrInvalidEncoding),
				errors.Is(err, staging.ErrModelTimeout),
				errors.Is(err, context.DeadlineExceeded),
				errors.Is(err, staging.ErrModelMalformedOutput):
				r.logger.Warn(ctx, "extraction degraded", fields...)
				s.degraded = true
				s.errored = true
			default:
				r.logger.Warn(ctx, "extraction failed", fields...)
				s.failErr = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return fatal
}

func (r *Runner) resolve(s *noteState) staging.Result {
	if s.failErr != nil {
		return staging.FailedResult(s.note, s.failErr)
	}
	res := r.resolver.ResolveNote(s.note, s.candidates)
	res.Degraded = res.Degraded || s.degraded
	return res
}

// write persists a chunk, retrying once after the configured backoff.
func (r *Runner) write(ctx context.Context, chunk int, results []staging.Result, out sink.Sink) error {
	err := out.WriteChunk(ctx, chunk, results)
	if err == nil {
		metrics.ChunkWritesTotal.WithLabelValues("success").Inc()
		return nil
	}

	metrics.ChunkWritesTotal.WithLabelValues("retry").Inc()
	r.logger.Warn(ctx, "chunk write failed, retrying",
		zap.Int("results", len(results)),
		zap.Duration("backoff", r.opts.WriteRetryBackoff),
		zap.Error(err),
	)
	if r.opts.WriteRetryBackoff > 0 {
		r.sleep(r.opts.WriteRetryBackoff)
	}

	if err := out.WriteChunk(ctx, chunk, results); err != nil {
		metrics.ChunkWritesTotal.WithLabelValues("error").Inc()
		return &staging.OutputWriteError{Chunk: chunk, Err: err}
	}
	metrics.ChunkWritesTotal.WithLabelValues("success").Inc()
	return nil
}

func (r *Runner) count(res staging.Result) {
	switch {
	case res.Failed():
		metrics.NotesTotal.WithLabelValues("failed").Inc()
	case res.Degraded:
		metrics.NotesTotal.WithLabelValues("degraded").Inc()
	default:
		metrics.NotesTotal.WithLabelValues("resolved").Inc()
	}
	if !res.Failed() {
		metrics.ResolutionsTotal.WithLabelValues(string(res.Reason)).Inc()
	}
}

func (r *Runner) event(kind progress.Kind, st *run, chunk int) progress.Event {
	ev := progress.Event{
		Kind:      kind,
		RunID:     st.summary.RunID,
		Chunk:     chunk,
		Processed: st.summary.Processed,
		Skipped:   st.summary.Skipped,
		Failed:    st.summary.Failed,
		Degraded:  st.summary.Degraded,
		Elapsed:   r.now().Sub(st.start),
		Timestamp: r.now(),
	}
	if kind == progress.KindAborted {
		ev.AbortReason = st.summary.AbortReason
	}
	return ev
}

func (r *Runner) report(ctx context.Context, ev progress.Event) {
	r.mu.Lock()
	r.last, r.hasLast = ev, true
	r.mu.Unlock()

	if err := r.reporter.Report(ctx, ev); err != nil {
		r.logger.Warn(ctx, "progress report failed", zap.Error(err))
	}
}

func (r *Runner) mode() string {
	if r.opts.Overwrite {
		return "overwrite"
	}
	return "resume"
}
