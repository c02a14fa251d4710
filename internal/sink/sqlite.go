package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL DEFAULT '',
	config_hash  TEXT NOT NULL DEFAULT '',
	mode         TEXT NOT NULL DEFAULT '',
	use_model    INTEGER NOT NULL DEFAULT 0,
	version      TEXT NOT NULL DEFAULT '',
	processed    INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	degraded     INTEGER NOT NULL DEFAULT 0,
	aborted      INTEGER NOT NULL DEFAULT 0,
	abort_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS results (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	note_id           TEXT NOT NULL UNIQUE,
	run_id            TEXT NOT NULL,
	chunk             INTEGER NOT NULL,
	patient_id        TEXT NOT NULL DEFAULT '',
	encounter_id      TEXT NOT NULL DEFAULT '',
	note_datetime     TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	final_stage       TEXT NOT NULL DEFAULT '',
	confidence        REAL NOT NULL DEFAULT 0,
	provenance        TEXT NOT NULL DEFAULT '[]',
	resolution_reason TEXT NOT NULL DEFAULT '',
	degraded          INTEGER NOT NULL DEFAULT 0,
	failure_kind      TEXT NOT NULL DEFAULT '',
	failure_message   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS results_status ON results (status);
`

// Failed rows are replaced by a later attempt; resolved rows are final.
const upsertResult = `
INSERT INTO results (note_id, run_id, chunk, patient_id, encounter_id, note_datetime, status,
	final_stage, confidence, provenance, resolution_reason, degraded, failure_kind, failure_message)
VALUES (:note_id, :run_id, :chunk, :patient_id, :encounter_id, :note_datetime, :status,
	:final_stage, :confidence, :provenance, :resolution_reason, :degraded, :failure_kind, :failure_message)
ON CONFLICT(note_id) DO UPDATE SET
	run_id = excluded.run_id,
	chunk = excluded.chunk,
	patient_id = excluded.patient_id,
	encounter_id = excluded.encounter_id,
	note_datetime = excluded.note_datetime,
	status = excluded.status,
	final_stage = excluded.final_stage,
	confidence = excluded.confidence,
	provenance = excluded.provenance,
	resolution_reason = excluded.resolution_reason,
	degraded = excluded.degraded,
	failure_kind = excluded.failure_kind,
	failure_message = excluded.failure_message
WHERE results.status = 'FAILED'`

// maxInParams keeps IN lists under SQLite's variable limit.
const maxInParams = 500

// SQLite stores results in a SQLite database.
type SQLite struct {
	db   *sqlx.DB
	lock *flock.Flock
	path string
}

type resultRow struct {
	NoteID           string  `db:"note_id"`
	RunID            string  `db:"run_id"`
	Chunk            int     `db:"chunk"`
	PatientID        string  `db:"patient_id"`
	EncounterID      string  `db:"encounter_id"`
	NoteDateTime     string  `db:"note_datetime"`
	Status           string  `db:"status"`
	FinalStage       string  `db:"final_stage"`
	Confidence       float64 `db:"confidence"`
	Provenance       string  `db:"provenance"`
	ResolutionReason string  `db:"resolution_reason"`
	Degraded         bool    `db:"degraded"`
	FailureKind      string  `db:"failure_kind"`
	FailureMessage   string  `db:"failure_message"`
}

type runRow struct {
	RunID       string `db:"run_id"`
	StartedAt   string `db:"started_at"`
	FinishedAt  string `db:"finished_at"`
	ConfigHash  string `db:"config_hash"`
	Mode        string `db:"mode"`
	UseModel    bool   `db:"use_model"`
	Version     string `db:"version"`
	Processed   int    `db:"processed"`
	Skipped     int    `db:"skipped"`
	Failed      int    `db:"failed"`
	Degraded    int    `db:"degraded"`
	Aborted     bool   `db:"aborted"`
	AbortReason string `db:"abort_reason"`
}

func openSQLite(path string, readOnly bool, lock *flock.Flock) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=query_only(1)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if readOnly {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
	} else if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db, lock: lock, path: path}, nil
}

// Begin implements Sink.
func (s *SQLite) Begin(ctx context.Context, run RunInfo, overwrite bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if overwrite {
		if _, err := tx.ExecContext(ctx, `DELETE FROM results`); err != nil {
			return fmt.Errorf("truncate results: %w", err)
		}
	}
	if _, err := tx.NamedExecContext(ctx, `
INSERT INTO runs (run_id, started_at, config_hash, mode, use_model, version)
VALUES (:run_id, :started_at, :config_hash, :mode, :use_model, :version)`, toRunRow(run)); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return tx.Commit()
}

// Completed implements Sink.
func (s *SQLite) Completed(ctx context.Context, noteIDs []string) (map[string]bool, error) {
	done := make(map[string]bool)
	for start := 0; start < len(noteIDs); start += maxInParams {
		end := min(start+maxInParams, len(noteIDs))
		query, args, err := sqlx.In(
			`SELECT note_id FROM results WHERE status = ? AND note_id IN (?)`,
			string(staging.StatusResolved), noteIDs[start:end],
		)
		if err != nil {
			return nil, fmt.Errorf("build completed query: %w", err)
		}
		var ids []string
		if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("query completed notes: %w", err)
		}
		for _, id := range ids {
			done[id] = true
		}
	}
	return done, nil
}

// WriteChunk implements Sink.
func (s *SQLite) WriteChunk(ctx context.Context, chunk int, results []staging.Result) error {
	rows := make([]resultRow, 0, len(results))
	for _, r := range results {
		row, err := toResultRow(chunk, r)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk %d: %w", chunk, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareNamedContext(ctx, upsertResult)
	if err != nil {
		return fmt.Errorf("prepare chunk %d: %w", chunk, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("write note %s: %w", row.NoteID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk %d: %w", chunk, err)
	}
	return nil
}

// Finish implements Sink.
func (s *SQLite) Finish(ctx context.Context, run RunInfo) error {
	_, err := s.db.NamedExecContext(ctx, `
UPDATE runs SET finished_at = :finished_at, processed = :processed, skipped = :skipped,
	failed = :failed, degraded = :degraded, aborted = :aborted, abort_reason = :abort_reason
WHERE run_id = :run_id`, toRunRow(run))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Results implements Store.
func (s *SQLite) Results(ctx context.Context) ([]staging.Result, error) {
	var rows []resultRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT note_id, run_id, chunk, patient_id, encounter_id, note_datetime, status, final_stage,
	confidence, provenance, resolution_reason, degraded, failure_kind, failure_message
FROM results ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	out := make([]staging.Result, 0, len(rows))
	for _, row := range rows {
		r, err := row.result()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Runs implements Store.
func (s *SQLite) Runs(ctx context.Context) ([]RunInfo, error) {
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM runs ORDER BY started_at, run_id`); err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	out := make([]RunInfo, len(rows))
	for i, row := range rows {
		out[i] = row.info()
	}
	return out, nil
}

// Close implements Sink.
func (s *SQLite) Close() error {
	err := s.db.Close()
	if uerr := unlock(s.lock); err == nil {
		err = uerr
	}
	return err
}

func toResultRow(chunk int, r staging.Result) (resultRow, error) {
	prov := r.Provenance
	if prov == nil {
		prov = []staging.ProvenanceEntry{}
	}
	provJSON, err := json.Marshal(prov)
	if err != nil {
		return resultRow{}, fmt.Errorf("encode provenance for note %s: %w", r.NoteID, err)
	}
	row := resultRow{
		NoteID:           r.NoteID,
		RunID:            r.RunID,
		Chunk:            chunk,
		PatientID:        r.PatientID,
		EncounterID:      r.EncounterID,
		NoteDateTime:     formatTime(r.NoteDateTime),
		Status:           string(r.Status),
		Confidence:       r.Confidence,
		Provenance:       string(provJSON),
		ResolutionReason: string(r.Reason),
		Degraded:         r.Degraded,
		FailureKind:      string(r.FailureKind),
		FailureMessage:   r.FailureMessage,
	}
	if r.FinalStage != nil {
		row.FinalStage = r.FinalStage.Encode()
	}
	return row, nil
}

func (row resultRow) result() (staging.Result, error) {
	r := staging.Result{
		RunID:          row.RunID,
		NoteID:         row.NoteID,
		EncounterID:    row.EncounterID,
		PatientID:      row.PatientID,
		NoteDateTime:   parseTime(row.NoteDateTime),
		Status:         staging.Status(row.Status),
		Confidence:     row.Confidence,
		Reason:         staging.ResolutionReason(row.ResolutionReason),
		Degraded:       row.Degraded,
		FailureKind:    staging.FailureKind(row.FailureKind),
		FailureMessage: row.FailureMessage,
	}
	if row.FinalStage != "" {
		stage, err := staging.DecodeStage(row.FinalStage)
		if err != nil {
			return r, fmt.Errorf("note %s: %w", row.NoteID, err)
		}
		r.FinalStage = &stage
	}
	if err := json.Unmarshal([]byte(row.Provenance), &r.Provenance); err != nil {
		return r, fmt.Errorf("note %s: decode provenance: %w", row.NoteID, err)
	}
	return r, nil
}

func toRunRow(run RunInfo) runRow {
	return runRow{
		RunID:       run.RunID,
		StartedAt:   formatTime(run.StartedAt),
		FinishedAt:  formatTime(run.FinishedAt),
		ConfigHash:  run.ConfigHash,
		Mode:        run.Mode,
		UseModel:    run.UseModel,
		Version:     run.Version,
		Processed:   run.Processed,
		Skipped:     run.Skipped,
		Failed:      run.Failed,
		Degraded:    run.Degraded,
		Aborted:     run.Aborted,
		AbortReason: run.AbortReason,
	}
}

func (row runRow) info() RunInfo {
	return RunInfo{
		RunID:       row.RunID,
		StartedAt:   parseTime(row.StartedAt),
		FinishedAt:  parseTime(row.FinishedAt),
		ConfigHash:  row.ConfigHash,
		Mode:        row.Mode,
		UseModel:    row.UseModel,
		Version:     row.Version,
		Processed:   row.Processed,
		Skipped:     row.Skipped,
		Failed:      row.Failed,
		Degraded:    row.Degraded,
		Aborted:     row.Aborted,
		AbortReason: row.AbortReason,
	}
}

var _ Store = (*SQLite)(nil)
