package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/fyrsmithlabs/stagextract/internal/reconcile"
	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// ExportOptions select what Export writes.
type ExportOptions struct {
	// Rollup combines notes per encounter. PolicyNone writes one row per note.
	Rollup reconcile.Policy

	// OnlyStaged drops rows without a final stage.
	OnlyStaged bool
}

// ErrUnsupportedExport is returned for export paths that are neither
// .parquet nor .csv.
var ErrUnsupportedExport = errors.New("export path must end in .parquet or .csv")

type noteRow struct {
	RunID            string  `parquet:"run_id"`
	RunStartedAt     string  `parquet:"run_started_at"`
	ConfigHash       string  `parquet:"config_hash"`
	NoteID           string  `parquet:"note_id"`
	EncounterID      string  `parquet:"encounter_id"`
	PatientID        string  `parquet:"patient_id"`
	NoteDateTime     string  `parquet:"note_datetime"`
	Status           string  `parquet:"status"`
	System           string  `parquet:"system"`
	Prefix           string  `parquet:"prefix"`
	T                string  `parquet:"t"`
	N                string  `parquet:"n"`
	M                string  `parquet:"m"`
	Summary          string  `parquet:"summary"`
	Laterality       string  `parquet:"laterality"`
	TumorSequence    *int64  `parquet:"tumor_sequence,optional"`
	FinalStage       string  `parquet:"final_stage"`
	Confidence       float64 `parquet:"confidence"`
	ResolutionReason string  `parquet:"resolution_reason"`
	Degraded         bool    `parquet:"degraded"`
	FailureKind      string  `parquet:"failure_kind"`
	FailureMessage   string  `parquet:"failure_message"`
	Provenance       string  `parquet:"provenance"`
}

var noteHeader = []string{
	"run_id", "run_started_at", "config_hash", "note_id", "encounter_id", "patient_id",
	"note_datetime", "status", "system", "prefix", "t", "n", "m", "summary", "laterality",
	"tumor_sequence", "final_stage", "confidence", "resolution_reason", "degraded",
	"failure_kind", "failure_message", "provenance",
}

func (r noteRow) record() []string {
	return []string{
		r.RunID, r.RunStartedAt, r.ConfigHash, r.NoteID, r.EncounterID, r.PatientID,
		r.NoteDateTime, r.Status, r.System, r.Prefix, r.T, r.N, r.M, r.Summary, r.Laterality,
		formatSeq(r.TumorSequence), r.FinalStage, formatConfidence(r.Confidence), r.ResolutionReason,
		strconv.FormatBool(r.Degraded), r.FailureKind, r.FailureMessage, r.Provenance,
	}
}

type encounterRow struct {
	RunID            string  `parquet:"run_id"`
	RunStartedAt     string  `parquet:"run_started_at"`
	ConfigHash       string  `parquet:"config_hash"`
	PatientID        string  `parquet:"patient_id"`
	EncounterID      string  `parquet:"encounter_id"`
	System           string  `parquet:"system"`
	Prefix           string  `parquet:"prefix"`
	T                string  `parquet:"t"`
	N                string  `parquet:"n"`
	M                string  `parquet:"m"`
	Summary          string  `parquet:"summary"`
	Laterality       string  `parquet:"laterality"`
	TumorSequence    *int64  `parquet:"tumor_sequence,optional"`
	FinalStage       string  `parquet:"final_stage"`
	Confidence       float64 `parquet:"confidence"`
	ResolutionReason string  `parquet:"resolution_reason"`
	SourceNoteID     string  `parquet:"source_note_id"`
	NoteCount        int64   `parquet:"note_count"`
	StagedNotes      int64   `parquet:"staged_notes"`
}

var encounterHeader = []string{
	"run_id", "run_started_at", "config_hash", "patient_id", "encounter_id",
	"system", "prefix", "t", "n", "m", "summary", "laterality", "tumor_sequence",
	"final_stage", "confidence", "resolution_reason", "source_note_id", "note_count", "staged_notes",
}

func (r encounterRow) record() []string {
	return []string{
		r.RunID, r.RunStartedAt, r.ConfigHash, r.PatientID, r.EncounterID,
		r.System, r.Prefix, r.T, r.N, r.M, r.Summary, r.Laterality, formatSeq(r.TumorSequence),
		r.FinalStage, formatConfidence(r.Confidence), r.ResolutionReason, r.SourceNoteID,
		strconv.FormatInt(r.NoteCount, 10), strconv.FormatInt(r.StagedNotes, 10),
	}
}

// stageColumns holds the flattened stage fields shared by both row kinds.
type stageColumns struct {
	system, prefix, t, n, m, summary, laterality, encoded string
	seq                                                   *int64
}

func flatten(s *staging.Stage) stageColumns {
	if s == nil {
		return stageColumns{}
	}
	c := stageColumns{
		system:     string(s.System),
		prefix:     s.Prefix,
		t:          s.T,
		n:          s.N,
		m:          s.M,
		summary:    s.Summary,
		laterality: string(s.Laterality),
		encoded:    s.Encode(),
	}
	if s.TumorSequence != nil {
		seq := int64(*s.TumorSequence)
		c.seq = &seq
	}
	return c
}

// Export writes the results held by store to the tabular file at path,
// choosing Parquet or CSV by extension. It returns the number of rows written.
func Export(ctx context.Context, store Store, path string, opts ExportOptions) (int, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".parquet" && ext != ".csv" {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedExport, path)
	}

	results, err := store.Results(ctx)
	if err != nil {
		return 0, err
	}
	runs, err := store.Runs(ctx)
	if err != nil {
		return 0, err
	}
	runByID := make(map[string]RunInfo, len(runs))
	for _, run := range runs {
		runByID[run.RunID] = run
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export: %w", err)
	}

	var n int
	if opts.Rollup == "" || opts.Rollup == reconcile.PolicyNone {
		rows := noteRows(results, runByID, opts.OnlyStaged)
		n = len(rows)
		err = writeRows(f, ext, noteHeader, rows)
	} else {
		var rows []encounterRow
		rows, err = encounterRows(results, runs, runByID, opts)
		n = len(rows)
		if err == nil {
			err = writeRows(f, ext, encounterHeader, rows)
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("export %s: %w", path, err)
	}
	return n, nil
}

func noteRows(results []staging.Result, runByID map[string]RunInfo, onlyStaged bool) []noteRow {
	rows := make([]noteRow, 0, len(results))
	for _, r := range results {
		if onlyStaged && r.FinalStage == nil {
			continue
		}
		run := runByID[r.RunID]
		prov, _ := json.Marshal(r.Provenance)
		if r.Provenance == nil {
			prov = []byte("[]")
		}
		c := flatten(r.FinalStage)
		rows = append(rows, noteRow{
			RunID:            r.RunID,
			RunStartedAt:     formatTime(run.StartedAt),
			ConfigHash:       run.ConfigHash,
			NoteID:           r.NoteID,
			EncounterID:      r.EncounterID,
			PatientID:        r.PatientID,
			NoteDateTime:     formatTime(r.NoteDateTime),
			Status:           string(r.Status),
			System:           c.system,
			Prefix:           c.prefix,
			T:                c.t,
			N:                c.n,
			M:                c.m,
			Summary:          c.summary,
			Laterality:       c.laterality,
			TumorSequence:    c.seq,
			FinalStage:       c.encoded,
			Confidence:       r.Confidence,
			ResolutionReason: string(r.Reason),
			Degraded:         r.Degraded,
			FailureKind:      string(r.FailureKind),
			FailureMessage:   r.FailureMessage,
			Provenance:       string(prov),
		})
	}
	return rows
}

func encounterRows(results []staging.Result, runs []RunInfo, runByID map[string]RunInfo, opts ExportOptions) ([]encounterRow, error) {
	encounters, err := reconcile.Rollup(results, opts.Rollup)
	if err != nil {
		return nil, err
	}
	runOfNote := make(map[string]string, len(results))
	for _, r := range results {
		runOfNote[r.NoteID] = r.RunID
	}
	var latest RunInfo
	if len(runs) > 0 {
		latest = runs[len(runs)-1]
	}

	rows := make([]encounterRow, 0, len(encounters))
	for _, e := range encounters {
		if opts.OnlyStaged && e.FinalStage == nil {
			continue
		}
		run := latest
		if id, ok := runOfNote[e.SourceNoteID]; ok {
			run = runByID[id]
		}
		c := flatten(e.FinalStage)
		rows = append(rows, encounterRow{
			RunID:            run.RunID,
			RunStartedAt:     formatTime(run.StartedAt),
			ConfigHash:       run.ConfigHash,
			PatientID:        e.PatientID,
			EncounterID:      e.EncounterID,
			System:           c.system,
			Prefix:           c.prefix,
			T:                c.t,
			N:                c.n,
			M:                c.m,
			Summary:          c.summary,
			Laterality:       c.laterality,
			TumorSequence:    c.seq,
			FinalStage:       c.encoded,
			Confidence:       e.Confidence,
			ResolutionReason: string(e.Reason),
			SourceNoteID:     e.SourceNoteID,
			NoteCount:        int64(len(e.NoteIDs)),
			StagedNotes:      int64(e.StagedNotes),
		})
	}
	return rows, nil
}

type csvRecord interface {
	record() []string
}

func writeRows[T csvRecord](w io.Writer, ext string, header []string, rows []T) error {
	if ext == ".parquet" {
		pw := parquet.NewGenericWriter[T](w)
		if _, err := pw.Write(rows); err != nil {
			return err
		}
		return pw.Close()
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(row.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatSeq(seq *int64) string {
	if seq == nil {
		return ""
	}
	return strconv.FormatInt(*seq, 10)
}

func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}
