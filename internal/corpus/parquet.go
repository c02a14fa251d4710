package corpus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// parquetNote is the row layout when note_datetime is stored as text.
type parquetNote struct {
	PatientID    string `parquet:"patient_id,optional"`
	EncounterID  string `parquet:"encounter_id,optional"`
	NoteID       string `parquet:"note_id,optional"`
	NoteDateTime string `parquet:"note_datetime,optional"`
	NoteText     string `parquet:"note_text,optional"`
	NoteType     string `parquet:"note_type,optional"`
}

// parquetTimedNote is the row layout when note_datetime is a timestamp.
type parquetTimedNote struct {
	PatientID    string    `parquet:"patient_id,optional"`
	EncounterID  string    `parquet:"encounter_id,optional"`
	NoteID       string    `parquet:"note_id,optional"`
	NoteDateTime time.Time `parquet:"note_datetime,optional,timestamp"`
	NoteText     string    `parquet:"note_text,optional"`
	NoteType     string    `parquet:"note_type,optional"`
}

type parquetReader struct {
	path   string
	f      *os.File
	read   func(max int) ([]staging.NoteRecord, error)
	closer io.Closer
	row    int64
}

func openParquet(path string) (*parquetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, &staging.InputSchemaError{Path: path, Reason: "not a parquet file", Err: err}
	}

	schema := pf.Schema()
	textual := true
	for _, col := range RequiredColumns {
		leaf, ok := schema.Lookup(col)
		if !ok {
			f.Close()
			return nil, &staging.InputSchemaError{Path: path, Field: col, Reason: "missing"}
		}
		kind := leaf.Node.Type().Kind()
		if col == ColNoteDateTime {
			switch kind {
			case parquet.ByteArray:
			case parquet.Int64:
				textual = false
			default:
				f.Close()
				return nil, &staging.InputSchemaError{Path: path, Field: col, Reason: "want string or timestamp, got " + kind.String()}
			}
			continue
		}
		if kind != parquet.ByteArray {
			f.Close()
			return nil, &staging.InputSchemaError{Path: path, Field: col, Reason: "want string, got " + kind.String()}
		}
	}

	r := &parquetReader{path: path, f: f}
	if textual {
		gr := parquet.NewGenericReader[parquetNote](f)
		r.closer = gr
		r.read = func(max int) ([]staging.NoteRecord, error) {
			rows := make([]parquetNote, max)
			n, err := gr.Read(rows)
			out := make([]staging.NoteRecord, 0, n)
			for _, row := range rows[:n] {
				r.row++
				dt, perr := parseDateTime(row.NoteDateTime)
				if perr != nil {
					return out, r.schemaErr(ColNoteDateTime, perr.Error())
				}
				note, verr := r.note(row.PatientID, row.EncounterID, row.NoteID, row.NoteText, row.NoteType, dt)
				if verr != nil {
					return out, verr
				}
				out = append(out, note)
			}
			return out, err
		}
	} else {
		gr := parquet.NewGenericReader[parquetTimedNote](f)
		r.closer = gr
		r.read = func(max int) ([]staging.NoteRecord, error) {
			rows := make([]parquetTimedNote, max)
			n, err := gr.Read(rows)
			out := make([]staging.NoteRecord, 0, n)
			for _, row := range rows[:n] {
				r.row++
				dt := row.NoteDateTime
				if !dt.IsZero() {
					dt = dt.UTC()
				}
				note, verr := r.note(row.PatientID, row.EncounterID, row.NoteID, row.NoteText, row.NoteType, dt)
				if verr != nil {
					return out, verr
				}
				out = append(out, note)
			}
			return out, err
		}
	}
	return r, nil
}

func (r *parquetReader) note(patient, encounter, noteID, text, noteType string, dt time.Time) (staging.NoteRecord, error) {
	if strings.TrimSpace(noteID) == "" {
		return staging.NoteRecord{}, r.schemaErr(ColNoteID, "empty")
	}
	return staging.NoteRecord{
		PatientID:    patient,
		EncounterID:  encounter,
		NoteID:       noteID,
		NoteDateTime: dt,
		NoteText:     text,
		NoteType:     noteType,
	}, nil
}

func (r *parquetReader) next(max int) ([]staging.NoteRecord, error) {
	out, err := r.read(max)
	if errors.Is(err, io.EOF) {
		return out, io.EOF
	}
	if err != nil {
		var schemaErr *staging.InputSchemaError
		if errors.As(err, &schemaErr) {
			return out, err
		}
		return out, &staging.InputSchemaError{Path: r.path, Reason: fmt.Sprintf("row %d", r.row), Err: err}
	}
	return out, nil
}

func (r *parquetReader) schemaErr(field, reason string) error {
	return &staging.InputSchemaError{
		Path:   fmt.Sprintf("%s: row %d", r.path, r.row),
		Field:  field,
		Reason: reason,
	}
}

func (r *parquetReader) close() error {
	return errors.Join(r.closer.Close(), r.f.Close())
}
