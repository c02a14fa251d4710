package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// maxLineBytes bounds one JSONL record.
const maxLineBytes = 16 << 20

type jsonlReader struct {
	path    string
	f       *os.File
	scanner *bufio.Scanner
	line    int
}

func openJSONL(path string) (*jsonlReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	return &jsonlReader{path: path, f: f, scanner: scanner}, nil
}

func (r *jsonlReader) next(max int) ([]staging.NoteRecord, error) {
	var out []staging.NoteRecord
	for len(out) < max {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return out, &staging.InputSchemaError{Path: r.path, Reason: fmt.Sprintf("line %d", r.line+1), Err: err}
			}
			return out, io.EOF
		}
		r.line++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		note, err := r.decode([]byte(line))
		if err != nil {
			return out, err
		}
		out = append(out, note)
	}
	return out, nil
}

func (r *jsonlReader) decode(line []byte) (staging.NoteRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return staging.NoteRecord{}, r.schemaErr("", "not a JSON object", err)
	}
	for _, col := range RequiredColumns {
		if _, ok := fields[col]; !ok {
			return staging.NoteRecord{}, r.schemaErr(col, "missing", nil)
		}
	}

	str := func(col string) (string, error) {
		raw := fields[col]
		if string(raw) == "null" {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		// Identifier columns are often numeric in warehouse extracts.
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String(), nil
		}
		return "", r.schemaErr(col, "not a string", nil)
	}

	var note staging.NoteRecord
	var err error
	if note.PatientID, err = str(ColPatientID); err != nil {
		return note, err
	}
	if note.EncounterID, err = str(ColEncounterID); err != nil {
		return note, err
	}
	if note.NoteID, err = str(ColNoteID); err != nil {
		return note, err
	}
	if note.NoteText, err = str(ColNoteText); err != nil {
		return note, err
	}
	if note.NoteType, err = str(ColNoteType); err != nil {
		return note, err
	}
	dt, err := str(ColNoteDateTime)
	if err != nil {
		return note, err
	}
	if note.NoteDateTime, err = parseDateTime(dt); err != nil {
		return note, r.schemaErr(ColNoteDateTime, err.Error(), nil)
	}
	if strings.TrimSpace(note.NoteID) == "" {
		return note, r.schemaErr(ColNoteID, "empty", nil)
	}
	return note, nil
}

func (r *jsonlReader) schemaErr(field, reason string, err error) error {
	return &staging.InputSchemaError{
		Path:   fmt.Sprintf("%s:%d", r.path, r.line),
		Field:  field,
		Reason: reason,
		Err:    err,
	}
}

func (r *jsonlReader) close() error { return r.f.Close() }
