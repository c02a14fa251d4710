package corpus

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// Input formats.
const (
	FormatAuto    = "auto"
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"
)

// Column names of the note contract.
const (
	ColPatientID    = "patient_id"
	ColEncounterID  = "encounter_id"
	ColNoteID       = "note_id"
	ColNoteDateTime = "note_datetime"
	ColNoteText     = "note_text"
	ColNoteType     = "note_type"
)

// RequiredColumns must be present in every input file.
var RequiredColumns = []string{ColPatientID, ColEncounterID, ColNoteID, ColNoteDateTime, ColNoteText, ColNoteType}

// Source yields notes in a stable order.
type Source interface {
	// Next returns up to max notes. It returns io.EOF once the source is
	// drained, with no notes.
	Next(ctx context.Context, max int) ([]staging.NoteRecord, error)
	Close() error
}

// fileReader reads the notes of one file.
type fileReader interface {
	next(max int) ([]staging.NoteRecord, error)
	close() error
}

// Dir reads every matching file of a directory in lexical order.
type Dir struct {
	files   []string
	format  string
	idx     int
	current fileReader
}

// Options select the files of a corpus directory.
type Options struct {
	// Format is auto, parquet or jsonl. Auto picks by file extension.
	Format string

	// Glob filters file names; empty matches every file of the format.
	Glob string
}

// OpenDir lists the corpus files under dir.
func OpenDir(dir string, opts Options) (*Dir, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening corpus: %s is not a directory", dir)
	}

	format := strings.ToLower(opts.Format)
	if format == "" {
		format = FormatAuto
	}
	switch format {
	case FormatAuto, FormatParquet, FormatJSONL:
	default:
		return nil, fmt.Errorf("opening corpus: unknown format %q", opts.Format)
	}

	glob := opts.Glob
	if glob == "" {
		glob = "*"
	}
	if _, err := filepath.Match(glob, ""); err != nil {
		return nil, fmt.Errorf("opening corpus: bad glob %q: %w", glob, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ok, _ := filepath.Match(glob, name); !ok {
			continue
		}
		if formatOf(name, format) == "" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)

	return &Dir{files: files, format: format}, nil
}

// Files returns the paths that will be read.
func (d *Dir) Files() []string { return d.files }

// Next implements Source.
func (d *Dir) Next(ctx context.Context, max int) ([]staging.NoteRecord, error) {
	if max <= 0 {
		return nil, fmt.Errorf("corpus: max must be positive, got %d", max)
	}
	var out []staging.NoteRecord
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.current == nil {
			if d.idx >= len(d.files) {
				break
			}
			r, err := d.open(d.files[d.idx])
			if err != nil {
				return nil, err
			}
			d.current = r
			d.idx++
		}

		notes, err := d.current.next(max - len(out))
		out = append(out, notes...)
		if err == io.EOF {
			if cerr := d.current.close(); cerr != nil {
				return nil, cerr
			}
			d.current = nil
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

// Close implements Source.
func (d *Dir) Close() error {
	if d.current == nil {
		return nil
	}
	err := d.current.close()
	d.current = nil
	return err
}

func (d *Dir) open(path string) (fileReader, error) {
	switch formatOf(filepath.Base(path), d.format) {
	case FormatParquet:
		return openParquet(path)
	case FormatJSONL:
		return openJSONL(path)
	}
	return nil, fmt.Errorf("corpus: no reader for %s", path)
}

// formatOf returns the reader for name, or "" when the file is skipped.
func formatOf(name, format string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch format {
	case FormatParquet:
		if ext == ".parquet" {
			return FormatParquet
		}
	case FormatJSONL:
		if ext == ".jsonl" || ext == ".ndjson" {
			return FormatJSONL
		}
	default:
		switch ext {
		case ".parquet":
			return FormatParquet
		case ".jsonl", ".ndjson":
			return FormatJSONL
		}
	}
	return ""
}

// Slice is an in-memory Source.
type Slice struct {
	notes []staging.NoteRecord
	pos   int
}

// NewSlice returns a Source over notes.
func NewSlice(notes []staging.NoteRecord) *Slice {
	return &Slice{notes: notes}
}

// Next implements Source.
func (s *Slice) Next(ctx context.Context, max int) ([]staging.NoteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.notes) {
		return nil, io.EOF
	}
	end := s.pos + max
	if end > len(s.notes) {
		end = len(s.notes)
	}
	out := s.notes[s.pos:end]
	s.pos = end
	return out, nil
}

// Close implements Source.
func (s *Slice) Close() error { return nil }

// dateLayouts are tried in order for textual note_datetime values.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

var (
	_ Source = (*Dir)(nil)
	_ Source = (*Slice)(nil)
)
