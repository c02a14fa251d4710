package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// JSONL appends one result per line to a file. Run records go to a
// sibling file with a ".runs.jsonl" suffix. The last line for a note_id
// is its current result.
type JSONL struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	runsPath string
	lock     *flock.Flock
	logger   *logging.Logger

	latest map[string]staging.Result
	order  map[string]int
	seq    int
}

func openJSONL(path string, readOnly bool, lock *flock.Flock, logger *logging.Logger) (*JSONL, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	j := &JSONL{
		path:     path,
		runsPath: path + ".runs.jsonl",
		lock:     lock,
		logger:   logger,
		latest:   make(map[string]staging.Result),
		order:    make(map[string]int),
	}

	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}
	if err := j.load(f, readOnly); err != nil {
		f.Close()
		return nil, err
	}
	if !readOnly {
		if err := j.repairRuns(); err != nil {
			f.Close()
			return nil, err
		}
	}
	j.file = f
	return j, nil
}

func (j *JSONL) load(f *os.File, readOnly bool) error {
	end, torn, err := readLines(f, func(line []byte) error {
		var r staging.Result
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		j.remember(r)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s %w", j.path, err)
	}
	if torn && !readOnly {
		return j.dropTail(f, j.path, end)
	}
	return nil
}

// repairRuns cuts a torn record off the run log so later appends start on
// a fresh line.
func (j *JSONL) repairRuns() error {
	f, err := os.OpenFile(j.runsPath, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	end, torn, err := readLines(f, func([]byte) error { return nil })
	if err != nil {
		return fmt.Errorf("%s %w", j.runsPath, err)
	}
	if torn {
		return j.dropTail(f, j.runsPath, end)
	}
	return nil
}

func (j *JSONL) dropTail(f *os.File, path string, end int64) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := f.Truncate(end); err != nil {
		return fmt.Errorf("truncate torn tail of %s: %w", path, err)
	}
	j.logger.Warn(context.Background(), "dropped torn record at end of file",
		zap.String("path", path),
		zap.Int64("offset", end),
		zap.Int64("bytes", info.Size()-end),
	)
	return nil
}

// readLines calls decode for every non-empty line. A final line without a
// newline is a write that never completed: it is not decoded, torn is
// set, and end is the offset just past the last complete line. A bad
// complete line is an error naming its line number.
func readLines(r io.Reader, decode func(line []byte) error) (end int64, torn bool, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	for n := 1; ; n++ {
		line, rerr := br.ReadBytes('\n')
		if rerr != nil && rerr != io.EOF {
			return end, false, fmt.Errorf("read: %w", rerr)
		}
		if rerr == io.EOF {
			return end, len(line) > 0, nil
		}
		if body := bytes.TrimSpace(line); len(body) > 0 {
			if err := decode(body); err != nil {
				return end, false, fmt.Errorf("line %d: %w", n, err)
			}
		}
		end += int64(len(line))
	}
}

// remember applies the same replacement rule as the SQLite store: a
// resolved result is never overwritten.
func (j *JSONL) remember(r staging.Result) {
	prev, ok := j.latest[r.NoteID]
	if ok && !prev.Failed() {
		return
	}
	if !ok {
		j.order[r.NoteID] = j.seq
		j.seq++
	}
	j.latest[r.NoteID] = r
}

// Begin implements Sink.
func (j *JSONL) Begin(_ context.Context, run RunInfo, overwrite bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if overwrite {
		if err := j.file.Truncate(0); err != nil {
			return fmt.Errorf("truncate results: %w", err)
		}
		j.latest = make(map[string]staging.Result)
		j.order = make(map[string]int)
		j.seq = 0
	}
	return j.appendRun(run)
}

// Completed implements Sink.
func (j *JSONL) Completed(_ context.Context, noteIDs []string) (map[string]bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	done := make(map[string]bool)
	for _, id := range noteIDs {
		if r, ok := j.latest[id]; ok && r.Status == staging.StatusResolved {
			done[id] = true
		}
	}
	return done, nil
}

// WriteChunk implements Sink. A failed write truncates the file back to
// its size before the chunk.
func (j *JSONL) WriteChunk(_ context.Context, chunk int, results []staging.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var buf []byte
	for _, r := range results {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode note %s: %w", r.NoteID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	offset, err := j.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", chunk, err)
	}
	if _, err := j.file.Write(buf); err != nil {
		return j.rollback(offset, fmt.Errorf("chunk %d: %w", chunk, err))
	}
	if err := j.file.Sync(); err != nil {
		return j.rollback(offset, fmt.Errorf("chunk %d: sync: %w", chunk, err))
	}

	for _, r := range results {
		j.remember(r)
	}
	return nil
}

func (j *JSONL) rollback(offset int64, err error) error {
	if terr := j.file.Truncate(offset); terr != nil {
		return errors.Join(err, fmt.Errorf("truncate to %d: %w", offset, terr))
	}
	return err
}

// Finish implements Sink.
func (j *JSONL) Finish(_ context.Context, run RunInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendRun(run)
}

func (j *JSONL) appendRun(run RunInfo) error {
	f, err := os.OpenFile(j.runsPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	return f.Sync()
}

// Results implements Store.
func (j *JSONL) Results(_ context.Context) ([]staging.Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]staging.Result, 0, len(j.latest))
	for _, r := range j.latest {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool {
		return j.order[out[a].NoteID] < j.order[out[b].NoteID]
	})
	return out, nil
}

// Runs implements Store. The begin and finish records of a run are merged.
func (j *JSONL) Runs(_ context.Context) ([]RunInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.runsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	var (
		runs  []RunInfo
		index = make(map[string]int)
	)
	_, _, err = readLines(f, func(line []byte) error {
		var run RunInfo
		if err := json.Unmarshal(line, &run); err != nil {
			return err
		}
		if i, ok := index[run.RunID]; ok {
			runs[i] = run
			return nil
		}
		index[run.RunID] = len(runs)
		runs = append(runs, run)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode run log: %w", err)
	}
	return runs, nil
}

// Close implements Sink.
func (j *JSONL) Close() error {
	err := j.file.Close()
	if uerr := unlock(j.lock); err == nil {
		err = uerr
	}
	return err
}

var _ Store = (*JSONL)(nil)
