package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagextract/internal/batch"
	"github.com/fyrsmithlabs/stagextract/internal/sink"
	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

var corpusNotes = []map[string]any{
	{"patient_id": "p1", "encounter_id": "e1", "note_id": "n1", "note_datetime": "2024-03-01T09:00:00Z",
		"note_text": "Pathology: T2N1M0, stage IIIA adenocarcinoma", "note_type": "pathology"},
	{"patient_id": "p1", "encounter_id": "e1", "note_id": "n2", "note_datetime": "2024-03-02T09:00:00Z",
		"note_text": "No evidence of metastatic disease (M0 ruled out)", "note_type": "progress"},
	{"patient_id": "p2", "encounter_id": "e2", "note_id": "n3", "note_datetime": "2024-03-03 10:30:00",
		"note_text": "Extensive-stage small cell lung cancer.", "note_type": "oncology"},
}

func writeCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	var buf bytes.Buffer
	for _, n := range corpusNotes {
		line, err := json.Marshal(n)
		require.NoError(t, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes-001.jsonl"), buf.Bytes(), 0o600))
	return dir
}

func execute(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func decodeSummary(t *testing.T, out string) batch.RunSummary {
	t.Helper()
	var s batch.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &s), out)
	return s
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"cancelled", fmt.Errorf("run r1: %w", context.Canceled), exitCancelled},
		{"too many failures", fmt.Errorf("run r1: %w", batch.ErrTooManyFailures), exitFailure},
		{"usage", usageError("missing flag"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	input := writeCorpus(t)
	output := filepath.Join(t.TempDir(), "results.db")

	out, err := execute(ctx, "run", "--input-dir", input, "--output", output, "--log-level", "error")
	require.NoError(t, err)

	summary := decodeSummary(t, out)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 0, summary.Failed)
	assert.False(t, summary.Aborted)

	store, err := sink.Open(output, sink.Options{ReadOnly: true})
	require.NoError(t, err)
	defer store.Close()

	results, err := store.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]staging.Result{}
	for _, r := range results {
		byID[r.NoteID] = r
	}
	require.NotNil(t, byID["n1"].FinalStage)
	assert.Equal(t, "TNM:T2N1M0", byID["n1"].FinalStage.Key())
	assert.Nil(t, byID["n2"].FinalStage)
	assert.Equal(t, staging.ReasonNoMatch, byID["n2"].Reason)
	require.NotNil(t, byID["n3"].FinalStage)
	assert.Equal(t, staging.SystemOther, byID["n3"].FinalStage.System)

	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.RunID, runs[0].RunID)
	assert.Equal(t, "resume", runs[0].Mode)
	assert.NotEmpty(t, runs[0].ConfigHash)
}

func TestRun_Resume(t *testing.T) {
	ctx := context.Background()
	input := writeCorpus(t)
	output := filepath.Join(t.TempDir(), "results.jsonl")
	args := []string{"run", "--input-dir", input, "--output", output, "--log-level", "error"}

	_, err := execute(ctx, args...)
	require.NoError(t, err)

	out, err := execute(ctx, args...)
	require.NoError(t, err)
	summary := decodeSummary(t, out)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 3, summary.Skipped)

	out, err = execute(ctx, append(args, "--mode", "overwrite")...)
	require.NoError(t, err)
	summary = decodeSummary(t, out)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 0, summary.Skipped)
}

func TestRun_FlagsOverrideConfigFile(t *testing.T) {
	input := writeCorpus(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("input:\n  dir: %s\noutput:\n  path: %s\nbatch:\n  chunk_size: 1\nlogging:\n  level: error\n",
		input, filepath.Join(dir, "results.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	out, err := execute(context.Background(), "run", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 3, decodeSummary(t, out).Chunks)

	out, err = execute(context.Background(), "run", "--config", cfgPath, "--chunk-size", "2", "--mode", "overwrite")
	require.NoError(t, err)
	assert.Equal(t, 2, decodeSummary(t, out).Chunks)
}

func TestRun_InvalidInvocation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing input", []string{"run", "--output", "out.db"}},
		{"missing output", []string{"run", "--input-dir", "."}},
		{"bad mode", []string{"run", "--input-dir", ".", "--output", "out.db", "--mode", "append"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(context.Background(), tt.args...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errUsage), "got %v", err)
			assert.Equal(t, exitFailure, exitCode(err))
		})
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := writeCorpus(t)
	output := filepath.Join(t.TempDir(), "results.db")
	out, err := execute(ctx, "run", "--input-dir", input, "--output", output, "--log-level", "error")
	require.Error(t, err)
	assert.Equal(t, exitCancelled, exitCode(err))

	summary := decodeSummary(t, out)
	assert.True(t, summary.Aborted)
	assert.Equal(t, 0, summary.Processed)
}

func TestRun_OutputLocked(t *testing.T) {
	input := writeCorpus(t)
	output := filepath.Join(t.TempDir(), "results.db")

	holder, err := sink.Open(output, sink.Options{})
	require.NoError(t, err)
	defer holder.Close()

	_, err = execute(context.Background(), "run", "--input-dir", input, "--output", output, "--log-level", "error")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sink.ErrLocked))
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestExport_CSV(t *testing.T) {
	ctx := context.Background()
	input := writeCorpus(t)
	dir := t.TempDir()
	output := filepath.Join(dir, "results.db")

	_, err := execute(ctx, "run", "--input-dir", input, "--output", output, "--log-level", "error")
	require.NoError(t, err)

	tests := []struct {
		name     string
		args     []string
		wantRows int
	}{
		{"notes", nil, 3},
		{"only staged", []string{"--only-staged"}, 2},
		{"latest per encounter", []string{"--rollup", "latest"}, 2},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to := filepath.Join(dir, fmt.Sprintf("export-%d.csv", i))
			args := append([]string{"export", "--from", output, "--to", to, "--log-level", "error"}, tt.args...)
			out, err := execute(ctx, args...)
			require.NoError(t, err)
			assert.Contains(t, out, fmt.Sprintf("wrote %d rows", tt.wantRows))

			f, err := os.Open(to)
			require.NoError(t, err)
			defer f.Close()
			records, err := csv.NewReader(f).ReadAll()
			require.NoError(t, err)
			require.Len(t, records, tt.wantRows+1)
			assert.Contains(t, records[0], "run_id")
			assert.Contains(t, records[0], "config_hash")
		})
	}
}

func TestExport_InvalidInvocation(t *testing.T) {
	_, err := execute(context.Background(), "export", "--from", "results.db")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))

	_, err = execute(context.Background(), "export", "--from", "a.db", "--to", "b.csv", "--rollup", "majority")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
}

func TestPatterns(t *testing.T) {
	out, err := execute(context.Background(), "patterns")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 8)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.True(t, strings.HasPrefix(lines[1], "tnm_triple"))

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(`[[pattern]]
name = "broken"
system = "TNM"
weight = 0.9
regex = "(?P<t>T[0-4"
`), 0o600))
	_, err = execute(context.Background(), "patterns", "--patterns", bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, staging.ErrPatternCompile))
}

func TestVersion(t *testing.T) {
	out, err := execute(context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, "stagextract dev\n", out)
}
