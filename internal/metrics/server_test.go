package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagextract/internal/logging"
	"github.com/fyrsmithlabs/stagextract/internal/progress"
)

type fakeStatus struct {
	ev progress.Event
	ok bool
}

func (f *fakeStatus) Snapshot() (progress.Event, bool) { return f.ev, f.ok }

func setupTestServer(t *testing.T, cfg *Config, status StatusSource) *Server {
	t.Helper()
	server, err := NewServer(logging.NewNop(), cfg, status)
	require.NoError(t, err)
	return server
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server := setupTestServer(t, nil, nil)
		assert.Equal(t, "localhost:9464", server.config.Addr)
		assert.Equal(t, prometheus.DefaultGatherer, server.gatherer)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})
}

func TestHandleHealth(t *testing.T) {
	rec := get(t, setupTestServer(t, nil, nil), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     StatusSource
		wantStatus string
		wantRun    bool
	}{
		{"no source", nil, "idle", false},
		{"no run yet", &fakeStatus{}, "idle", false},
		{"mid run", &fakeStatus{ev: progress.Event{Kind: progress.KindChunk, RunID: "r1", Processed: 40}, ok: true}, "running", true},
		{"aborted", &fakeStatus{ev: progress.Event{Kind: progress.KindAborted, RunID: "r1"}, ok: true}, "aborted", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Version: "1.2.3", Health: func() string { return "healthy" }}
			rec := get(t, setupTestServer(t, cfg, tt.status), "/api/v1/status")
			require.Equal(t, http.StatusOK, rec.Code)

			var resp StatusResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			assert.Equal(t, "healthy", resp.Telemetry)
			if tt.wantRun {
				require.NotNil(t, resp.Run)
				assert.Equal(t, "r1", resp.Run.RunID)
			} else {
				assert.Nil(t, resp.Run)
			}
		})
	}
}

func TestHandleMetrics(t *testing.T) {
	t.Run("custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_notes_total", Help: "test"})
		reg.MustRegister(c)
		c.Add(3)

		rec := get(t, setupTestServer(t, &Config{Gatherer: reg}, nil), "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "test_notes_total 3")
	})

	t.Run("default registry carries batch collectors", func(t *testing.T) {
		RunsTotal.WithLabelValues("completed")
		ConsecutiveFailures.Set(0)

		rec := get(t, setupTestServer(t, nil, nil), "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "stagextract_batch_runs_total")
		assert.Contains(t, rec.Body.String(), "stagextract_batch_consecutive_failures")
	})
}

func TestServer_Shutdown(t *testing.T) {
	server := setupTestServer(t, &Config{Addr: "127.0.0.1:0"}, nil)
	done := make(chan error, 1)
	go func() { done <- server.Start() }()

	// Shutdown before or after the listener is up must both return cleanly.
	require.NoError(t, server.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
