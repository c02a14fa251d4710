package metrics

import "github.com/fyrsmithlabs/stagextract/internal/progress"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version,omitempty"`
	Telemetry string          `json:"telemetry,omitempty"`
	Run       *progress.Event `json:"run,omitempty"`
}

// StatusSource reports the latest progress of the active run.
type StatusSource interface {
	Snapshot() (progress.Event, bool)
}
