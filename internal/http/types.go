package http

import "github.com/fyrsmithlabs/rosterd/internal/syncer"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// SyncRequest is the request body for POST /api/v1/sync.
type SyncRequest struct {
	RecordID string `json:"record_id"`
}

// SyncResponse is the response body for POST /api/v1/sync.
type SyncResponse struct {
	RecordID string         `json:"record_id"`
	Outcome  syncer.Outcome `json:"outcome"`
	// Reason classifies a failure, e.g. "missing_profile".
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ReindexResponse is the response body for POST /api/v1/reindex.
type ReindexResponse struct {
	Wipe   bool                 `json:"wipe"`
	Report syncer.ReindexReport `json:"report"`
}
