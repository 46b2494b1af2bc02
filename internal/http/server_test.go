package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rosterd/internal/derive"
	"github.com/fyrsmithlabs/rosterd/internal/entity"
	"github.com/fyrsmithlabs/rosterd/internal/syncer"
	"github.com/fyrsmithlabs/rosterd/internal/vectorstore"
)

type fakeSyncer struct {
	outcome  syncer.Outcome
	err      error
	report   syncer.ReindexReport
	lastID   string
	lastWipe bool
}

func (f *fakeSyncer) SyncEntity(_ context.Context, recordID string) (syncer.Outcome, error) {
	f.lastID = recordID
	return f.outcome, f.err
}

func (f *fakeSyncer) Reindex(_ context.Context, wipe bool) (syncer.ReindexReport, error) {
	f.lastWipe = wipe
	return f.report, f.err
}

type fakeEntries map[entity.ID]*vectorstore.IndexEntry

func (f fakeEntries) Lookup(_ context.Context, id entity.ID) (*vectorstore.IndexEntry, error) {
	if e, ok := f[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", vectorstore.ErrEntryNotFound, id)
}

func newTestServer(t *testing.T, s Syncer, entries EntryLookup, health HealthFunc) *Server {
	t.Helper()
	srv, err := NewServer(s, entries, health, nil, zap.NewNop(), &Config{Version: "test"})
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		srv, err := NewServer(&fakeSyncer{}, fakeEntries{}, nil, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", srv.config.Host)
		assert.Equal(t, 9090, srv.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeSyncer{}, fakeEntries{}, nil, nil, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when syncer is nil", func(t *testing.T) {
		_, err := NewServer(nil, fakeEntries{}, nil, nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "syncer cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok without checks", func(t *testing.T) {
		rec := do(newTestServer(t, &fakeSyncer{}, fakeEntries{}, nil), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "test", resp.Version)
	})

	t.Run("degraded", func(t *testing.T) {
		health := func(context.Context) (map[string]string, bool) {
			return map[string]string{"feed": "disconnected"}, false
		}
		rec := do(newTestServer(t, &fakeSyncer{}, fakeEntries{}, health), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "disconnected", resp.Components["feed"])
	})
}

func TestHandleSync(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		outcome    syncer.Outcome
		err        error
		wantStatus int
		wantReason string
	}{
		{"indexed", SyncRequest{RecordID: "employee_1_42"}, syncer.OutcomeIndexed, nil, http.StatusOK, ""},
		{"ignored", SyncRequest{RecordID: "settings"}, syncer.OutcomeIgnored, nil, http.StatusOK, ""},
		{"missing record id", SyncRequest{}, 0, nil, http.StatusBadRequest, ""},
		{"missing profile", SyncRequest{RecordID: "leave_7"}, syncer.OutcomeIgnored,
			fmt.Errorf("%w: employee_1_7", entity.ErrMissingProfile), http.StatusNotFound, "missing_profile"},
		{"embedding down", SyncRequest{RecordID: "employee_1_42"}, syncer.OutcomeIgnored,
			fmt.Errorf("%w: timeout", derive.ErrEmbeddingUnavailable), http.StatusServiceUnavailable, "embedding_unavailable"},
		{"closed", SyncRequest{RecordID: "employee_1_42"}, syncer.OutcomeIgnored,
			syncer.ErrClosed, http.StatusServiceUnavailable, "closed"},
		{"unknown failure", SyncRequest{RecordID: "employee_1_42"}, syncer.OutcomeIgnored,
			errors.New("boom"), http.StatusInternalServerError, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSyncer{outcome: tt.outcome, err: tt.err}
			rec := do(newTestServer(t, fs, fakeEntries{}, nil), http.MethodPost, "/api/v1/sync", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusBadRequest {
				return
			}

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.outcome.String(), resp["outcome"])
			assert.Equal(t, tt.wantReason, resp["reason"])
			assert.Equal(t, fs.lastID, resp["record_id"])
		})
	}
}

func TestHandleReindex(t *testing.T) {
	fs := &fakeSyncer{report: syncer.ReindexReport{Records: 9, Entities: 3, Indexed: 3}}
	srv := newTestServer(t, fs, fakeEntries{}, nil)

	rec := do(srv, http.MethodPost, "/api/v1/reindex?wipe=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fs.lastWipe)

	var resp ReindexResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Report.Indexed)

	fs.err = errors.New("listing records: unavailable")
	rec = do(srv, http.MethodPost, "/api/v1/reindex", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, fs.lastWipe)
}

func TestHandleEntity(t *testing.T) {
	entries := fakeEntries{"42": {EntityID: "42", Text: "Name: Jane Doe", Dims: 8}}
	srv := newTestServer(t, &fakeSyncer{}, entries, nil)

	rec := do(srv, http.MethodGet, "/api/v1/entities/42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got vectorstore.IndexEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Name: Jane Doe", got.Text)

	rec = do(srv, http.MethodGet, "/api/v1/entities/7", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeSyncer{}, fakeEntries{}, nil)
	rec := do(srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
