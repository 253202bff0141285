package api

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/database"
	"github.com/djkubo/admin-hub-sub004/internal/identity"
	"github.com/djkubo/admin-hub-sub004/internal/ingest"
	"github.com/djkubo/admin-hub-sub004/internal/source"
	"github.com/djkubo/admin-hub-sub004/internal/store"
	"github.com/djkubo/admin-hub-sub004/internal/sync"
)

type noopChainer struct{}

func (noopChainer) Chain(context.Context, sync.Continuation) error { return nil }

type testServer struct {
	handler http.Handler
	store   *store.SQLStore
	manager *sync.Manager
	token   string
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	s := store.NewSQLStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	normalizer := identity.NewNormalizer("US")
	registry := source.NewRegistry(
		source.NewStagingFetcher("webhook", s),
		source.NewStagingFetcher("csv", s),
	)
	manager := sync.NewManager(
		config.SyncConfig{DefaultBatchSize: 50, MaxBatchSize: 500},
		s, registry, identity.NewResolver(s, normalizer), noopChainer{}, nil,
	)
	h := NewHandler(config.ServerConfig{AuthToken: token}, manager, s, ingest.NewStager(s, normalizer), []string{"webhook", "csv"})

	return &testServer{handler: h.Routes(), store: s, manager: manager, token: token}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t, "secret")

	for _, header := range []string{"", "Bearer wrong", "secret"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/runs", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/sync/runs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestThenTrigger(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/ingest/webhook", `[
		{"external_id": "w-1", "email": "Ann@Example.com", "full_name": "Ann"},
		{"external_id": "w-2", "phone": "+1 555 123 0000"},
		{"full_name": "no identifiers"}
	]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[ingestResponse](t, rec)
	assert.Equal(t, 3, summary.Received)
	assert.Equal(t, 2, summary.Staged)
	assert.Equal(t, 1, summary.Rejected)

	rec = ts.do(t, http.MethodPost, "/api/v1/sync/trigger", `{"sources": ["webhook"], "batchSize": 10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[sync.TriggerResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, sync.StatusCompleted, resp.Status)
	assert.False(t, resp.HasMore)
	assert.Equal(t, int64(2), resp.Batch.Inserted)
	assert.Equal(t, float64(100), resp.ProgressPct)

	rec = ts.do(t, http.MethodGet, "/api/v1/sync/runs?source=webhook", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Runs []runView `json:"runs"`
	}](t, rec)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, resp.SyncRunID, list.Runs[0].ID)

	rec = ts.do(t, http.MethodGet, "/api/v1/sync/runs/"+resp.SyncRunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	one := decode[struct {
		Run runView `json:"run"`
	}](t, rec)
	assert.Equal(t, store.RunCompleted, one.Run.Status)
	assert.Equal(t, int64(2), one.Run.Totals.Fetched)
	assert.NotNil(t, one.Run.CompletedAt)
}

func TestTriggerErrors(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{"sources": [`, http.StatusBadRequest},
		{"invalid run id", `{"syncRunId": "not-a-uuid"}`, http.StatusBadRequest},
		{"negative batch", `{"batchSize": -1}`, http.StatusBadRequest},
		{"unknown source", `{"sources": ["fax"]}`, http.StatusBadRequest},
		{"unknown run", `{"syncRunId": "0b8b2f9e-6a1c-4d55-9d2e-3f0a7c1e2b44"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/sync/trigger", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			body := decode[errorResponse](t, rec)
			assert.False(t, body.OK)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestTriggerNoWorkWithEmptyBody(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/sync/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[sync.TriggerResponse](t, rec)
	assert.Equal(t, sync.StatusNoWork, resp.Status)
}

func TestTriggerAsync(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/ingest/webhook", `{"external_id": "w-1", "email": "a@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/sync/trigger?async=true", `{"sources": ["webhook"]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	ts.manager.Wait()

	runs, err := ts.store.ListRuns(context.Background(), "webhook", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunCompleted, runs[0].Status)
}

func TestCancelSync(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/sync/cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/sync/cancel", `{"sources": ["webhook"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[sync.TriggerResponse](t, rec)
	assert.Equal(t, sync.StatusCancelled, resp.Status)
	assert.Equal(t, int64(0), resp.Cancelled)
	assert.Equal(t, []string{"webhook"}, resp.CancelledTags)
}

func TestIngestCSV(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/ingest/csv?import_id=imp-1", "email,name\nann@example.com,Ann\nbob@example.com,Bob\n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ingestResponse](t, rec)
	assert.Equal(t, "imp-1", resp.ImportID)
	assert.Equal(t, 2, resp.Staged)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "contacts.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("phone\n+15551230000\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[ingestResponse](t, rec)
	assert.NotEmpty(t, resp.ImportID)
	assert.Equal(t, 1, resp.Staged)

	rec = ts.do(t, http.MethodPost, "/api/v1/ingest/csv", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestUnknownSource(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodPost, "/api/v1/ingest/fax", `{"email": "a@example.com"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConflictReview(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/ingest/webhook", `[
		{"external_id": "w-1", "email": "shared@example.com"},
		{"external_id": "w-2", "email": "shared@example.com"}
	]`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/sync/trigger", `{"sources": ["webhook"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[sync.TriggerResponse](t, rec)
	assert.Equal(t, int64(1), resp.Batch.Conflicts)

	rec = ts.do(t, http.MethodGet, "/api/v1/conflicts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	open := decode[struct {
		Conflicts []conflictView `json:"conflicts"`
	}](t, rec)
	require.Len(t, open.Conflicts, 1)
	c := open.Conflicts[0]
	assert.Equal(t, store.ConflictExternalID, c.ConflictType)
	assert.Equal(t, "w-2", c.ExternalID)

	rec = ts.do(t, http.MethodPost, "/api/v1/conflicts/"+c.ID+"/resolve", `{"strategy": "merge_everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/conflicts/"+c.ID+"/resolve", `{"strategy": "keep_existing"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/conflicts/"+c.ID+"/resolve", `{"strategy": "keep_existing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/conflicts?resolved=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	done := decode[struct {
		Conflicts []conflictView `json:"conflicts"`
	}](t, rec)
	require.Len(t, done.Conflicts, 1)
	assert.True(t, done.Conflicts[0].Resolved)
	assert.Equal(t, "keep_existing", done.Conflicts[0].ResolutionStrategy)
}
