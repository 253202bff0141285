package sync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

type flakyChainer struct {
	failures int
	calls    int
}

func (f *flakyChainer) Chain(context.Context, Continuation) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient")
	}
	return nil
}

func retryConfig(attempts int) config.ChainConfig {
	return config.ChainConfig{
		Mode:           "queue",
		Attempts:       attempts,
		Debounce:       "1ms",
		InitialBackoff: "1ms",
		MaxBackoff:     "5ms",
	}
}

func TestRetryingChainer(t *testing.T) {
	c := Continuation{RunID: "run-1", Sources: []string{"csv"}, BatchSize: 10, Chunk: 1}

	t.Run("recovers from transient failures", func(t *testing.T) {
		next := &flakyChainer{failures: 2}
		err := NewRetryingChainer(retryConfig(3), next).Chain(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, 3, next.calls)
	})

	t.Run("gives up after fixed attempts", func(t *testing.T) {
		next := &flakyChainer{failures: 10}
		err := NewRetryingChainer(retryConfig(3), next).Chain(context.Background(), c)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run-1")
		assert.Equal(t, 3, next.calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		cfg := retryConfig(3)
		cfg.Debounce = "1s"
		next := &flakyChainer{}
		err := NewRetryingChainer(cfg, next).Chain(ctx, c)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, next.calls)
	})
}

func TestQueueChainer_Dedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := NewQueueChainer(s)

	c := Continuation{RunID: "run-1", Sources: []string{"csv"}, BatchSize: 10, ImportID: "imp", Chunk: 2}
	require.NoError(t, q.Chain(ctx, c))
	require.NoError(t, q.Chain(ctx, c))

	job, err := s.ClaimJob(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "run-1:2", job.DedupeKey)

	var payload continuationJob
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, c.Request(), payload.TriggerRequest)
	assert.Equal(t, 2, payload.Chunk)

	job, err = s.ClaimJob(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestHTTPChainer(t *testing.T) {
	var got TriggerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sync/trigger", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("async"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := Continuation{RunID: "run-1", Sources: []string{"csv"}, BatchSize: 25, Chunk: 3}
	require.NoError(t, NewHTTPChainer(server.URL+"/", "secret", time.Second).Chain(context.Background(), c))
	assert.Equal(t, "run-1", got.SyncRunID)
	assert.Equal(t, 25, got.BatchSize)
}

func TestHTTPChainer_RejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewHTTPChainer(server.URL, "", time.Second).Chain(context.Background(), Continuation{RunID: "run-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestInFlight(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		status store.RunStatus
		age    time.Duration
		want   bool
	}{
		{"fresh continuing", store.RunContinuing, time.Minute, true},
		{"fresh running", store.RunRunning, time.Minute, true},
		{"stale continuing", store.RunContinuing, time.Hour, false},
		{"paused", store.RunPaused, time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &store.SyncRun{Status: tt.status, UpdatedAt: now.Add(-tt.age)}
			assert.Equal(t, tt.want, inFlight(run, now))
		})
	}
}
