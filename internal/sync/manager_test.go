package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/database"
	"github.com/djkubo/admin-hub-sub004/internal/identity"
	"github.com/djkubo/admin-hub-sub004/internal/source"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

type recordingChainer struct {
	mu    sync.Mutex
	calls []Continuation
	err   error
}

func (c *recordingChainer) Chain(_ context.Context, cont Continuation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cont)
	return c.err
}

func (c *recordingChainer) last(t *testing.T) Continuation {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.calls)
	return c.calls[len(c.calls)-1]
}

func (c *recordingChainer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type brokenFetcher struct{}

func (brokenFetcher) Source() string { return "broken" }

func (brokenFetcher) Pending(context.Context, source.Scope, store.Cursor) (int64, error) {
	return 1, nil
}

func (brokenFetcher) Fetch(context.Context, source.Scope, store.Cursor, int) (*source.Page, error) {
	return nil, errors.New("provider returned 401 unauthorized")
}

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	s := store.NewSQLStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, s *store.SQLStore, chainer Chainer) *Manager {
	t.Helper()
	registry := source.NewRegistry(
		source.NewStagingFetcher("csv", s),
		source.NewStagingFetcher("webhook", s),
		brokenFetcher{},
	)
	resolver := identity.NewResolver(s, identity.NewNormalizer("US"))
	cfg := config.SyncConfig{DefaultBatchSize: 50, MaxBatchSize: 500}
	return NewManager(cfg, s, registry, resolver, chainer, nil)
}

func stageRows(t *testing.T, s store.Store, src string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec, err := store.NewRawRecord(src, fmt.Sprintf("%s-%d", src, i), "", store.ContactPayload{
			Email:    fmt.Sprintf("%s.user%d@example.com", src, i),
			FullName: fmt.Sprintf("User %d", i),
		})
		require.NoError(t, err)
		_, err = s.StageRecord(context.Background(), rec)
		require.NoError(t, err)
	}
}

func TestManager_ChainedRunConverges(t *testing.T) {
	s := newTestStore(t)
	chainer := &recordingChainer{}
	m := newTestManager(t, s, chainer)
	ctx := context.Background()

	stageRows(t, s, "csv", 250)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, BatchSize: 50})
	for i := 1; i <= 5; i++ {
		require.NoError(t, err)
		require.True(t, resp.OK)
		assert.Equal(t, i, resp.Chunk)
		assert.Equal(t, int64(50), resp.Batch.Processed)
		assert.Equal(t, int64(i*50), resp.Totals.Fetched)
		assert.Equal(t, i < 5, resp.HasMore, "invocation %d", i)

		if i == 5 {
			break
		}
		assert.Equal(t, StatusContinuing, resp.Status)
		assert.Equal(t, int64(250-i*50), resp.Pending.Total)

		m.Wait()
		require.Equal(t, i, chainer.count())
		next := chainer.last(t)
		assert.Equal(t, resp.SyncRunID, next.RunID)
		assert.Equal(t, i, next.Chunk)

		resp, err = m.Trigger(ctx, next.Request())
	}

	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, float64(100), resp.ProgressPct)
	m.Wait()
	assert.Equal(t, 4, chainer.count())

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, int64(250), run.Totals.Fetched)
	assert.Equal(t, int64(250), run.Totals.Inserted)
	assert.Equal(t, int64(250), run.Metadata.InitialTotal)
	assert.True(t, run.CompletedAt.Valid)
	assert.False(t, run.Checkpoint.CanResume)

	active, err := s.FindActiveRun(ctx, "csv")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestManager_ReusesActiveRun(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})
	ctx := context.Background()

	stageRows(t, s, "csv", 10)

	first, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusContinuing, first.Status)
	m.Wait()

	second, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, first.SyncRunID, second.SyncRunID)
	assert.Equal(t, 2, second.Chunk)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, int64(10), second.Totals.Fetched)
}

func TestManager_CompositeRunSharesOneTag(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})
	ctx := context.Background()

	stageRows(t, s, "csv", 3)
	stageRows(t, s, "webhook", 2)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"webhook", "csv", "csv"}, BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, int64(5), resp.Batch.Processed)

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, "csv,webhook", run.Source)
	assert.Equal(t, map[string]int64{"csv": 3, "webhook": 2}, run.Metadata.InitialPending)
}

func TestManager_NoWork(t *testing.T) {
	s := newTestStore(t)
	chainer := &recordingChainer{}
	m := newTestManager(t, s, chainer)
	ctx := context.Background()

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}})
	require.NoError(t, err)
	assert.Equal(t, StatusNoWork, resp.Status)
	assert.False(t, resp.HasMore)
	assert.Equal(t, float64(100), resp.ProgressPct)
	assert.Equal(t, 0, chainer.count())

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, int64(0), run.Totals.Fetched)
}

func TestManager_CancelHaltsProgress(t *testing.T) {
	s := newTestStore(t)
	chainer := &recordingChainer{}
	m := newTestManager(t, s, chainer)
	ctx := context.Background()

	stageRows(t, s, "csv", 10)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, BatchSize: 5})
	require.NoError(t, err)
	m.Wait()

	cancelled, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, ForceCancel: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(1), cancelled.Cancelled)
	assert.Equal(t, []string{"csv"}, cancelled.CancelledTags)

	after, err := m.Trigger(ctx, chainer.last(t).Request())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, after.Status)
	assert.False(t, after.HasMore)
	assert.Equal(t, int64(5), after.Totals.Fetched)

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
	assert.Equal(t, int64(5), run.Totals.Fetched)

	pending, err := s.CountPendingRecords(ctx, store.PendingQuery{Source: "csv"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), pending)
}

func TestManager_CancelBySourceLeavesWiderRun(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})
	ctx := context.Background()

	stageRows(t, s, "csv", 4)
	stageRows(t, s, "webhook", 4)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv", "webhook"}, BatchSize: 2})
	require.NoError(t, err)
	require.Equal(t, StatusContinuing, resp.Status)
	m.Wait()

	cancelled, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, ForceCancel: true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), cancelled.Cancelled)
	assert.Equal(t, []string{"csv"}, cancelled.CancelledTags)

	cancelled, err = m.Trigger(ctx, TriggerRequest{Sources: []string{"webhook", "csv"}, ForceCancel: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled.Cancelled)
	assert.Contains(t, cancelled.CancelledTags, "csv,webhook")
}

func TestManager_CancelByRunID(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})
	ctx := context.Background()

	stageRows(t, s, "csv", 4)
	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, BatchSize: 2})
	require.NoError(t, err)
	m.Wait()

	cancelled, err := m.Trigger(ctx, TriggerRequest{SyncRunID: resp.SyncRunID, ForceCancel: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled.Cancelled)

	again, err := m.Trigger(ctx, TriggerRequest{SyncRunID: resp.SyncRunID, ForceCancel: true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Cancelled)
	assert.Equal(t, StatusCancelled, again.Status)

	_, err = m.Trigger(ctx, TriggerRequest{SyncRunID: "9b2f4a3e-1111-4c8e-9a57-0d5e2f1c7a10", ForceCancel: true})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestManager_ChainFailurePausesThenResumes(t *testing.T) {
	s := newTestStore(t)
	chainer := &recordingChainer{err: errors.New("queue unavailable")}
	m := newTestManager(t, s, chainer)
	ctx := context.Background()

	stageRows(t, s, "csv", 10)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusContinuing, resp.Status)
	m.Wait()

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPaused, run.Status)
	assert.True(t, run.Checkpoint.CanResume)
	assert.Equal(t, 1, run.Checkpoint.ChainFailures)
	assert.Contains(t, run.ErrorMessage.String, "queue unavailable")

	chainer.err = nil
	resumed, err := m.Trigger(ctx, TriggerRequest{SyncRunID: resp.SyncRunID})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, 2, resumed.Chunk)
	assert.Equal(t, int64(10), resumed.Totals.Fetched)
	assert.Empty(t, resumed.Error)
}

func TestManager_FetchFailureFailsRun(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})
	ctx := context.Background()

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"broken"}})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "401")

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)

	active, err := s.FindActiveRun(ctx, "broken")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestManager_RecordErrorsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})
	ctx := context.Background()

	stageRows(t, s, "csv", 2)
	bad := &store.RawRecord{
		Source:     "csv",
		ExternalID: "bad-row",
		Checksum:   "bad",
		Payload:    []byte(`{"email": 42}`),
	}
	_, err := s.StageRecord(ctx, bad)
	require.NoError(t, err)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, int64(3), resp.Batch.Processed)
	assert.Equal(t, int64(2), resp.Batch.Inserted)
	assert.Equal(t, int64(1), resp.Batch.Errors)

	rec, err := s.GetRecord(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RecordError, rec.ProcessingStatus)
	assert.Contains(t, rec.ErrorMessage.String, "decode payload")
}

func TestManager_ConflictsAreCounted(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})
	ctx := context.Background()

	for _, ext := range []string{"a-1", "a-2"} {
		rec, err := store.NewRawRecord("csv", ext, "", store.ContactPayload{Email: "shared@example.com"})
		require.NoError(t, err)
		_, err = s.StageRecord(ctx, rec)
		require.NoError(t, err)
	}

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Batch.Inserted)
	assert.Equal(t, int64(1), resp.Batch.Conflicts)

	conflicts, err := s.ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, store.ConflictExternalID, conflicts[0].ConflictType)
}

func TestManager_RejectsUnknownSource(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})

	_, err := m.Trigger(context.Background(), TriggerRequest{Sources: []string{"fax"}})
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = m.Trigger(context.Background(), TriggerRequest{SyncRunID: "9b2f4a3e-1111-4c8e-9a57-0d5e2f1c7a10"})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestManager_BatchSizeClamped(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})

	req, err := m.normalizeRequest(TriggerRequest{Sources: []string{"csv"}, BatchSize: 10_000})
	require.NoError(t, err)
	assert.Equal(t, 500, req.BatchSize)

	req, err = m.normalizeRequest(TriggerRequest{})
	require.NoError(t, err)
	assert.Equal(t, 50, req.BatchSize)
	assert.Equal(t, []string{"broken", "csv", "webhook"}, req.Sources)
}

func TestManager_QueueChainAndWorker(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, NewQueueChainer(s))
	ctx := context.Background()

	stageRows(t, s, "webhook", 6)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"webhook"}, BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusContinuing, resp.Status)
	m.Wait()

	pool := NewWorkerPool(config.WorkersConfig{Count: 1}, m, s)
	found, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	m.Wait()

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, int64(6), run.Totals.Fetched)

	found, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_TriggerAsync(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &recordingChainer{})
	ctx := context.Background()

	stageRows(t, s, "csv", 2)

	resp, err := m.TriggerAsync(ctx, TriggerRequest{Sources: []string{"csv"}})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, resp.Status)
	m.Wait()

	pending, err := s.CountPendingRecords(ctx, store.PendingQuery{Source: "csv"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	_, err = m.TriggerAsync(ctx, TriggerRequest{Sources: []string{"fax"}})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name    string
		run     store.SyncRun
		pending *Pending
		want    float64
	}{
		{"completed", store.SyncRun{Status: store.RunCompleted}, nil, 100},
		{"one third", store.SyncRun{Status: store.RunContinuing, Totals: store.Totals{Fetched: 1}}, &Pending{Total: 2}, 33.3},
		{"from snapshot", store.SyncRun{Status: store.RunPaused, Totals: store.Totals{Fetched: 50}, Metadata: store.RunMetadata{InitialTotal: 200}}, nil, 25},
		{"nothing known", store.SyncRun{Status: store.RunRunning}, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, progress(&tt.run, tt.pending))
		})
	}
}
