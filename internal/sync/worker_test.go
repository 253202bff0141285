package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

func TestWorkerPool_RetriesThenPausesRun(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, NewQueueChainer(s))
	ctx := context.Background()

	stageRows(t, s, "csv", 6)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, BatchSize: 3})
	require.NoError(t, err)
	require.Equal(t, StatusContinuing, resp.Status)
	m.Wait()

	pool := NewWorkerPool(config.WorkersConfig{Count: 1, MaxAttempts: 2, RetryDelay: "1s"}, m, s)
	clock := time.Now().UTC().Add(time.Minute)
	pool.now = func() time.Time { return clock }
	calls := 0
	pool.trigger = func(context.Context, TriggerRequest) (*TriggerResponse, error) {
		calls++
		return nil, errors.New("database is locked")
	}

	found, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, calls)

	found, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, found, "the retry is delayed")

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunContinuing, run.Status)

	clock = clock.Add(2 * time.Second)
	found, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, calls)

	run, err = s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPaused, run.Status)
	assert.True(t, run.Checkpoint.CanResume)
	assert.Contains(t, run.ErrorMessage.String, "database is locked")

	found, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, found, "an exhausted job is not retried")

	resp, err = m.Trigger(ctx, TriggerRequest{SyncRunID: resp.SyncRunID})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, int64(6), resp.Totals.Fetched)
}

func TestWorkerPool_UnknownSourceIsNotRetried(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, NewQueueChainer(s))
	ctx := context.Background()

	stageRows(t, s, "csv", 4)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"csv"}, BatchSize: 2})
	require.NoError(t, err)
	m.Wait()

	pool := NewWorkerPool(config.WorkersConfig{Count: 1, MaxAttempts: 5}, m, s)
	pool.trigger = func(context.Context, TriggerRequest) (*TriggerResponse, error) {
		return nil, ErrUnknownSource
	}

	found, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, found)

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPaused, run.Status)
}

func TestWorkerPool_RetryAfter(t *testing.T) {
	pool := &WorkerPool{retryDelay: time.Second}
	assert.Equal(t, time.Second, pool.retryAfter(1))
	assert.Equal(t, 2*time.Second, pool.retryAfter(2))
	assert.Equal(t, 8*time.Second, pool.retryAfter(4))
	assert.Equal(t, maxRetryDelay, pool.retryAfter(30))
}

// contendedStore loses the first claims to an imaginary competing worker.
type contendedStore struct {
	store.Store
	lost int
}

func (c *contendedStore) ClaimJob(ctx context.Context, now time.Time) (*store.Job, error) {
	if c.lost > 0 {
		c.lost--
		return nil, store.ErrClaimContended
	}
	return c.Store.ClaimJob(ctx, now)
}

func TestWorker_DrainContinuesAfterContendedClaim(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, NewQueueChainer(s))
	ctx := context.Background()

	stageRows(t, s, "webhook", 4)

	resp, err := m.Trigger(ctx, TriggerRequest{Sources: []string{"webhook"}, BatchSize: 2})
	require.NoError(t, err)
	require.Equal(t, StatusContinuing, resp.Status)
	m.Wait()

	pool := NewWorkerPool(config.WorkersConfig{Count: 1}, m, &contendedStore{Store: s, lost: 2})
	defer pool.cancel()
	pool.workers[0].drain()
	m.Wait()

	run, err := s.GetRun(ctx, resp.SyncRunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
}
