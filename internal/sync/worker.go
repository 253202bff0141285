package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/metrics"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

const maxRetryDelay = 5 * time.Minute

// WorkerPool consumes continuation jobs from the sync_jobs queue and runs
// each as one Trigger invocation. A failed job is requeued with a doubling
// delay. Once its attempts are spent the run it continues is paused.
type WorkerPool struct {
	workers      []*Worker
	manager      *Manager
	store        store.Store
	pollInterval time.Duration
	maxAttempts  int
	retryDelay   time.Duration
	trigger      func(context.Context, TriggerRequest) (*TriggerResponse, error)
	now          func() time.Time
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewWorkerPool(cfg config.WorkersConfig, manager *Manager, s store.Store) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	count := cfg.Count
	if count <= 0 {
		count = 1
	}
	interval := cfg.GetPollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.GetRetryDelay()
	if delay <= 0 {
		delay = 5 * time.Second
	}

	pool := &WorkerPool{
		workers:      make([]*Worker, count),
		manager:      manager,
		store:        s,
		pollInterval: interval,
		maxAttempts:  attempts,
		retryDelay:   delay,
		trigger:      manager.Trigger,
		now:          func() time.Time { return time.Now().UTC() },
		ctx:          ctx,
		cancel:       cancel,
	}

	for i := 0; i < count; i++ {
		pool.workers[i] = newWorker(i, pool)
	}

	return pool
}

func (p *WorkerPool) Start() {
	logger.Log.Info("Starting worker pool",
		zap.Int("workers", len(p.workers)),
		zap.Int("max_attempts", p.maxAttempts),
	)
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	logger.Log.Info("Stopped worker pool")
}

// RunOnce claims and processes a single due job. It reports whether a job
// was found.
func (p *WorkerPool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.ClaimJob(ctx, p.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	payload, err := p.process(ctx, job)
	if err == nil {
		metrics.JobsProcessed.WithLabelValues("success").Inc()
		return true, p.store.CompleteJob(ctx, job.ID, "")
	}

	if job.Attempts < p.maxAttempts && !permanentJobError(err) {
		delay := p.retryAfter(job.Attempts)
		metrics.JobsProcessed.WithLabelValues("retry").Inc()
		logger.Log.Warn("Continuation job failed, retrying",
			zap.Int64("job_id", job.ID),
			zap.String("run_id", job.RunID),
			zap.Int("attempts", job.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		return true, p.store.RetryJob(ctx, job.ID, p.now().Add(delay), err.Error())
	}

	metrics.JobsProcessed.WithLabelValues("failure").Inc()
	logger.Log.Error("Continuation job failed",
		zap.Int64("job_id", job.ID),
		zap.String("run_id", job.RunID),
		zap.Int("attempts", job.Attempts),
		zap.Error(err),
	)
	if err := p.store.CompleteJob(ctx, job.ID, err.Error()); err != nil {
		return true, err
	}

	if payload != nil && payload.SyncRunID != "" && !errors.Is(err, ErrRunNotFound) {
		c := Continuation{
			RunID:     payload.SyncRunID,
			Sources:   payload.Sources,
			BatchSize: payload.BatchSize,
			ImportID:  payload.ImportID,
			Chunk:     payload.Chunk,
		}
		p.manager.pause(ctx, c, fmt.Errorf("job %d failed after %d attempts: %w", job.ID, job.Attempts, err))
	}
	return true, nil
}

func (p *WorkerPool) process(ctx context.Context, job *store.Job) (*continuationJob, error) {
	var payload continuationJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode job payload: %w", errBadPayload, err)
	}

	resp, err := p.trigger(ctx, payload.TriggerRequest)
	if err != nil {
		return &payload, err
	}
	logger.Log.Debug("Continuation processed",
		zap.Int64("job_id", job.ID),
		zap.String("run_id", resp.SyncRunID),
		zap.String("status", string(resp.Status)),
		zap.Int("chunk", resp.Chunk),
	)
	return &payload, nil
}

// retryAfter returns the delay before the next attempt of a job that has been
// tried attempts times: retryDelay doubled per earlier attempt, capped.
func (p *WorkerPool) retryAfter(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval: p.retryDelay,
		Multiplier:      2,
		MaxInterval:     maxRetryDelay,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

var errBadPayload = errors.New("malformed continuation job")

// permanentJobError reports failures a retry cannot fix.
func permanentJobError(err error) bool {
	return errors.Is(err, errBadPayload) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrUnknownSource)
}

type Worker struct {
	id   int
	pool *WorkerPool
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

func (w *Worker) run() {
	defer w.pool.wg.Done()

	ticker := time.NewTicker(w.pool.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drain()
		case <-w.pool.ctx.Done():
			return
		}
	}
}

// drain processes due jobs until the queue is empty or the pool stops.
func (w *Worker) drain() {
	for w.pool.ctx.Err() == nil {
		found, err := w.pool.RunOnce(w.pool.ctx)
		if errors.Is(err, store.ErrClaimContended) {
			continue
		}
		if err != nil {
			logger.Log.Error("Failed to poll job queue", zap.Int("workerID", w.id), zap.Error(err))
			return
		}
		if !found {
			return
		}
	}
}
