package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/identity"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/metrics"
	"github.com/djkubo/admin-hub-sub004/internal/source"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// createAttempts bounds the find-or-create loop when a concurrent trigger
// wins the active_source constraint between our lookup and insert.
const createAttempts = 2

// Manager coordinates resumable sync runs. Every Trigger call processes at
// most one bounded batch per source and carries no state into the next call;
// the store is the only coordination medium.
type Manager struct {
	cfg      config.SyncConfig
	store    store.Store
	registry *source.Registry
	resolver *identity.Resolver
	chainer  Chainer
	notifier Notifier
	now      func() time.Time

	wg sync.WaitGroup
}

func NewManager(cfg config.SyncConfig, s store.Store, registry *source.Registry, resolver *identity.Resolver, chainer Chainer, notifier Notifier) *Manager {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Manager{
		cfg:      cfg,
		store:    s,
		registry: registry,
		resolver: resolver,
		chainer:  chainer,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Trigger starts, continues, resumes or cancels a run and returns its
// progress snapshot.
func (m *Manager) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	start := m.now()

	req, err := m.normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	var resp *TriggerResponse
	if req.ForceCancel {
		resp, err = m.cancel(ctx, req)
	} else {
		resp, err = m.run(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	resp.DurationMS = m.now().Sub(start).Milliseconds()
	return resp, nil
}

// TriggerAsync validates req and runs it in the background. Used by the
// self-trigger chain mode, whose caller must not wait for the batch.
func (m *Manager) TriggerAsync(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	req, err := m.normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Trigger(bg, req); err != nil {
			logger.Log.Error("Background trigger failed",
				zap.String("run_id", req.SyncRunID),
				zap.Strings("sources", req.Sources),
				zap.Error(err),
			)
		}
	}()

	return &TriggerResponse{OK: true, Status: StatusAccepted, SyncRunID: req.SyncRunID}, nil
}

// Wait blocks until background triggers and continuation scheduling finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) normalizeRequest(req TriggerRequest) (TriggerRequest, error) {
	req.Sources = normalizeSources(req.Sources)
	if len(req.Sources) == 0 && req.SyncRunID == "" {
		req.Sources = m.registry.Sources()
	}
	for _, src := range req.Sources {
		if _, ok := m.registry.Get(src); !ok {
			return req, fmt.Errorf("%w: %s", ErrUnknownSource, src)
		}
	}

	if req.BatchSize <= 0 {
		req.BatchSize = m.cfg.DefaultBatchSize
	}
	if m.cfg.MaxBatchSize > 0 && req.BatchSize > m.cfg.MaxBatchSize {
		req.BatchSize = m.cfg.MaxBatchSize
	}
	return req, nil
}

func (m *Manager) cancel(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	if req.SyncRunID != "" {
		ok, err := m.store.CancelRun(ctx, req.SyncRunID)
		if err != nil {
			return nil, err
		}
		if !ok {
			run, err := m.store.GetRun(ctx, req.SyncRunID)
			if err != nil {
				return nil, err
			}
			if run == nil {
				return nil, fmt.Errorf("%w: %s", ErrRunNotFound, req.SyncRunID)
			}
			resp := m.snapshot(run, nil)
			resp.Status = StatusCancelled
			return resp, nil
		}

		logger.Log.Info("Sync run cancelled", zap.String("run_id", req.SyncRunID))
		metrics.RunsFinished.WithLabelValues(string(store.RunCancelled)).Inc()
		return &TriggerResponse{OK: true, Status: StatusCancelled, SyncRunID: req.SyncRunID, Cancelled: 1}, nil
	}

	tags := append([]string(nil), req.Sources...)
	if len(req.Sources) > 1 {
		tags = append(tags, SourceTag(req.Sources))
	}
	n, err := m.store.CancelActiveRuns(ctx, tags)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Active sync runs cancelled", zap.Strings("sources", tags), zap.Int64("count", n))
	metrics.RunsFinished.WithLabelValues(string(store.RunCancelled)).Add(float64(n))
	return &TriggerResponse{OK: true, Status: StatusCancelled, Cancelled: n, CancelledTags: tags}, nil
}

func (m *Manager) run(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	run, resp, err := m.loadOrCreateRun(ctx, req)
	if err != nil || resp != nil {
		return resp, err
	}
	return m.step(ctx, run)
}

// loadOrCreateRun returns the run to step, or a final response when there
// is nothing to step.
func (m *Manager) loadOrCreateRun(ctx context.Context, req TriggerRequest) (*store.SyncRun, *TriggerResponse, error) {
	if req.SyncRunID != "" {
		run, err := m.store.GetRun(ctx, req.SyncRunID)
		if err != nil {
			return nil, nil, err
		}
		if run == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, req.SyncRunID)
		}
		if run.Status.IsTerminal() {
			return nil, m.snapshot(run, nil), nil
		}
		return m.resume(ctx, run)
	}

	tag := SourceTag(req.Sources)
	for attempt := 0; attempt < createAttempts; attempt++ {
		run, err := m.store.FindActiveRun(ctx, tag)
		if err != nil {
			return nil, nil, err
		}
		if run != nil {
			logger.Log.Info("Reusing active sync run",
				zap.String("run_id", run.ID),
				zap.String("source", tag),
				zap.String("status", string(run.Status)),
			)
			return m.resume(ctx, run)
		}

		run, resp, err := m.createRun(ctx, req, tag)
		if errors.Is(err, store.ErrActiveRunExists) {
			continue
		}
		return run, resp, err
	}
	return nil, nil, fmt.Errorf("create run for %s: %w", tag, store.ErrActiveRunExists)
}

// resume moves a PAUSED run back to RUNNING. Other active runs are stepped
// as they are.
func (m *Manager) resume(ctx context.Context, run *store.SyncRun) (*store.SyncRun, *TriggerResponse, error) {
	if run.Status != store.RunPaused {
		return run, nil, nil
	}

	run.Status = store.RunRunning
	run.ErrorMessage = sql.NullString{}
	run.Checkpoint.ChainFailures = 0
	if err := m.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrStaleRun) {
			resp, err := m.reportPersisted(ctx, run.ID, nil)
			return nil, resp, err
		}
		return nil, nil, err
	}

	logger.Log.Info("Resuming paused sync run",
		zap.String("run_id", run.ID),
		zap.Int("chunk", run.Checkpoint.Chunk),
	)
	return run, nil, nil
}

func (m *Manager) createRun(ctx context.Context, req TriggerRequest, tag string) (*store.SyncRun, *TriggerResponse, error) {
	scope := source.Scope{ImportID: req.ImportID}
	pending, err := m.pendingFor(ctx, req.Sources, scope, nil)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	run := &store.SyncRun{
		ID:         uuid.NewString(),
		Source:     tag,
		Status:     store.RunRunning,
		Checkpoint: store.Checkpoint{Cursors: make(map[string]store.Cursor)},
		Metadata: store.RunMetadata{
			Sources:        req.Sources,
			BatchSize:      req.BatchSize,
			ImportID:       req.ImportID,
			InitialPending: pending.PerSource,
			InitialTotal:   pending.Total,
		},
		StartedAt: now,
	}

	if pending.Total == 0 {
		run.Status = store.RunCompleted
		run.CompletedAt = sql.NullTime{Time: now, Valid: true}
		if err := m.store.CreateRun(ctx, run); err != nil {
			return nil, nil, err
		}
		logger.Log.Info("No pending work, run completed immediately",
			zap.String("run_id", run.ID),
			zap.String("source", tag),
		)
		metrics.RunsFinished.WithLabelValues(string(store.RunCompleted)).Inc()

		resp := m.snapshot(run, pending)
		resp.Status = StatusNoWork
		return nil, resp, nil
	}

	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, nil, err
	}
	logger.Log.Info("Sync run created",
		zap.String("run_id", run.ID),
		zap.String("source", tag),
		zap.Int64("pending", pending.Total),
		zap.Int("batch_size", req.BatchSize),
	)
	return run, nil, nil
}

// step processes one bounded batch per source of run and commits the
// resulting checkpoint.
func (m *Manager) step(ctx context.Context, run *store.SyncRun) (*TriggerResponse, error) {
	scope := source.Scope{ImportID: run.Metadata.ImportID}
	var batch BatchStats

	for _, src := range run.Metadata.Sources {
		// Batch boundary: a cancel or a concurrent invocation bumps the version.
		current, err := m.store.GetRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if current == nil || current.Version != run.Version {
			logger.Log.Info("Run changed before batch, stopping",
				zap.String("run_id", run.ID),
				zap.String("source", src),
			)
			return m.reportPersisted(ctx, run.ID, &batch)
		}

		fetcher, ok := m.registry.Get(src)
		if !ok {
			return m.fail(ctx, run, fmt.Errorf("%w: %s", ErrUnknownSource, src), batch)
		}

		started := time.Now()
		page, err := fetcher.Fetch(ctx, scope, run.Checkpoint.Cursors[src], run.Metadata.BatchSize)
		if err != nil {
			return m.fail(ctx, run, fmt.Errorf("fetch %s: %w", src, err), batch)
		}

		for _, rec := range page.Records {
			m.processRecord(ctx, run, rec, &batch)
		}
		run.Checkpoint.Cursors[src] = page.Cursor
		metrics.BatchDuration.WithLabelValues(src).Observe(time.Since(started).Seconds())

		logger.Log.Debug("Batch processed",
			zap.String("run_id", run.ID),
			zap.String("source", src),
			zap.Int("records", len(page.Records)),
		)
	}

	run.Totals.Add(batch.totals())
	run.Checkpoint.Totals = run.Totals
	run.Checkpoint.ErrorCount += batch.Errors
	run.Checkpoint.Chunk++

	pending, err := m.pendingFor(ctx, run.Metadata.Sources, scope, run.Checkpoint.Cursors)
	if err != nil {
		return m.fail(ctx, run, fmt.Errorf("count pending: %w", err), BatchStats{})
	}

	if pending.Total > 0 {
		run.Status = store.RunContinuing
		run.Checkpoint.CanResume = true
	} else {
		run.Status = store.RunCompleted
		run.Checkpoint.CanResume = false
		run.CompletedAt = sql.NullTime{Time: m.now(), Valid: true}
	}

	if err := m.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrStaleRun) {
			logger.Log.Warn("Run changed during batch, checkpoint discarded",
				zap.String("run_id", run.ID),
				zap.Int64("processed", batch.Processed),
			)
			return m.reportPersisted(ctx, run.ID, &batch)
		}
		return nil, err
	}

	resp := m.snapshot(run, pending)
	resp.Batch = &batch

	if run.Status == store.RunContinuing {
		m.scheduleContinuation(ctx, run)
	} else {
		logger.Log.Info("Sync run completed",
			zap.String("run_id", run.ID),
			zap.Int64("fetched", run.Totals.Fetched),
			zap.Int("chunks", run.Checkpoint.Chunk),
		)
		metrics.RunsFinished.WithLabelValues(string(store.RunCompleted)).Inc()
	}
	return resp, nil
}

// processRecord merges one staged record. Failures are isolated to the
// record: they are counted and stored on it, never returned.
func (m *Manager) processRecord(ctx context.Context, run *store.SyncRun, rec *store.RawRecord, batch *BatchStats) {
	batch.Processed++

	var payload store.ContactPayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		m.recordError(ctx, rec, fmt.Errorf("decode payload: %w", err), batch)
		return
	}

	res, err := m.resolver.Merge(ctx, identity.Input{
		Source:      rec.Source,
		ExternalID:  rec.ExternalID,
		RawRecordID: rec.ID,
		Contact:     payload,
	})
	if err != nil {
		m.recordError(ctx, rec, err, batch)
		return
	}

	status := store.RecordMerged
	switch res.Action {
	case identity.ActionInserted:
		batch.Inserted++
	case identity.ActionUpdated:
		batch.Updated++
	case identity.ActionConflict:
		batch.Conflicts++
		status = store.RecordConflict
	case identity.ActionSkipped:
		batch.Skipped++
		status = store.RecordSkipped
	}
	metrics.RecordsMerged.WithLabelValues(rec.Source, string(res.Action)).Inc()

	if err := m.store.FinalizeRecord(ctx, rec.ID, status, res.ClientID, ""); err != nil {
		logger.Log.Error("Failed to finalize record",
			zap.Int64("record_id", rec.ID),
			zap.Error(err),
		)
	}

	if res.Action == identity.ActionInserted || res.Action == identity.ActionUpdated {
		m.notifier.ClientMerged(ctx, MergeEvent{
			RunID:    run.ID,
			Source:   rec.Source,
			RecordID: rec.ID,
			ClientID: res.ClientID,
			Action:   res.Action,
		})
	}
}

func (m *Manager) recordError(ctx context.Context, rec *store.RawRecord, cause error, batch *BatchStats) {
	batch.Errors++
	metrics.RecordsMerged.WithLabelValues(rec.Source, "error").Inc()
	logger.Log.Warn("Record failed to merge",
		zap.Int64("record_id", rec.ID),
		zap.String("source", rec.Source),
		zap.String("external_id", rec.ExternalID),
		zap.Error(cause),
	)
	if err := m.store.FinalizeRecord(ctx, rec.ID, store.RecordError, "", cause.Error()); err != nil {
		logger.Log.Error("Failed to store record error",
			zap.Int64("record_id", rec.ID),
			zap.Error(err),
		)
	}
}

// fail marks run FAILED. Records already finalized in this batch stay as they are.
func (m *Manager) fail(ctx context.Context, run *store.SyncRun, cause error, batch BatchStats) (*TriggerResponse, error) {
	run.Totals.Add(batch.totals())
	run.Checkpoint.Totals = run.Totals
	run.Checkpoint.ErrorCount += batch.Errors
	run.Checkpoint.CanResume = false
	run.Status = store.RunFailed
	run.ErrorMessage = sql.NullString{String: cause.Error(), Valid: true}
	run.CompletedAt = sql.NullTime{Time: m.now(), Valid: true}

	if err := m.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrStaleRun) {
			return m.reportPersisted(ctx, run.ID, &batch)
		}
		return nil, fmt.Errorf("mark run %s failed (%v): %w", run.ID, cause, err)
	}

	logger.Log.Error("Sync run failed", zap.String("run_id", run.ID), zap.Error(cause))
	metrics.RunsFinished.WithLabelValues(string(store.RunFailed)).Inc()

	resp := m.snapshot(run, nil)
	resp.Batch = &batch
	return resp, nil
}

func (m *Manager) scheduleContinuation(ctx context.Context, run *store.SyncRun) {
	c := Continuation{
		RunID:     run.ID,
		Sources:   run.Metadata.Sources,
		BatchSize: run.Metadata.BatchSize,
		ImportID:  run.Metadata.ImportID,
		Chunk:     run.Checkpoint.Chunk,
	}
	bg := context.WithoutCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.chainer.Chain(bg, c); err != nil {
			logger.Log.Error("Failed to schedule continuation",
				zap.String("run_id", c.RunID),
				zap.Int("chunk", c.Chunk),
				zap.Error(err),
			)
			m.pause(bg, c, err)
		}
	}()
}

// pause parks a run whose continuation could not be scheduled. It only
// applies if nothing else advanced the run in the meantime.
func (m *Manager) pause(ctx context.Context, c Continuation, cause error) {
	for attempt := 0; attempt < createAttempts+1; attempt++ {
		run, err := m.store.GetRun(ctx, c.RunID)
		if err != nil || run == nil {
			logger.Log.Error("Failed to load run for pause", zap.String("run_id", c.RunID), zap.Error(err))
			return
		}
		if run.Status != store.RunContinuing || run.Checkpoint.Chunk != c.Chunk {
			return
		}

		run.Status = store.RunPaused
		run.Checkpoint.CanResume = true
		run.Checkpoint.ChainFailures++
		run.ErrorMessage = sql.NullString{
			String: fmt.Sprintf("continuation after chunk %d could not be scheduled: %v", c.Chunk, cause),
			Valid:  true,
		}

		err = m.store.UpdateRun(ctx, run)
		if errors.Is(err, store.ErrStaleRun) {
			continue
		}
		if err != nil {
			logger.Log.Error("Failed to pause run", zap.String("run_id", c.RunID), zap.Error(err))
			return
		}

		logger.Log.Warn("Sync run paused", zap.String("run_id", c.RunID), zap.Int("chunk", c.Chunk))
		metrics.RunsFinished.WithLabelValues(string(store.RunPaused)).Inc()
		return
	}
}

func (m *Manager) reportPersisted(ctx context.Context, id string, batch *BatchStats) (*TriggerResponse, error) {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	var pending *Pending
	if run.Status.IsActive() {
		scope := source.Scope{ImportID: run.Metadata.ImportID}
		if pending, err = m.pendingFor(ctx, run.Metadata.Sources, scope, run.Checkpoint.Cursors); err != nil {
			return nil, err
		}
	}
	resp := m.snapshot(run, pending)
	resp.Batch = batch
	return resp, nil
}

func (m *Manager) pendingFor(ctx context.Context, sources []string, scope source.Scope, cursors map[string]store.Cursor) (*Pending, error) {
	p := &Pending{PerSource: make(map[string]int64, len(sources))}
	for _, src := range sources {
		fetcher, ok := m.registry.Get(src)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, src)
		}
		n, err := fetcher.Pending(ctx, scope, cursors[src])
		if err != nil {
			return nil, fmt.Errorf("pending %s: %w", src, err)
		}
		p.PerSource[src] = n
		p.Total += n
	}
	return p, nil
}

func (m *Manager) snapshot(run *store.SyncRun, pending *Pending) *TriggerResponse {
	totals := run.Totals
	resp := &TriggerResponse{
		OK:          run.Status != store.RunFailed,
		Status:      responseStatus(run.Status),
		SyncRunID:   run.ID,
		HasMore:     run.Status.IsActive() && pending != nil && pending.Total > 0,
		Pending:     pending,
		Totals:      &totals,
		ProgressPct: progress(run, pending),
		Chunk:       run.Checkpoint.Chunk,
	}
	if run.ErrorMessage.Valid {
		resp.Error = run.ErrorMessage.String
	}
	return resp
}

func progress(run *store.SyncRun, pending *Pending) float64 {
	if run.Status == store.RunCompleted {
		return 100
	}

	fetched := float64(run.Totals.Fetched)
	denom := float64(run.Metadata.InitialTotal)
	if pending != nil {
		denom = fetched + float64(pending.Total)
	}
	if denom <= 0 {
		return 0
	}
	pct := math.Min(fetched/denom*100, 100)
	return math.Round(pct*10) / 10
}
