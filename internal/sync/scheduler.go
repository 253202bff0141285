package sync

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// staleAfter is how long a RUNNING or CONTINUING run may go without a
// checkpoint before the scheduler steps it again.
const staleAfter = 15 * time.Minute

// Scheduler triggers configured source groups on cron specs. Reusing the
// active run means a tick also resumes PAUSED runs and revives stuck ones.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	store   store.Store
	cron    *cron.Cron
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager, s store.Store) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		store:   s,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	for _, job := range s.cfg.Jobs {
		if _, err := s.cron.AddFunc(job.Spec, func() {
			s.triggerSync(context.Background(), job)
		}); err != nil {
			return err
		}
		logger.Log.Info("Scheduled sync", zap.String("spec", job.Spec), zap.Strings("sources", job.Sources))
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync(ctx context.Context, job config.ScheduledJob) {
	sources := job.Sources
	if len(sources) == 0 {
		sources = s.manager.registry.Sources()
	}

	active, err := s.store.FindActiveRun(ctx, SourceTag(sources))
	if err != nil {
		logger.Log.Error("Failed to look up active run", zap.Error(err))
		return
	}
	if active != nil && inFlight(active, time.Now().UTC()) {
		logger.Log.Info("Sync already in progress, skipping scheduled run",
			zap.String("run_id", active.ID),
			zap.String("status", string(active.Status)),
		)
		return
	}

	logger.Log.Info("Triggering scheduled sync", zap.Strings("sources", sources))
	resp, err := s.manager.Trigger(ctx, TriggerRequest{Sources: sources, BatchSize: job.BatchSize})
	if err != nil {
		logger.Log.Error("Failed to start scheduled sync", zap.Error(err))
		return
	}
	logger.Log.Info("Scheduled sync triggered",
		zap.String("run_id", resp.SyncRunID),
		zap.String("status", string(resp.Status)),
	)
}

// inFlight reports whether run is being advanced by its own chain.
func inFlight(run *store.SyncRun, now time.Time) bool {
	switch run.Status {
	case store.RunRunning, store.RunContinuing:
		return now.Sub(run.UpdatedAt) < staleAfter
	default:
		return false
	}
}
