package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/identity"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
)

// MergeEvent is emitted after a record was inserted into or updated on a client.
type MergeEvent struct {
	RunID    string
	Source   string
	RecordID int64
	ClientID string
	Action   identity.Action
}

// Notifier receives merge side effects. Delivery failures are the
// notifier's own concern and never affect a run.
type Notifier interface {
	ClientMerged(ctx context.Context, e MergeEvent)
}

// LogNotifier writes merge events to the structured log.
type LogNotifier struct{}

func (LogNotifier) ClientMerged(_ context.Context, e MergeEvent) {
	logger.Log.Debug("Client merged",
		zap.String("run_id", e.RunID),
		zap.String("source", e.Source),
		zap.Int64("record_id", e.RecordID),
		zap.String("client_id", e.ClientID),
		zap.String("action", string(e.Action)),
	)
}
