package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/identity"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/metrics"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// Summary reports the outcome of one ingestion request.
type Summary struct {
	Received int      `json:"received"`
	Staged   int      `json:"staged"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *Summary) reject(format string, args ...any) {
	s.Rejected++
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Stager writes inbound contact data into raw_records for the sync engine.
// It never merges; merging happens when a run fetches the staged rows.
type Stager struct {
	store      store.Store
	normalizer *identity.Normalizer
}

func NewStager(s store.Store, normalizer *identity.Normalizer) *Stager {
	return &Stager{store: s, normalizer: normalizer}
}

// StageContact stages one payload. Restaging an identical payload for the
// same external id is a no-op.
func (s *Stager) StageContact(ctx context.Context, source, channel, externalID, importID string, payload store.ContactPayload) (*store.RawRecord, error) {
	rec, err := store.NewRawRecord(source, externalID, importID, payload)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.StageRecord(ctx, rec); err != nil {
		return nil, err
	}
	metrics.RecordsStaged.WithLabelValues(source, channel).Inc()

	logger.Log.Debug("Staged record",
		zap.String("source", source),
		zap.String("channel", channel),
		zap.String("external_id", externalID),
		zap.Int64("record_id", rec.ID),
	)
	return rec, nil
}
