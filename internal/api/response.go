package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{OK: false, Error: err.Error()})
}

// pagination reads limit and offset, defaulting limit to 50 and capping it at 200.
func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type runView struct {
	ID           string            `json:"id"`
	Source       string            `json:"source"`
	Status       store.RunStatus   `json:"status"`
	Totals       store.Totals      `json:"totals"`
	Checkpoint   store.Checkpoint  `json:"checkpoint"`
	Metadata     store.RunMetadata `json:"metadata"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func newRunView(run *store.SyncRun) runView {
	v := runView{
		ID:           run.ID,
		Source:       run.Source,
		Status:       run.Status,
		Totals:       run.Totals,
		Checkpoint:   run.Checkpoint,
		Metadata:     run.Metadata,
		ErrorMessage: run.ErrorMessage.String,
		StartedAt:    run.StartedAt,
		UpdatedAt:    run.UpdatedAt,
	}
	if run.CompletedAt.Valid {
		v.CompletedAt = &run.CompletedAt.Time
	}
	return v
}

type conflictView struct {
	ID                 string             `json:"id"`
	Source             string             `json:"source"`
	ExternalID         string             `json:"external_id"`
	ClientID           string             `json:"client_id"`
	RawRecordID        *int64             `json:"raw_record_id,omitempty"`
	ConflictType       store.ConflictType `json:"conflict_type"`
	ExistingData       json.RawMessage    `json:"existing_data,omitempty"`
	InboundData        json.RawMessage    `json:"inbound_data,omitempty"`
	DetectedAt         time.Time          `json:"detected_at"`
	Resolved           bool               `json:"resolved"`
	ResolutionStrategy string             `json:"resolution_strategy,omitempty"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	ResolvedData       json.RawMessage    `json:"resolved_data,omitempty"`
}

func newConflictView(c *store.Conflict) conflictView {
	v := conflictView{
		ID:                 c.ID,
		Source:             c.Source,
		ExternalID:         c.ExternalID,
		ClientID:           c.ClientID,
		ConflictType:       c.ConflictType,
		ExistingData:       c.ExistingData,
		InboundData:        c.InboundData,
		DetectedAt:         c.DetectedAt,
		Resolved:           c.Resolved,
		ResolutionStrategy: c.ResolutionStrategy.String,
		ResolvedData:       c.ResolvedData,
	}
	if c.RawRecordID.Valid {
		v.RawRecordID = &c.RawRecordID.Int64
	}
	if c.ResolvedAt.Valid {
		v.ResolvedAt = &c.ResolvedAt.Time
	}
	return v
}
