package sync

import (
	"errors"
	"sort"
	"strings"

	"github.com/djkubo/admin-hub-sub004/internal/store"
)

var (
	ErrRunNotFound   = errors.New("sync run not found")
	ErrUnknownSource = errors.New("unknown source")
)

// TriggerRequest starts, continues, resumes or cancels a run.
type TriggerRequest struct {
	Sources     []string `json:"sources" validate:"omitempty,dive,required"`
	BatchSize   int      `json:"batchSize" validate:"gte=0"`
	SyncRunID   string   `json:"syncRunId,omitempty" validate:"omitempty,uuid"`
	ImportID    string   `json:"importId,omitempty"`
	ForceCancel bool     `json:"forceCancel,omitempty"`
}

type ResponseStatus string

const (
	StatusRunning    ResponseStatus = "running"
	StatusContinuing ResponseStatus = "continuing"
	StatusCompleted  ResponseStatus = "completed"
	StatusPaused     ResponseStatus = "paused"
	StatusCancelled  ResponseStatus = "cancelled"
	StatusFailed     ResponseStatus = "failed"
	StatusNoWork     ResponseStatus = "no_work"
	StatusAccepted   ResponseStatus = "accepted"
)

type Pending struct {
	PerSource map[string]int64 `json:"perSource"`
	Total     int64            `json:"total"`
}

// BatchStats counts what one invocation did.
type BatchStats struct {
	Processed int64 `json:"processed"`
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Conflicts int64 `json:"conflicts"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

func (b BatchStats) totals() store.Totals {
	return store.Totals{
		Fetched:   b.Processed,
		Inserted:  b.Inserted,
		Updated:   b.Updated,
		Skipped:   b.Skipped,
		Conflicts: b.Conflicts,
		Errors:    b.Errors,
	}
}

// TriggerResponse is the progress snapshot returned by every invocation.
type TriggerResponse struct {
	OK          bool           `json:"ok"`
	Status      ResponseStatus `json:"status,omitempty"`
	SyncRunID   string         `json:"syncRunId,omitempty"`
	HasMore     bool           `json:"hasMore"`
	Pending     *Pending       `json:"pending,omitempty"`
	Batch       *BatchStats    `json:"batch,omitempty"`
	Totals      *store.Totals  `json:"totals,omitempty"`
	ProgressPct float64        `json:"progressPct"`
	Chunk       int            `json:"chunk"`
	DurationMS  int64          `json:"duration_ms"`
	Cancelled   int64          `json:"cancelled,omitempty"`
	// CancelledTags lists the run tags a cancel by sources matched. A run
	// over a larger source set has its own tag and is not among them.
	CancelledTags []string `json:"cancelledTags,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// SourceTag is the run key of a source set: sorted, de-duplicated and
// comma-joined.
func SourceTag(sources []string) string {
	return strings.Join(normalizeSources(sources), ",")
}

func normalizeSources(sources []string) []string {
	seen := make(map[string]bool, len(sources))
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func responseStatus(s store.RunStatus) ResponseStatus {
	switch s {
	case store.RunContinuing:
		return StatusContinuing
	case store.RunCompleted:
		return StatusCompleted
	case store.RunPaused:
		return StatusPaused
	case store.RunCancelled:
		return StatusCancelled
	case store.RunFailed:
		return StatusFailed
	default:
		return StatusRunning
	}
}
