package ingest

import (
	"context"

	"github.com/djkubo/admin-hub-sub004/internal/store"
	"github.com/djkubo/admin-hub-sub004/internal/validation"
)

// ContactEvent is a push-delivered contact change. Signature checks and
// provider-specific parsing happen before an event reaches this shape.
type ContactEvent struct {
	ExternalID      string                    `json:"external_id" validate:"required_without_all=Email Phone"`
	Email           string                    `json:"email"`
	Phone           string                    `json:"phone"`
	FullName        string                    `json:"full_name"`
	Tags            []string                  `json:"tags"`
	OptIn           map[string]*bool          `json:"opt_in"`
	LifecycleStage  string                    `json:"lifecycle_stage"`
	TotalSpendCents *int64                    `json:"total_spend_cents" validate:"omitempty,gte=0"`
	Attributes      map[string]any            `json:"attributes"`
	Transaction     *store.TransactionPayload `json:"transaction"`
}

func (e ContactEvent) payload() store.ContactPayload {
	return store.ContactPayload{
		Email:           e.Email,
		Phone:           e.Phone,
		FullName:        e.FullName,
		Tags:            e.Tags,
		OptIn:           e.OptIn,
		LifecycleStage:  e.LifecycleStage,
		TotalSpendCents: e.TotalSpendCents,
		Attributes:      e.Attributes,
		Transaction:     e.Transaction,
	}
}

// StageEvents validates and stages webhook events for source. Invalid events
// are rejected individually; a store failure aborts the request.
func (s *Stager) StageEvents(ctx context.Context, source string, events []ContactEvent) (*Summary, error) {
	summary := &Summary{Received: len(events)}
	for i, e := range events {
		if err := validation.ValidateStruct(&e); err != nil {
			summary.reject("event %d: %v", i, err)
			continue
		}
		if _, err := s.StageContact(ctx, source, "webhook", e.ExternalID, "", e.payload()); err != nil {
			return summary, err
		}
		summary.Staged++
	}
	return summary, nil
}
