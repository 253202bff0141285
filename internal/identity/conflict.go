package identity

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// ConflictRecorder turns a contradicting match into a stored conflict for
// manual review.
type ConflictRecorder struct {
	now func() time.Time
}

func NewConflictRecorder() *ConflictRecorder {
	return &ConflictRecorder{now: func() time.Time { return time.Now().UTC() }}
}

// DetectConflict reports whether in contradicts the client it matched. via
// is the lookup that found the client.
func (cr *ConflictRecorder) DetectConflict(c *store.Client, via MatchKind, in Fields) (bool, *store.Conflict) {
	var kind store.ConflictType

	switch via {
	case MatchExternalID:
		switch {
		case differs(c.Email, in.Email):
			kind = store.ConflictEmail
		case differs(c.Phone, in.Phone):
			kind = store.ConflictPhone
		}
	case MatchEmail, MatchPhone:
		if linked, ok := c.ExternalIDs[in.Source]; ok && in.ExternalID != "" && linked != in.ExternalID {
			kind = store.ConflictExternalID
		}
	}
	if kind == "" {
		return false, nil
	}

	existing := map[string]interface{}{
		"client_id":    c.ID,
		"email":        c.Email.String,
		"phone":        c.Phone.String,
		"external_ids": c.ExternalIDs,
	}
	inbound := map[string]interface{}{
		"source":      in.Source,
		"external_id": in.ExternalID,
		"email":       in.Email,
		"phone":       in.Phone,
		"full_name":   in.FullName,
		"matched_by":  string(via),
	}

	existingBytes, _ := json.Marshal(existing)
	inboundBytes, _ := json.Marshal(inbound)

	conflict := &store.Conflict{
		ID:           uuid.New().String(),
		Source:       in.Source,
		ExternalID:   in.ExternalID,
		ClientID:     c.ID,
		ConflictType: kind,
		Fingerprint:  calculateHash(inbound),
		ExistingData: existingBytes,
		InboundData:  inboundBytes,
		DetectedAt:   cr.now(),
	}
	return true, conflict
}

func (cr *ConflictRecorder) RecordConflict(ctx context.Context, s store.Store, conflict *store.Conflict, rawRecordID int64) error {
	if rawRecordID > 0 {
		conflict.RawRecordID = sql.NullInt64{Int64: rawRecordID, Valid: true}
	}
	return s.CreateConflict(ctx, conflict)
}

func differs(existing sql.NullString, inbound string) bool {
	return existing.Valid && inbound != "" && existing.String != inbound
}

// calculateHash fingerprints a snapshot. Map keys are marshalled in sorted
// order, so equal snapshots hash equally.
func calculateHash(data map[string]interface{}) string {
	bytes, _ := json.Marshal(data)
	sum := sha256.Sum256(bytes)
	return fmt.Sprintf("%x", sum)
}
