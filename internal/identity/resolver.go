package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

type Action string

const (
	ActionInserted Action = "inserted"
	ActionUpdated  Action = "updated"
	ActionConflict Action = "conflict"
	ActionSkipped  Action = "skipped"
)

// MatchKind names the lookup that found an existing client.
type MatchKind string

const (
	MatchExternalID MatchKind = "external_id"
	MatchEmail      MatchKind = "email"
	MatchPhone      MatchKind = "phone"
)

// Input is one inbound identity signal, not yet normalised.
type Input struct {
	Source      string
	ExternalID  string
	RawRecordID int64
	Contact     store.ContactPayload
}

type MergeResult struct {
	Action     Action `json:"action"`
	ClientID   string `json:"client_id,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
}

// Resolver finds or creates the canonical client for an inbound record and
// merges the record into it.
type Resolver struct {
	store      store.Store
	normalizer *Normalizer
	conflicts  *ConflictRecorder
	now        func() time.Time
}

func NewResolver(s store.Store, normalizer *Normalizer) *Resolver {
	return &Resolver{
		store:      s,
		normalizer: normalizer,
		conflicts:  NewConflictRecorder(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Normalize converts in to the policy's canonical field set.
func (r *Resolver) Normalize(in Input) Fields {
	c := in.Contact
	return Fields{
		Source:          in.Source,
		ExternalID:      strings.TrimSpace(in.ExternalID),
		Email:           r.normalizer.Email(c.Email),
		Phone:           r.normalizer.Phone(c.Phone),
		FullName:        r.normalizer.Name(c.FullName),
		Tags:            r.normalizer.Tags(c.Tags),
		OptIn:           c.OptIn,
		LifecycleStage:  c.LifecycleStage,
		TotalSpendCents: c.TotalSpendCents,
		Attributes:      c.Attributes,
	}
}

// Merge resolves in against the client store in one transaction. Replaying
// the same input returns the same client and leaves its fields unchanged.
func (r *Resolver) Merge(ctx context.Context, in Input) (*MergeResult, error) {
	f := r.Normalize(in)
	if f.ExternalID == "" && f.Email == "" && f.Phone == "" {
		return &MergeResult{Action: ActionSkipped}, nil
	}

	var result *MergeResult
	attempt := func() error {
		return r.store.InTx(ctx, func(tx store.Store) error {
			res, err := r.mergeTx(ctx, tx, f, in)
			result = res
			return err
		})
	}

	err := attempt()
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent writer took one of our natural keys; the second pass
		// finds its row.
		logger.Log.Debug("Retrying merge after unique key race",
			zap.String("source", f.Source),
			zap.String("external_id", f.ExternalID),
		)
		err = attempt()
	}
	if err != nil {
		return nil, fmt.Errorf("merge %s/%s: %w", f.Source, f.ExternalID, err)
	}
	return result, nil
}

func (r *Resolver) mergeTx(ctx context.Context, tx store.Store, f Fields, in Input) (*MergeResult, error) {
	client, via, err := r.lookup(ctx, tx, f)
	if err != nil {
		return nil, err
	}

	if client == nil {
		client = &store.Client{
			ID:          uuid.New().String(),
			ExternalIDs: make(map[string]string),
			Attributes:  make(map[string]any),
			LastSync:    sql.NullTime{Time: r.now(), Valid: true},
		}
		ApplyPolicy(client, f)
		if err := tx.InsertClient(ctx, client); err != nil {
			return nil, err
		}
		txChanged, err := r.applyTransaction(ctx, tx, client, f.Source, in.Contact.Transaction)
		if err != nil {
			return nil, err
		}
		if txChanged {
			if err := tx.UpdateClient(ctx, client); err != nil {
				return nil, err
			}
		}
		return &MergeResult{Action: ActionInserted, ClientID: client.ID}, nil
	}

	if found, conflict := r.conflicts.DetectConflict(client, via, f); found {
		if err := r.conflicts.RecordConflict(ctx, tx, conflict, in.RawRecordID); err != nil {
			return nil, err
		}
		logger.Log.Warn("Identity conflict detected",
			zap.String("source", f.Source),
			zap.String("external_id", f.ExternalID),
			zap.String("client_id", client.ID),
			zap.String("type", string(conflict.ConflictType)),
		)
		return &MergeResult{Action: ActionConflict, ClientID: client.ID, ConflictID: conflict.ID}, nil
	}

	f, err = r.dropForeignKeys(ctx, tx, client, f)
	if err != nil {
		return nil, err
	}

	changed := ApplyPolicy(client, f)
	txChanged, err := r.applyTransaction(ctx, tx, client, f.Source, in.Contact.Transaction)
	if err != nil {
		return nil, err
	}
	if changed || txChanged {
		client.LastSync = sql.NullTime{Time: r.now(), Valid: true}
		if err := tx.UpdateClient(ctx, client); err != nil {
			return nil, err
		}
	}
	return &MergeResult{Action: ActionUpdated, ClientID: client.ID}, nil
}

// lookup tries (source, external id), then email, then phone. The first hit
// wins; later candidates are never consulted.
func (r *Resolver) lookup(ctx context.Context, tx store.Store, f Fields) (*store.Client, MatchKind, error) {
	if f.ExternalID != "" {
		c, err := tx.FindClientByExternalID(ctx, f.Source, f.ExternalID)
		if err != nil || c != nil {
			return c, MatchExternalID, err
		}
	}
	if f.Email != "" {
		c, err := tx.FindClientByEmail(ctx, f.Email)
		if err != nil || c != nil {
			return c, MatchEmail, err
		}
	}
	if f.Phone != "" {
		c, err := tx.FindClientByPhone(ctx, f.Phone)
		if err != nil || c != nil {
			return c, MatchPhone, err
		}
	}
	return nil, "", nil
}

// dropForeignKeys clears inbound email or phone values that would fill an
// empty field with a key already owned by another client.
func (r *Resolver) dropForeignKeys(ctx context.Context, tx store.Store, c *store.Client, f Fields) (Fields, error) {
	if !c.Email.Valid && f.Email != "" {
		owner, err := tx.FindClientByEmail(ctx, f.Email)
		if err != nil {
			return f, err
		}
		if owner != nil && owner.ID != c.ID {
			f.Email = ""
		}
	}
	if !c.Phone.Valid && f.Phone != "" {
		owner, err := tx.FindClientByPhone(ctx, f.Phone)
		if err != nil {
			return f, err
		}
		if owner != nil && owner.ID != c.ID {
			f.Phone = ""
		}
	}
	return f, nil
}

// applyTransaction upserts an attached transaction and raises the client's
// spend to the sum of its succeeded transactions when that is higher.
func (r *Resolver) applyTransaction(ctx context.Context, tx store.Store, c *store.Client, source string, t *store.TransactionPayload) (bool, error) {
	if t == nil || t.ID == "" {
		return false, nil
	}
	err := tx.UpsertTransaction(ctx, &store.Transaction{
		Source:      source,
		ExternalID:  t.ID,
		ClientID:    c.ID,
		AmountCents: t.AmountCents,
		Currency:    strings.ToLower(t.Currency),
		Status:      strings.ToLower(t.Status),
		OccurredAt:  t.OccurredAt.UTC(),
	})
	if err != nil {
		return false, err
	}
	sum, err := tx.SumTransactions(ctx, c.ID)
	if err != nil {
		return false, err
	}
	return monotoneMax(&c.TotalSpendCents, &sum), nil
}
