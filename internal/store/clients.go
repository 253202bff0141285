package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/djkubo/admin-hub-sub004/internal/database"
)

const clientColumns = `id, email, phone, full_name, tags, opt_in_email, opt_in_sms, opt_in_whatsapp,
	lifecycle_stage, total_spend_cents, attributes, last_sync, created_at, updated_at`

// SucceededTransaction is the only transaction status counted towards spend.
const SucceededTransaction = "succeeded"

func scanClient(row rowScanner) (*Client, error) {
	var (
		c          Client
		tags       []byte
		attributes []byte
	)
	err := row.Scan(
		&c.ID,
		&c.Email,
		&c.Phone,
		&c.FullName,
		&tags,
		&c.OptInEmail,
		&c.OptInSMS,
		&c.OptInWhatsApp,
		&c.LifecycleStage,
		&c.TotalSpendCents,
		&attributes,
		&c.LastSync,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tags, &c.Tags); err != nil {
		return nil, fmt.Errorf("client %s tags: %w", c.ID, err)
	}
	if err := unmarshalJSON(attributes, &c.Attributes); err != nil {
		return nil, fmt.Errorf("client %s attributes: %w", c.ID, err)
	}
	return &c, nil
}

func (s *SQLStore) loadIdentities(ctx context.Context, c *Client) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT source, external_id FROM client_identities WHERE client_id = ?`, c.ID)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	defer rows.Close()

	c.ExternalIDs = make(map[string]string)
	for rows.Next() {
		var source, extID string
		if err := rows.Scan(&source, &extID); err != nil {
			return fmt.Errorf("load identities: %w", err)
		}
		c.ExternalIDs[source] = extID
	}
	return rows.Err()
}

func (s *SQLStore) findClient(ctx context.Context, where string, args ...any) (*Client, error) {
	c, err := scanClient(s.q.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find client: %w", err)
	}
	if err := s.loadIdentities(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLStore) GetClient(ctx context.Context, id string) (*Client, error) {
	return s.findClient(ctx, `id = ?`, id)
}

func (s *SQLStore) FindClientByExternalID(ctx context.Context, source, externalID string) (*Client, error) {
	return s.findClient(ctx,
		`id = (SELECT client_id FROM client_identities WHERE source = ? AND external_id = ?)`,
		source, externalID)
}

func (s *SQLStore) FindClientByEmail(ctx context.Context, email string) (*Client, error) {
	return s.findClient(ctx, `email = ?`, email)
}

func (s *SQLStore) FindClientByPhone(ctx context.Context, phone string) (*Client, error) {
	return s.findClient(ctx, `phone = ?`, phone)
}

func clientArgs(c *Client) ([]any, error) {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := marshalJSON(tags)
	if err != nil {
		return nil, err
	}
	attrs := c.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := marshalJSON(attrs)
	if err != nil {
		return nil, err
	}
	return []any{
		c.Email,
		c.Phone,
		c.FullName,
		tagsJSON,
		c.OptInEmail,
		c.OptInSMS,
		c.OptInWhatsApp,
		c.LifecycleStage,
		c.TotalSpendCents,
		attrsJSON,
		c.LastSync,
	}, nil
}

// InsertClient stores a new client and links its external ids. A taken
// email, phone or external id yields ErrDuplicate.
func (s *SQLStore) InsertClient(ctx context.Context, c *Client) error {
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now

	args, err := clientArgs(c)
	if err != nil {
		return err
	}
	args = append([]any{c.ID}, args...)
	args = append(args, c.CreatedAt, c.UpdatedAt)

	query := `INSERT INTO clients (` + clientColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert client: %w", err)
	}

	for source, extID := range c.ExternalIDs {
		if err := s.LinkExternalID(ctx, c.ID, source, extID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateClient rewrites the client's fields and links any external id not
// yet stored.
func (s *SQLStore) UpdateClient(ctx context.Context, c *Client) error {
	c.UpdatedAt = s.now()

	args, err := clientArgs(c)
	if err != nil {
		return err
	}
	args = append(args, c.UpdatedAt, c.ID)

	query := `UPDATE clients SET email = ?, phone = ?, full_name = ?, tags = ?, opt_in_email = ?,
			  opt_in_sms = ?, opt_in_whatsapp = ?, lifecycle_stage = ?, total_spend_cents = ?,
			  attributes = ?, last_sync = ?, updated_at = ?
			  WHERE id = ?`

	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update client: %w", err)
	}

	for source, extID := range c.ExternalIDs {
		if err := s.LinkExternalID(ctx, c.ID, source, extID); err != nil {
			return err
		}
	}
	return nil
}

// LinkExternalID maps (source, externalID) to clientID. Relinking the same
// mapping is a no-op; a mapping that points elsewhere, or a second id for
// the same client and source, yields ErrDuplicate.
func (s *SQLStore) LinkExternalID(ctx context.Context, clientID, source, externalID string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO client_identities (source, external_id, client_id, created_at) VALUES (?, ?, ?, ?)`,
		source, externalID, clientID, s.now())
	if err == nil {
		return nil
	}
	if !database.IsUniqueViolation(err) {
		return fmt.Errorf("link external id: %w", err)
	}

	var owner string
	err = s.q.QueryRowContext(ctx,
		`SELECT client_id FROM client_identities WHERE source = ? AND external_id = ?`,
		source, externalID).Scan(&owner)
	if err == nil && owner == clientID {
		return nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("link external id: %w", err)
	}
	return ErrDuplicate
}

// UpsertTransaction inserts or refreshes a transaction. A zero OccurredAt is
// stored as now on insert and never overwrites a known time.
func (s *SQLStore) UpsertTransaction(ctx context.Context, t *Transaction) error {
	cols := []string{"client_id", "amount_cents", "currency", "status"}
	occurred := t.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	} else {
		cols = append(cols, "occurred_at")
	}

	query := `INSERT INTO transactions (source, external_id, client_id, amount_cents, currency, status, occurred_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.Upsert([]string{"source", "external_id"}, cols)

	_, err := s.q.ExecContext(ctx, query,
		t.Source,
		t.ExternalID,
		t.ClientID,
		t.AmountCents,
		t.Currency,
		t.Status,
		occurred,
	)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

// SumTransactions totals the succeeded transactions of a client in cents.
func (s *SQLStore) SumTransactions(ctx context.Context, clientID string) (int64, error) {
	var total int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM transactions WHERE client_id = ? AND status = ?`,
		clientID, SucceededTransaction).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return total, nil
}
