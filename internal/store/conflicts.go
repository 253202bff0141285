package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const conflictColumns = `id, source, external_id, client_id, raw_record_id, conflict_type, fingerprint,
	existing_data, inbound_data, detected_at, resolved, resolution_strategy, resolved_at, resolved_data`

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		c                               Conflict
		existing, inbound, resolvedData []byte
	)
	err := row.Scan(
		&c.ID,
		&c.Source,
		&c.ExternalID,
		&c.ClientID,
		&c.RawRecordID,
		&c.ConflictType,
		&c.Fingerprint,
		&existing,
		&inbound,
		&c.DetectedAt,
		&c.Resolved,
		&c.ResolutionStrategy,
		&c.ResolvedAt,
		&resolvedData,
	)
	if err != nil {
		return nil, err
	}
	c.ExistingData = existing
	c.InboundData = inbound
	c.ResolvedData = resolvedData
	return &c, nil
}

// CreateConflict records a conflict once per (source, external_id, client,
// type). On a repeat the stored row wins and its id is copied to conflict.
func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = s.now()
	}

	query := `INSERT INTO identity_conflicts (id, source, external_id, client_id, raw_record_id,
			  conflict_type, fingerprint, existing_data, inbound_data, detected_at, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.DoNothing([]string{"source", "external_id", "client_id", "conflict_type"})

	_, err := s.q.ExecContext(ctx, query,
		conflict.ID,
		conflict.Source,
		conflict.ExternalID,
		conflict.ClientID,
		conflict.RawRecordID,
		string(conflict.ConflictType),
		conflict.Fingerprint,
		[]byte(conflict.ExistingData),
		[]byte(conflict.InboundData),
		conflict.DetectedAt,
		false,
	)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}

	err = s.q.QueryRowContext(ctx,
		`SELECT id FROM identity_conflicts
		 WHERE source = ? AND external_id = ? AND client_id = ? AND conflict_type = ?`,
		conflict.Source, conflict.ExternalID, conflict.ClientID, string(conflict.ConflictType),
	).Scan(&conflict.ID)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	c, err := scanConflict(s.q.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM identity_conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM identity_conflicts
			  WHERE resolved = ? ORDER BY detected_at DESC LIMIT ? OFFSET ?`

	rows, err := s.q.QueryContext(ctx, query, resolved, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("list conflicts: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolveConflict marks an open conflict resolved. ErrNotFound means the
// conflict does not exist or was already resolved.
func (s *SQLStore) ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error {
	query := `UPDATE identity_conflicts SET resolved = ?, resolution_strategy = ?, resolved_data = ?, resolved_at = ?
			  WHERE id = ? AND resolved = ?`

	res, err := s.q.ExecContext(ctx, query, true, strategy, resolvedData, s.now(), id, false)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
