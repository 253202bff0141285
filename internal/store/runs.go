package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/djkubo/admin-hub-sub004/internal/database"
)

const runColumns = `id, source, status, total_fetched, total_inserted, total_updated, total_skipped,
	total_conflicts, total_errors, checkpoint, metadata, error_message, version, started_at,
	completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*SyncRun, error) {
	var (
		run        SyncRun
		checkpoint []byte
		metadata   []byte
	)
	err := row.Scan(
		&run.ID,
		&run.Source,
		&run.Status,
		&run.Totals.Fetched,
		&run.Totals.Inserted,
		&run.Totals.Updated,
		&run.Totals.Skipped,
		&run.Totals.Conflicts,
		&run.Totals.Errors,
		&checkpoint,
		&metadata,
		&run.ErrorMessage,
		&run.Version,
		&run.StartedAt,
		&run.CompletedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(checkpoint, &run.Checkpoint); err != nil {
		return nil, fmt.Errorf("run %s checkpoint: %w", run.ID, err)
	}
	if err := unmarshalJSON(metadata, &run.Metadata); err != nil {
		return nil, fmt.Errorf("run %s metadata: %w", run.ID, err)
	}
	if run.Checkpoint.Cursors == nil {
		run.Checkpoint.Cursors = make(map[string]Cursor)
	}
	return &run, nil
}

// activeSource is the value of the unique active_source column: the source
// tag while the run is active, NULL once it is terminal.
func activeSource(run *SyncRun) sql.NullString {
	if run.Status.IsActive() {
		return sql.NullString{String: run.Source, Valid: true}
	}
	return sql.NullString{}
}

func statusArgs(statuses []RunStatus) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func (s *SQLStore) CreateRun(ctx context.Context, run *SyncRun) error {
	now := s.now()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	run.Version = 1
	if run.Checkpoint.Cursors == nil {
		run.Checkpoint.Cursors = make(map[string]Cursor)
	}

	checkpoint, err := marshalJSON(run.Checkpoint)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(run.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_runs (id, source, active_source, status, total_fetched, total_inserted,
			  total_updated, total_skipped, total_conflicts, total_errors, checkpoint, metadata,
			  error_message, version, started_at, completed_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.q.ExecContext(ctx, query,
		run.ID,
		run.Source,
		activeSource(run),
		string(run.Status),
		run.Totals.Fetched,
		run.Totals.Inserted,
		run.Totals.Updated,
		run.Totals.Skipped,
		run.Totals.Conflicts,
		run.Totals.Errors,
		checkpoint,
		metadata,
		run.ErrorMessage,
		run.Version,
		run.StartedAt,
		run.CompletedAt,
		run.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return ErrActiveRunExists
	}
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*SyncRun, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *SQLStore) FindActiveRun(ctx context.Context, source string) (*SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs
			  WHERE source = ? AND status IN (` + placeholders(len(ActiveRunStatuses)) + `)
			  ORDER BY started_at DESC LIMIT 1`

	args := append([]any{source}, statusArgs(ActiveRunStatuses)...)
	run, err := scanRun(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active run: %w", err)
	}
	return run, nil
}

// UpdateRun persists status, totals, checkpoint and metadata. The write only
// applies if the row still carries run.Version; otherwise ErrStaleRun.
func (s *SQLStore) UpdateRun(ctx context.Context, run *SyncRun) error {
	checkpoint, err := marshalJSON(run.Checkpoint)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(run.Metadata)
	if err != nil {
		return err
	}
	now := s.now()

	query := `UPDATE sync_runs SET
			  status = ?, active_source = ?,
			  total_fetched = ?, total_inserted = ?, total_updated = ?, total_skipped = ?,
			  total_conflicts = ?, total_errors = ?,
			  checkpoint = ?, metadata = ?, error_message = ?, completed_at = ?,
			  version = version + 1, updated_at = ?
			  WHERE id = ? AND version = ?`

	res, err := s.q.ExecContext(ctx, query,
		string(run.Status),
		activeSource(run),
		run.Totals.Fetched,
		run.Totals.Inserted,
		run.Totals.Updated,
		run.Totals.Skipped,
		run.Totals.Conflicts,
		run.Totals.Errors,
		checkpoint,
		metadata,
		run.ErrorMessage,
		run.CompletedAt,
		now,
		run.ID,
		run.Version,
	)
	if database.IsUniqueViolation(err) {
		return ErrActiveRunExists
	}
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return ErrStaleRun
	}
	run.Version++
	run.UpdatedAt = now
	return nil
}

func (s *SQLStore) CancelRun(ctx context.Context, id string) (bool, error) {
	now := s.now()
	query := `UPDATE sync_runs SET status = ?, active_source = NULL, completed_at = ?,
			  version = version + 1, updated_at = ?
			  WHERE id = ? AND status IN (` + placeholders(len(ActiveRunStatuses)) + `)`

	args := append([]any{string(RunCancelled), now, now, id}, statusArgs(ActiveRunStatuses)...)
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) CancelActiveRuns(ctx context.Context, sources []string) (int64, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	now := s.now()
	query := `UPDATE sync_runs SET status = ?, active_source = NULL, completed_at = ?,
			  version = version + 1, updated_at = ?
			  WHERE source IN (` + placeholders(len(sources)) + `)
			  AND status IN (` + placeholders(len(ActiveRunStatuses)) + `)`

	args := []any{string(RunCancelled), now, now}
	for _, src := range sources {
		args = append(args, src)
	}
	args = append(args, statusArgs(ActiveRunStatuses)...)

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cancel active runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) ListRuns(ctx context.Context, source string, limit, offset int) ([]*SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
