package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

const recordColumns = `id, source, external_id, import_id, checksum, payload, processing_status,
	processed_at, merged_client_id, error_message, ingested_at`

func scanRecord(row rowScanner) (*RawRecord, error) {
	var (
		rec     RawRecord
		payload []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.Source,
		&rec.ExternalID,
		&rec.ImportID,
		&rec.Checksum,
		&payload,
		&rec.ProcessingStatus,
		&rec.ProcessedAt,
		&rec.MergedClientID,
		&rec.ErrorMessage,
		&rec.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}

// NewRawRecord builds a pending record for payload. The checksum is the
// sha256 of the payload JSON, so an unchanged payload stages only once.
func NewRawRecord(source, externalID, importID string, payload ContactPayload) (*RawRecord, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return &RawRecord{
		Source:           source,
		ExternalID:       externalID,
		ImportID:         nullString(importID),
		Checksum:         fmt.Sprintf("%x", sum),
		Payload:          b,
		ProcessingStatus: RecordPending,
	}, nil
}

// StageRecord inserts rec unless the same (source, external_id, checksum) is
// already staged, and returns the id of the stored row either way. rec's id
// and processing status are refreshed from the stored row.
func (s *SQLStore) StageRecord(ctx context.Context, rec *RawRecord) (int64, error) {
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = s.now()
	}
	if rec.ProcessingStatus == "" {
		rec.ProcessingStatus = RecordPending
	}

	query := `INSERT INTO raw_records (source, external_id, import_id, checksum, payload,
			  processing_status, ingested_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.DoNothing([]string{"source", "external_id", "checksum"})

	_, err := s.q.ExecContext(ctx, query,
		rec.Source,
		rec.ExternalID,
		rec.ImportID,
		rec.Checksum,
		[]byte(rec.Payload),
		string(rec.ProcessingStatus),
		rec.IngestedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("stage record: %w", err)
	}

	err = s.q.QueryRowContext(ctx,
		`SELECT id, processing_status FROM raw_records WHERE source = ? AND external_id = ? AND checksum = ?`,
		rec.Source, rec.ExternalID, rec.Checksum,
	).Scan(&rec.ID, &rec.ProcessingStatus)
	if err != nil {
		return 0, fmt.Errorf("stage record: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLStore) GetRecord(ctx context.Context, id int64) (*RawRecord, error) {
	rec, err := scanRecord(s.q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM raw_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func pendingWhere(q PendingQuery) (string, []any) {
	where := ` WHERE source = ? AND processing_status = ? AND id > ?`
	args := []any{q.Source, string(RecordPending), q.AfterID}
	if q.ImportID != "" {
		where += ` AND import_id = ?`
		args = append(args, q.ImportID)
	}
	return where, args
}

// ListPendingRecords returns up to q.Limit pending records of q.Source with
// an id greater than q.AfterID, in id order.
func (s *SQLStore) ListPendingRecords(ctx context.Context, q PendingQuery) ([]*RawRecord, error) {
	where, args := pendingWhere(q)
	query := `SELECT ` + recordColumns + ` FROM raw_records` + where + ` ORDER BY id LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	defer rows.Close()

	var records []*RawRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending records: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) CountPendingRecords(ctx context.Context, q PendingQuery) (int64, error) {
	where, args := pendingWhere(q)
	var n int64
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_records`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending records: %w", err)
	}
	return n, nil
}

// FinalizeRecord moves a pending record to its final status. A record that
// is no longer pending is left untouched.
func (s *SQLStore) FinalizeRecord(ctx context.Context, id int64, status RecordStatus, clientID, errMsg string) error {
	query := `UPDATE raw_records SET processing_status = ?, processed_at = ?, merged_client_id = ?,
			  error_message = ?
			  WHERE id = ? AND processing_status = ?`

	_, err := s.q.ExecContext(ctx, query,
		string(status),
		s.now(),
		nullString(clientID),
		nullString(errMsg),
		id,
		string(RecordPending),
	)
	if err != nil {
		return fmt.Errorf("finalize record %d: %w", id, err)
	}
	return nil
}
