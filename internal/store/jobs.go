package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueJob adds a continuation job. A job with the same dedupe key is kept
// as is, so re-enqueueing the same continuation is harmless.
func (s *SQLStore) EnqueueJob(ctx context.Context, job *Job) error {
	now := s.now()
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	job.Status = JobQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `INSERT INTO sync_jobs (run_id, dedupe_key, payload, status, attempts, available_at, created_at, updated_at)
			  VALUES (?, ?, ?, ?, 0, ?, ?, ?) ` + s.dialect.DoNothing([]string{"dedupe_key"})

	_, err := s.q.ExecContext(ctx, query,
		job.RunID,
		job.DedupeKey,
		[]byte(job.Payload),
		string(job.Status),
		job.AvailableAt.UnixMilli(),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	if err := s.q.QueryRowContext(ctx,
		`SELECT id FROM sync_jobs WHERE dedupe_key = ?`, job.DedupeKey).Scan(&job.ID); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// claimAttempts bounds how often ClaimJob moves on to the next due job after
// losing one to another worker.
const claimAttempts = 5

// ClaimJob takes the oldest queued job that is available at now and marks it
// running. It returns nil when the queue is empty and ErrClaimContended when
// every due job it tried was taken by another worker first.
func (s *SQLStore) ClaimJob(ctx context.Context, now time.Time) (*Job, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		job, lost, err := s.claimNext(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if !lost {
			return job, nil
		}
	}
	return nil, ErrClaimContended
}

// claimNext reports lost when the selected job was claimed concurrently.
func (s *SQLStore) claimNext(ctx context.Context, now time.Time) (*Job, bool, error) {
	var (
		claimed *Job
		lost    bool
	)
	err := s.withTx(ctx, func(tx *SQLStore) error {
		var (
			job         Job
			payload     []byte
			availableAt int64
		)
		query := `SELECT id, run_id, dedupe_key, payload, status, attempts, available_at, last_error, created_at, updated_at
				  FROM sync_jobs WHERE status = ? AND available_at <= ?
				  ORDER BY available_at, id LIMIT 1` + tx.dialect.SkipLocked()

		err := tx.q.QueryRowContext(ctx, query, string(JobQueued), now.UnixMilli()).Scan(
			&job.ID,
			&job.RunID,
			&job.DedupeKey,
			&payload,
			&job.Status,
			&job.Attempts,
			&availableAt,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := tx.q.ExecContext(ctx,
			`UPDATE sync_jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`,
			string(JobRunning), tx.now(), job.ID, string(JobQueued))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			lost = true
			return nil
		}

		job.Payload = payload
		job.AvailableAt = time.UnixMilli(availableAt).UTC()
		job.Status = JobRunning
		job.Attempts++
		claimed = &job
		return nil
	})
	return claimed, lost, err
}

// RetryJob puts a claimed job back in the queue, due at availableAt.
func (s *SQLStore) RetryJob(ctx context.Context, id int64, availableAt time.Time, errMsg string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, available_at = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(JobQueued), availableAt.UnixMilli(), nullString(errMsg), s.now(), id, string(JobRunning))
	if err != nil {
		return fmt.Errorf("retry job %d: %w", id, err)
	}
	return nil
}

// CompleteJob marks a claimed job done, or failed when errMsg is set.
func (s *SQLStore) CompleteJob(ctx context.Context, id int64, errMsg string) error {
	status := JobDone
	if errMsg != "" {
		status = JobFailed
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullString(errMsg), s.now(), id)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	return nil
}
