package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrActiveRunExists is returned by CreateRun when another active run
	// already holds the source tag.
	ErrActiveRunExists = errors.New("an active run already exists for this source")
	// ErrStaleRun is returned by UpdateRun when the row changed since it was read.
	ErrStaleRun = errors.New("sync run was modified concurrently")
	// ErrDuplicate is returned when a natural key is already taken.
	ErrDuplicate = errors.New("duplicate natural key")
	// ErrNotFound is returned by conditional writes that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrClaimContended means other workers took every due job ClaimJob tried.
	ErrClaimContended = errors.New("job claim contended")
)

type Store interface {
	// Sync runs
	CreateRun(ctx context.Context, run *SyncRun) error
	GetRun(ctx context.Context, id string) (*SyncRun, error)
	FindActiveRun(ctx context.Context, source string) (*SyncRun, error)
	UpdateRun(ctx context.Context, run *SyncRun) error
	CancelRun(ctx context.Context, id string) (bool, error)
	CancelActiveRuns(ctx context.Context, sources []string) (int64, error)
	ListRuns(ctx context.Context, source string, limit, offset int) ([]*SyncRun, error)

	// Staged records
	StageRecord(ctx context.Context, rec *RawRecord) (int64, error)
	GetRecord(ctx context.Context, id int64) (*RawRecord, error)
	ListPendingRecords(ctx context.Context, q PendingQuery) ([]*RawRecord, error)
	CountPendingRecords(ctx context.Context, q PendingQuery) (int64, error)
	FinalizeRecord(ctx context.Context, id int64, status RecordStatus, clientID, errMsg string) error

	// Clients
	GetClient(ctx context.Context, id string) (*Client, error)
	FindClientByExternalID(ctx context.Context, source, externalID string) (*Client, error)
	FindClientByEmail(ctx context.Context, email string) (*Client, error)
	FindClientByPhone(ctx context.Context, phone string) (*Client, error)
	InsertClient(ctx context.Context, c *Client) error
	UpdateClient(ctx context.Context, c *Client) error
	LinkExternalID(ctx context.Context, clientID, source, externalID string) error

	// Transactions
	UpsertTransaction(ctx context.Context, t *Transaction) error
	SumTransactions(ctx context.Context, clientID string) (int64, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error

	// Continuation queue
	EnqueueJob(ctx context.Context, job *Job) error
	ClaimJob(ctx context.Context, now time.Time) (*Job, error)
	CompleteJob(ctx context.Context, id int64, errMsg string) error
	RetryJob(ctx context.Context, id int64, availableAt time.Time, errMsg string) error

	// InTx runs fn against a Store bound to a single transaction.
	InTx(ctx context.Context, fn func(Store) error) error

	// General
	Close() error
}
