package store

import (
	"database/sql"
	"time"

	"github.com/goccy/go-json"
)

type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunRunning    RunStatus = "running"
	RunContinuing RunStatus = "continuing"
	RunPaused     RunStatus = "paused"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// ActiveRunStatuses are the statuses a trigger may reuse or cancel.
var ActiveRunStatuses = []RunStatus{RunPending, RunRunning, RunContinuing, RunPaused}

func (s RunStatus) IsActive() bool {
	for _, a := range ActiveRunStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

type Totals struct {
	Fetched   int64 `json:"fetched"`
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Skipped   int64 `json:"skipped"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
}

func (t *Totals) Add(o Totals) {
	t.Fetched += o.Fetched
	t.Inserted += o.Inserted
	t.Updated += o.Updated
	t.Skipped += o.Skipped
	t.Conflicts += o.Conflicts
	t.Errors += o.Errors
}

type CursorKind string

const (
	// CursorRowID resumes a staging-table scan after the last seen row id.
	CursorRowID CursorKind = "row_id"
	// CursorToken resumes provider pagination from an opaque provider token.
	CursorToken CursorKind = "token"
	// CursorOffset resumes provider pagination from a page number.
	CursorOffset CursorKind = "offset"
)

// Cursor is the resume position of one source inside a run. Only the field
// matching Kind is meaningful.
type Cursor struct {
	Kind      CursorKind `json:"kind"`
	AfterID   int64      `json:"after_id,omitempty"`
	Token     string     `json:"token,omitempty"`
	Offset    int        `json:"offset,omitempty"`
	Exhausted bool       `json:"exhausted,omitempty"`
}

type Checkpoint struct {
	Chunk         int               `json:"chunk"`
	Cursors       map[string]Cursor `json:"cursors"`
	Totals        Totals            `json:"totals"`
	ErrorCount    int64             `json:"error_count"`
	CanResume     bool              `json:"can_resume"`
	ChainFailures int               `json:"chain_failures,omitempty"`
}

type RunMetadata struct {
	Sources        []string         `json:"sources"`
	BatchSize      int              `json:"batch_size"`
	ImportID       string           `json:"import_id,omitempty"`
	InitialPending map[string]int64 `json:"initial_pending"`
	InitialTotal   int64            `json:"initial_total"`
}

type SyncRun struct {
	ID           string         `db:"id"`
	Source       string         `db:"source"`
	Status       RunStatus      `db:"status"`
	Totals       Totals         `db:"-"`
	Checkpoint   Checkpoint     `db:"checkpoint"`
	Metadata     RunMetadata    `db:"metadata"`
	ErrorMessage sql.NullString `db:"error_message"`
	Version      int64          `db:"version"`
	StartedAt    time.Time      `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

type RecordStatus string

const (
	RecordPending  RecordStatus = "pending"
	RecordMerged   RecordStatus = "merged"
	RecordConflict RecordStatus = "conflict"
	RecordError    RecordStatus = "error"
	RecordSkipped  RecordStatus = "skipped"
)

// RawRecord is one staged, not yet merged unit from a source.
type RawRecord struct {
	ID               int64           `db:"id"`
	Source           string          `db:"source"`
	ExternalID       string          `db:"external_id"`
	ImportID         sql.NullString  `db:"import_id"`
	Checksum         string          `db:"checksum"`
	Payload          json.RawMessage `db:"payload"`
	ProcessingStatus RecordStatus    `db:"processing_status"`
	ProcessedAt      sql.NullTime    `db:"processed_at"`
	MergedClientID   sql.NullString  `db:"merged_client_id"`
	ErrorMessage     sql.NullString  `db:"error_message"`
	IngestedAt       time.Time       `db:"ingested_at"`
}

// ContactPayload is the normalised shape every source stages.
type ContactPayload struct {
	Email           string              `json:"email,omitempty"`
	Phone           string              `json:"phone,omitempty"`
	FullName        string              `json:"full_name,omitempty"`
	Tags            []string            `json:"tags,omitempty"`
	OptIn           map[string]*bool    `json:"opt_in,omitempty"`
	LifecycleStage  string              `json:"lifecycle_stage,omitempty"`
	TotalSpendCents *int64              `json:"total_spend_cents,omitempty"`
	Attributes      map[string]any      `json:"attributes,omitempty"`
	Transaction     *TransactionPayload `json:"transaction,omitempty"`
}

type TransactionPayload struct {
	ID          string    `json:"id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Opt-in channels stored on a client.
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// Client is the canonical, deduplicated identity.
type Client struct {
	ID              string            `db:"id"`
	Email           sql.NullString    `db:"email"`
	Phone           sql.NullString    `db:"phone"`
	FullName        sql.NullString    `db:"full_name"`
	ExternalIDs     map[string]string `db:"-"`
	Tags            []string          `db:"tags"`
	OptInEmail      sql.NullBool      `db:"opt_in_email"`
	OptInSMS        sql.NullBool      `db:"opt_in_sms"`
	OptInWhatsApp   sql.NullBool      `db:"opt_in_whatsapp"`
	LifecycleStage  sql.NullString    `db:"lifecycle_stage"`
	TotalSpendCents int64             `db:"total_spend_cents"`
	Attributes      map[string]any    `db:"attributes"`
	LastSync        sql.NullTime      `db:"last_sync"`
	CreatedAt       time.Time         `db:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at"`
}

type Transaction struct {
	Source      string    `db:"source"`
	ExternalID  string    `db:"external_id"`
	ClientID    string    `db:"client_id"`
	AmountCents int64     `db:"amount_cents"`
	Currency    string    `db:"currency"`
	Status      string    `db:"status"`
	OccurredAt  time.Time `db:"occurred_at"`
}

type ConflictType string

const (
	ConflictExternalID ConflictType = "external_id_mismatch"
	ConflictEmail      ConflictType = "email_mismatch"
	ConflictPhone      ConflictType = "phone_mismatch"
)

type Conflict struct {
	ID                 string          `db:"id"`
	Source             string          `db:"source"`
	ExternalID         string          `db:"external_id"`
	ClientID           string          `db:"client_id"`
	RawRecordID        sql.NullInt64   `db:"raw_record_id"`
	ConflictType       ConflictType    `db:"conflict_type"`
	Fingerprint        string          `db:"fingerprint"`
	ExistingData       json.RawMessage `db:"existing_data"`
	InboundData        json.RawMessage `db:"inbound_data"`
	DetectedAt         time.Time       `db:"detected_at"`
	Resolved           bool            `db:"resolved"`
	ResolutionStrategy sql.NullString  `db:"resolution_strategy"`
	ResolvedAt         sql.NullTime    `db:"resolved_at"`
	ResolvedData       json.RawMessage `db:"resolved_data"`
}

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a durable continuation work item: {run id, sources, resume state}.
type Job struct {
	ID          int64           `db:"id"`
	RunID       string          `db:"run_id"`
	DedupeKey   string          `db:"dedupe_key"`
	Payload     json.RawMessage `db:"payload"`
	Status      JobStatus       `db:"status"`
	Attempts    int             `db:"attempts"`
	AvailableAt time.Time       `db:"available_at"`
	LastError   sql.NullString  `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// PendingQuery selects staged records still awaiting a merge.
type PendingQuery struct {
	Source   string
	ImportID string
	AfterID  int64
	Limit    int
}
