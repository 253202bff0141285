package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/djkubo/admin-hub-sub004/internal/database"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on MySQL or SQLite.
type SQLStore struct {
	db      *database.Database
	q       querier
	dialect database.Dialect
	inTx    bool
	now     func() time.Time
}

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{
		db:      db,
		q:       db.DB,
		dialect: db.Dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Migrate applies the embedded schema for the store's dialect. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	name := "schema/sqlite.sql"
	if s.dialect == database.MySQL {
		name = "schema/mysql.sql"
	}
	ddl, err := schemaFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := s.db.DB.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLStore) InTx(ctx context.Context, fn func(Store) error) error {
	return s.withTx(ctx, func(tx *SQLStore) error { return fn(tx) })
}

func (s *SQLStore) withTx(ctx context.Context, fn func(*SQLStore) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		return fn(&SQLStore{db: s.db, q: tx, dialect: s.dialect, inTx: true, now: s.now})
	})
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
