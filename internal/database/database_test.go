package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDialect_Upsert(t *testing.T) {
	assert.Equal(t,
		"ON DUPLICATE KEY UPDATE amount = VALUES(amount), status = VALUES(status)",
		MySQL.Upsert([]string{"source", "external_id"}, []string{"amount", "status"}))
	assert.Equal(t,
		"ON CONFLICT(source, external_id) DO UPDATE SET amount = excluded.amount, status = excluded.status",
		SQLite.Upsert([]string{"source", "external_id"}, []string{"amount", "status"}))
}

func TestDialect_DoNothing(t *testing.T) {
	assert.Equal(t, "ON DUPLICATE KEY UPDATE id = id", MySQL.DoNothing([]string{"id"}))
	assert.Equal(t, "ON CONFLICT(id, kind) DO NOTHING", SQLite.DoNothing([]string{"id", "kind"}))
}

func TestExecTx_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.DB.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv VALUES ('a', '1')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.DB.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Zero(t, n)
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTestDB(t)

	_, err := db.DB.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT UNIQUE)`)
	require.NoError(t, err)
	_, err = db.DB.Exec(`INSERT INTO kv VALUES ('a', '1')`)
	require.NoError(t, err)

	_, err = db.DB.Exec(`INSERT INTO kv VALUES ('a', '2')`)
	assert.True(t, IsUniqueViolation(err), "primary key")
	_, err = db.DB.Exec(`INSERT INTO kv VALUES ('b', '1')`)
	assert.True(t, IsUniqueViolation(err), "unique column")

	assert.True(t, IsUniqueViolation(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsUniqueViolation(&mysql.MySQLError{Number: 1045}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}
