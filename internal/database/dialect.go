package database

import (
	"fmt"
	"strings"
)

// Dialect captures the few SQL differences between the supported stores.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite3"
)

// Upsert returns the conflict clause that updates cols when a row with the
// same keys already exists.
func (d Dialect) Upsert(keys []string, cols []string) string {
	sets := make([]string, 0, len(cols))
	switch d {
	case MySQL:
		for _, c := range cols {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
		return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	default:
		for _, c := range cols {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
		return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
	}
}

// DoNothing returns the conflict clause that silently keeps the existing row.
// MySQL has no DO NOTHING, so the first key is assigned to itself.
func (d Dialect) DoNothing(keys []string) string {
	switch d {
	case MySQL:
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", keys[0], keys[0])
	default:
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", strings.Join(keys, ", "))
	}
}

// SkipLocked returns the row-locking suffix used when claiming queue rows.
// SQLite serialises writers, so it needs none.
func (d Dialect) SkipLocked() string {
	if d == MySQL {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}
