package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/Dicklesworthstone/warden/internal/db"
)

// NewTestDB returns a temporary, seeded policy store for tests.
//
// The caller does not need to close it; cleanup is registered on t.Cleanup.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.db")
	return NewTestDBAtPath(t, path)
}

// NewTestDBAtPath creates a seeded policy store at a specific path.
func NewTestDBAtPath(t *testing.T, path string) *db.DB {
	t.Helper()

	if path == "" {
		t.Fatalf("NewTestDBAtPath: path is required")
	}

	database, err := db.OpenAndMigrate(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	t.Cleanup(func() {
		_ = database.Close()
	})

	return database
}

// TamperBuiltin runs statements against builtin tables the way an
// external sqlite3 session would: it lifts the write guard, executes, and
// restores the guard, all in one transaction. The loaded snapshot is not
// refreshed.
func TamperBuiltin(t *testing.T, database *db.DB, statements ...string) {
	t.Helper()
	ctx := context.Background()
	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE builtin_write_guard SET unlocked = 1 WHERE id = 1`); err != nil {
			return err
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE builtin_write_guard SET unlocked = 0 WHERE id = 1`)
		return err
	})
	RequireNoError(t, err, "tamper builtin tables")
}

// CountRows returns the number of rows in table.
func CountRows(t *testing.T, database *db.DB, table string) int {
	t.Helper()
	var n int
	err := database.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n)
	RequireNoError(t, err, "count "+table)
	return n
}
