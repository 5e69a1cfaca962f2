// Package db is the policy store: builtin decision tables, saved
// patterns, the audit log, and pending decisions in one SQLite file.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrStoreNotFound is returned when opening a missing store without CreateIfNotExists.
	ErrStoreNotFound = errors.New("policy store not found")
	// ErrBuiltinProtected is returned when a write to a builtin table is
	// rejected by the protection triggers.
	ErrBuiltinProtected = errors.New("builtin table is read-only")
)

// DefaultBusyTimeout is how long a connection waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite handle. Reads run concurrently; writes go through
// WithTx and are serialised.
type DB struct {
	*sql.DB
	path     string
	writeMu  sync.Mutex
	snapshot atomic.Pointer[Snapshot]
}

// OpenOptions controls how the store is opened.
type OpenOptions struct {
	CreateIfNotExists bool
	InitSchema        bool
	ReadOnly          bool
	BusyTimeout       time.Duration
}

// DefaultOpenOptions creates the file and schema when missing.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		CreateIfNotExists: true,
		InitSchema:        true,
		BusyTimeout:       DefaultBusyTimeout,
	}
}

// Open opens (creating if needed) the store at path and applies the schema.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, DefaultOpenOptions())
}

// OpenAndMigrate opens the store, seeds builtin tables when empty, and
// loads the builtin snapshot. It does not verify integrity.
func OpenAndMigrate(path string) (*DB, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if _, err := database.SeedBuiltin(ctx); err != nil {
		database.Close()
		return nil, err
	}
	if _, err := database.LoadSnapshot(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// OpenWithOptions opens the store at path.
func OpenWithOptions(path string, opts OpenOptions) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	memory := path == ":memory:"
	if !memory {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if !opts.CreateIfNotExists || opts.ReadOnly {
				return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to store: %w", err)
	}

	database := &DB{DB: sqlDB, path: path}
	if opts.InitSchema && !opts.ReadOnly {
		if err := database.initSchema(context.Background()); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return database, nil
}

func dsn(path string, opts OpenOptions) string {
	timeout := opts.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}
	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", timeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	if path == ":memory:" {
		return "file::memory:?" + strings.Join(params, "&")
	}
	if opts.ReadOnly {
		params = append(params, "mode=ro")
	} else {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Path returns the file the store was opened from.
func (db *DB) Path() string {
	return db.path
}

// WithTx runs fn in a write transaction. Writers in this process are
// serialised; _txlock=immediate serialises them across processes.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if isProtectionError(err) && !errors.Is(err, ErrBuiltinProtected) {
			return fmt.Errorf("%w: %v", ErrBuiltinProtected, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isProtectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "builtin table") && strings.Contains(msg, "is read-only")
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "foreign key") {
		return false
	}
	return strings.Contains(msg, "unique constraint failed")
}
