package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

// BuiltinTable describes a builtin table and its canonical row order.
type BuiltinTable struct {
	Name    string
	OrderBy string
}

// BuiltinTables lists every builtin table in the fixed order the digest
// enumerates them and repair clears them.
var BuiltinTables = []BuiltinTable{
	{Name: "agent_modes", OrderBy: "id"},
	{Name: "trust_levels", OrderBy: "id"},
	{Name: "tool_catalog", OrderBy: "tool"},
	{Name: "shell_verbs", OrderBy: "verb, subcommand"},
	{Name: "compound_separators", OrderBy: "separator"},
	{Name: "approval_rules", OrderBy: "mode_id, trust_id, classification, location"},
	{Name: "tool_mode_availability", OrderBy: "tool, mode_id"},
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS builtin_write_guard (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	unlocked INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO builtin_write_guard (id, unlocked) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS agent_modes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	has_approval_gate INTEGER NOT NULL CHECK (has_approval_gate IN (0, 1)),
	display_order INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_levels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	permissiveness INTEGER NOT NULL,
	display_order INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_catalog (
	tool TEXT PRIMARY KEY,
	strategy TEXT NOT NULL CHECK (strategy IN ('shell', 'path', 'static')),
	classification TEXT NOT NULL CHECK (classification IN ('read', 'write', 'delete')),
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS shell_verbs (
	verb TEXT NOT NULL,
	subcommand TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL CHECK (classification IN ('read', 'write', 'delete')),
	kind TEXT NOT NULL CHECK (kind IN ('command', 'wrapper', 'shell')),
	path_operands INTEGER NOT NULL DEFAULT 0,
	arg_flags TEXT NOT NULL DEFAULT '',
	escalations TEXT NOT NULL DEFAULT '',
	skip_args INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (verb, subcommand)
);

CREATE TABLE IF NOT EXISTS compound_separators (
	separator TEXT PRIMARY KEY,
	strategy TEXT NOT NULL CHECK (strategy IN ('highest_risk')),
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS approval_rules (
	mode_id TEXT NOT NULL,
	trust_id TEXT NOT NULL,
	classification TEXT NOT NULL CHECK (classification IN ('read', 'write', 'delete')),
	location TEXT NOT NULL CHECK (location IN ('in_workdir', 'outside')),
	decision TEXT NOT NULL CHECK (decision IN ('auto_approve', 'require_approval', 'always_require_approval')),
	savable INTEGER NOT NULL DEFAULT 0,
	rationale TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (mode_id, trust_id, classification, location)
);

CREATE TABLE IF NOT EXISTS tool_mode_availability (
	tool TEXT NOT NULL,
	mode_id TEXT NOT NULL,
	available INTEGER NOT NULL CHECK (available IN (0, 1)),
	PRIMARY KEY (tool, mode_id)
);

CREATE TABLE IF NOT EXISTS approval_patterns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tool TEXT NOT NULL,
	pattern TEXT NOT NULL,
	match_kind TEXT NOT NULL CHECK (match_kind IN ('exact', 'prefix', 'glob', 'regex')),
	action TEXT NOT NULL DEFAULT 'allow' CHECK (action IN ('allow', 'deny')),
	scope TEXT NOT NULL DEFAULT 'persistent' CHECK (scope IN ('persistent', 'session')),
	session_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL CHECK (source IN ('interactive', 'file', 'legacy', 'cli')),
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	classification TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	UNIQUE (tool, pattern, match_kind, action, scope, session_id)
);
CREATE INDEX IF NOT EXISTS idx_approval_patterns_tool ON approval_patterns(tool);

CREATE TABLE IF NOT EXISTS mcp_tool_policies (
	server_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	risk TEXT NOT NULL CHECK (risk IN ('safe', 'moderate', 'dangerous')),
	needs_approval INTEGER NOT NULL,
	allow_save_pattern INTEGER NOT NULL DEFAULT 1,
	description TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (server_id, tool_name)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	tool TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	mode_id TEXT NOT NULL DEFAULT '',
	trust_id TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL DEFAULT '',
	savable INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL CHECK (outcome IN (
		'auto_approved', 'pattern_matched', 'pattern_denied', 'approved',
		'approved_and_saved', 'denied', 'cancelled', 'tamper_detected', 'reseeded'
	)),
	pattern_id INTEGER,
	token TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	workdir TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_log_tool ON audit_log(tool);
CREATE INDEX IF NOT EXISTS idx_audit_log_outcome ON audit_log(outcome);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TABLE IF NOT EXISTS pending_decisions (
	token TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	tool TEXT NOT NULL,
	command TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL,
	location TEXT NOT NULL,
	mode_id TEXT NOT NULL,
	trust_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	savable INTEGER NOT NULL DEFAULT 0,
	compound INTEGER NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL DEFAULT '',
	workdir TEXT NOT NULL DEFAULT '',
	rationale TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS integrity_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// protectionTriggers rejects writes to builtin tables unless the seeding
// routine has unlocked builtin_write_guard inside its own transaction.
func protectionTriggers() string {
	var b strings.Builder
	for _, t := range BuiltinTables {
		for _, op := range []string{"INSERT", "UPDATE", "DELETE"} {
			fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS %[1]s_protect_%[2]s BEFORE %[3]s ON %[1]s
WHEN (SELECT unlocked FROM builtin_write_guard WHERE id = 1) IS NOT 1
BEGIN
	SELECT RAISE(ABORT, 'builtin table %[1]s is read-only');
END;
`, t.Name, strings.ToLower(op), op)
		}
	}
	return b.String()
}

func (db *DB) initSchema(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, protectionTriggers()); err != nil {
			return fmt.Errorf("creating protection triggers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO schema_version (version, applied_at, description)
			VALUES (?, ?, ?)
		`, SchemaVersion, formatTime(time.Now()), "initial policy schema"); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		return nil
	})
}

// setBuiltinUnlocked flips the write guard inside tx.
func setBuiltinUnlocked(ctx context.Context, tx *sql.Tx, unlocked bool) error {
	if _, err := tx.ExecContext(ctx, `UPDATE builtin_write_guard SET unlocked = ? WHERE id = 1`, boolInt(unlocked)); err != nil {
		return fmt.Errorf("toggling builtin write guard: %w", err)
	}
	return nil
}
