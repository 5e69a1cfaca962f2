package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// AuditEntry is one append-only audit_log row.
type AuditEntry struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Tool      string            `json:"tool"`
	Command   string            `json:"command,omitempty"`
	Operation core.Operation    `json:"classification,omitempty"`
	Location  core.Location     `json:"location,omitempty"`
	Mode      core.Mode         `json:"mode,omitempty"`
	Trust     core.TrustLevel   `json:"trust,omitempty"`
	Decision  core.DecisionKind `json:"decision,omitempty"`
	Savable   bool              `json:"savable"`
	Outcome   core.Outcome      `json:"outcome"`
	PatternID *int64            `json:"pattern_id,omitempty"`
	Token     string            `json:"token,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Workdir   string            `json:"workdir,omitempty"`
	Detail    string            `json:"detail,omitempty"`
}

// AuditFilter narrows RecentAudit. Zero fields match everything.
type AuditFilter struct {
	Tool    string
	Outcome core.Outcome
	Since   time.Time
	Limit   int
}

// DefaultAuditLimit caps RecentAudit when no limit is given.
const DefaultAuditLimit = 50

// AppendAudit writes e in its own transaction.
func (db *DB) AppendAudit(ctx context.Context, e *AuditEntry) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return AppendAuditTx(ctx, tx, e)
	})
}

// AppendAuditTx writes e through q and fills in its ID.
func AppendAuditTx(ctx context.Context, q Querier, e *AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var patternID any
	if e.PatternID != nil {
		patternID = *e.PatternID
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, tool, command, classification, location, mode_id, trust_id,
			decision, savable, outcome, pattern_id, token, session_id, workdir, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, formatTime(e.Timestamp), e.Tool, e.Command, string(e.Operation), string(e.Location),
		string(e.Mode), string(e.Trust), string(e.Decision), boolInt(e.Savable), string(e.Outcome),
		patternID, e.Token, e.SessionID, e.Workdir, e.Detail)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting audit id: %w", err)
	}
	e.ID = id
	return nil
}

// RecentAudit returns entries matching filter, newest first.
func (db *DB) RecentAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	var where []string
	var args []any
	if filter.Tool != "" {
		where = append(where, "tool = ? COLLATE NOCASE")
		args = append(args, filter.Tool)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(filter.Since))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	query := `
		SELECT id, timestamp, tool, command, classification, location, mode_id, trust_id,
			decision, savable, outcome, pattern_id, token, session_id, workdir, detail
		FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	out := []*AuditEntry{}
	for rows.Next() {
		e := &AuditEntry{}
		var ts, op, loc, mode, trust, decision, outcome string
		var savable int
		var patternID sql.NullInt64
		if err := rows.Scan(&e.ID, &ts, &e.Tool, &e.Command, &op, &loc, &mode, &trust,
			&decision, &savable, &outcome, &patternID, &e.Token, &e.SessionID, &e.Workdir, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.Operation = core.Operation(op)
		e.Location = core.Location(loc)
		e.Mode = core.Mode(mode)
		e.Trust = core.TrustLevel(trust)
		e.Decision = core.DecisionKind(decision)
		e.Savable = savable == 1
		e.Outcome = core.Outcome(outcome)
		if patternID.Valid {
			id := patternID.Int64
			e.PatternID = &id
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log: %w", err)
	}
	return out, nil
}

// AuditCount returns the number of audit entries, optionally per outcome.
func (db *DB) AuditCount(ctx context.Context, outcome core.Outcome) (int, error) {
	var n int
	var err error
	if outcome == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE outcome = ?`, string(outcome)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting audit log: %w", err)
	}
	return n, nil
}

// AuditSummary counts entries per outcome.
func (db *DB) AuditSummary(ctx context.Context) (map[core.Outcome]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM audit_log GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("summarising audit log: %w", err)
	}
	defer rows.Close()
	out := make(map[core.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning audit summary: %w", err)
		}
		out[core.Outcome(outcome)] = n
	}
	return out, rows.Err()
}
