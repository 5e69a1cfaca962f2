package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// ErrPendingNotFound is returned when a continuation token is unknown or
// has already been resolved.
var ErrPendingNotFound = errors.New("pending decision not found")

// PendingDecision is a held tool call awaiting a human response.
type PendingDecision struct {
	Token     string          `json:"token"`
	CreatedAt time.Time       `json:"created_at"`
	Tool      string          `json:"tool"`
	Command   string          `json:"command"`
	Subject   string          `json:"subject,omitempty"`
	Operation core.Operation  `json:"classification"`
	Location  core.Location   `json:"location"`
	Mode      core.Mode       `json:"mode"`
	Trust     core.TrustLevel `json:"trust"`
	Decision  core.Decision   `json:"decision"`
	Compound  bool            `json:"compound"`
	SessionID string          `json:"session_id,omitempty"`
	Workdir   string          `json:"workdir,omitempty"`
	Rationale string          `json:"rationale,omitempty"`
}

const pendingColumns = `token, created_at, tool, command, subject, classification, location, mode_id, trust_id,
	decision, savable, compound, session_id, workdir, rationale`

// CreatePending stores p under a fresh token.
func (db *DB) CreatePending(ctx context.Context, p *PendingDecision) error {
	if p.Tool == "" {
		return fmt.Errorf("tool is required")
	}
	if p.Token == "" {
		p.Token = uuid.New().String()
	}
	p.CreatedAt = time.Now().UTC()

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_decisions (`+pendingColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.Token, formatTime(p.CreatedAt), p.Tool, p.Command, p.Subject, string(p.Operation),
			string(p.Location), string(p.Mode), string(p.Trust), string(p.Decision.Kind),
			boolInt(p.Decision.Savable), boolInt(p.Compound), p.SessionID, p.Workdir, p.Rationale)
		if err != nil {
			return fmt.Errorf("creating pending decision: %w", err)
		}
		return nil
	})
}

// GetPending retrieves a pending decision by token.
func (db *DB) GetPending(ctx context.Context, token string) (*PendingDecision, error) {
	return scanPending(db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_decisions WHERE token = ?`, token))
}

// ListPending returns unresolved decisions, oldest first.
func (db *DB) ListPending(ctx context.Context) ([]*PendingDecision, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_decisions ORDER BY created_at, token`)
	if err != nil {
		return nil, fmt.Errorf("querying pending decisions: %w", err)
	}
	defer rows.Close()

	out := []*PendingDecision{}
	for rows.Next() {
		p, err := scanPendingRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending decisions: %w", err)
	}
	return out, nil
}

// ResolvePending loads the decision for token and runs fn in the same
// transaction. The decision is removed only if fn succeeds, so a token
// can be answered exactly once.
func (db *DB) ResolvePending(ctx context.Context, token string, fn func(q Querier, p *PendingDecision) error) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		p, err := scanPending(tx.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_decisions WHERE token = ?`, token))
		if err != nil {
			return err
		}
		if err := fn(tx, p); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_decisions WHERE token = ?`, token)
		if err != nil {
			return fmt.Errorf("resolving pending decision: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		} else if n == 0 {
			return ErrPendingNotFound
		}
		return nil
	})
}

// PrunePending cancels decisions older than maxAge. Each one leaves a
// cancelled audit entry written in the same transaction as its removal.
func (db *DB) PrunePending(ctx context.Context, maxAge time.Duration) ([]*PendingDecision, error) {
	cutoff := formatTime(time.Now().Add(-maxAge))
	var pruned []*PendingDecision
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_decisions WHERE created_at < ? ORDER BY created_at, token`, cutoff)
		if err != nil {
			return fmt.Errorf("querying stale pending decisions: %w", err)
		}
		for rows.Next() {
			p, err := scanPendingRow(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scanning pending row: %w", err)
			}
			pruned = append(pruned, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating pending decisions: %w", err)
		}

		for _, p := range pruned {
			if err := AppendAuditTx(ctx, tx, &AuditEntry{
				Tool:      p.Tool,
				Command:   p.Command,
				Operation: p.Operation,
				Location:  p.Location,
				Mode:      p.Mode,
				Trust:     p.Trust,
				Decision:  p.Decision.Kind,
				Savable:   p.Decision.Savable,
				Outcome:   core.OutcomeCancelled,
				Token:     p.Token,
				SessionID: p.SessionID,
				Workdir:   p.Workdir,
				Detail:    fmt.Sprintf("expired after %s without a response", maxAge),
			}); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_decisions WHERE token = ?`, p.Token); err != nil {
				return fmt.Errorf("pruning pending decision: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pruned, nil
}

func scanPendingRow(row rowScanner) (*PendingDecision, error) {
	p := &PendingDecision{}
	var createdAt, op, loc, mode, trust, decision string
	var savable, compound int
	if err := row.Scan(&p.Token, &createdAt, &p.Tool, &p.Command, &p.Subject, &op, &loc, &mode, &trust,
		&decision, &savable, &compound, &p.SessionID, &p.Workdir, &p.Rationale); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.Operation = core.Operation(op)
	p.Location = core.Location(loc)
	p.Mode = core.Mode(mode)
	p.Trust = core.TrustLevel(trust)
	p.Decision = core.Decision{Kind: core.DecisionKind(decision), Savable: savable == 1}
	p.Compound = compound == 1
	return p, nil
}

func scanPending(row *sql.Row) (*PendingDecision, error) {
	p, err := scanPendingRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("scanning pending decision: %w", err)
	}
	return p, nil
}
