package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// ErrPatternNotFound is returned when a pattern ID does not exist.
var ErrPatternNotFound = errors.New("pattern not found")

const patternColumns = `id, tool, pattern, match_kind, action, scope, session_id, source, description, created_at, classification, location`

// PatternFilter narrows ListPatterns. Zero fields match everything.
type PatternFilter struct {
	Tool   string
	Action core.PatternAction
	Source core.PatternSource
	Scope  core.PatternScope
}

// CreatePattern stores p and fills in its ID and CreatedAt. Saving a
// pattern that already exists is not an error: p takes the stored row's
// identity instead.
func (db *DB) CreatePattern(ctx context.Context, p *core.Pattern) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return CreatePatternTx(ctx, tx, p)
	})
}

// CreatePatternTx is CreatePattern inside a caller's transaction.
func CreatePatternTx(ctx context.Context, q Querier, p *core.Pattern) error {
	if p.MatchKind == "" {
		p.MatchKind = core.MatchExact
	}
	if p.Action == "" {
		p.Action = core.ActionAllow
	}
	if p.Scope == "" {
		p.Scope = core.ScopePersistent
	}
	if p.Scope == core.ScopePersistent {
		p.SessionID = ""
	}
	p.Tool = NormalizeTool(p.Tool)
	p.Pattern = strings.TrimSpace(p.Pattern)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO approval_patterns (tool, pattern, match_kind, action, scope, session_id, source, description, created_at, classification, location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Tool, p.Pattern, string(p.MatchKind), string(p.Action), string(p.Scope), p.SessionID,
		string(p.Source), p.Description, formatTime(p.CreatedAt), string(p.Operation), string(p.Location))
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, ferr := scanPattern(q.QueryRowContext(ctx, `
				SELECT `+patternColumns+` FROM approval_patterns
				WHERE tool = ? AND pattern = ? AND match_kind = ? AND action = ? AND scope = ? AND session_id = ?
			`, p.Tool, p.Pattern, string(p.MatchKind), string(p.Action), string(p.Scope), p.SessionID))
			if ferr != nil {
				return ferr
			}
			*p = *existing
			return nil
		}
		return fmt.Errorf("creating pattern: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting pattern id: %w", err)
	}
	p.ID = id
	return nil
}

// NormalizeTool is the form tool names are stored and looked up in.
func NormalizeTool(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}

// GetPattern retrieves a pattern by ID.
func (db *DB) GetPattern(ctx context.Context, id int64) (*core.Pattern, error) {
	return scanPattern(db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM approval_patterns WHERE id = ?`, id))
}

// ListPatterns returns patterns matching filter, oldest first.
func (db *DB) ListPatterns(ctx context.Context, filter PatternFilter) ([]*core.Pattern, error) {
	var where []string
	var args []any
	if filter.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, NormalizeTool(filter.Tool))
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(filter.Scope))
	}
	query := `SELECT ` + patternColumns + ` FROM approval_patterns`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// PatternsForTool returns the persistent patterns for tool plus the
// session patterns belonging to sessionID. Deny patterns sort first.
func (db *DB) PatternsForTool(ctx context.Context, tool, sessionID string) ([]*core.Pattern, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+patternColumns+` FROM approval_patterns
		WHERE tool = ?
		  AND (scope = 'persistent' OR (scope = 'session' AND session_id = ? AND session_id != ''))
		ORDER BY CASE action WHEN 'deny' THEN 0 ELSE 1 END, id
	`, NormalizeTool(tool), sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying patterns for %s: %w", tool, err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// DeletePattern removes a pattern by ID.
func (db *DB) DeletePattern(ctx context.Context, id int64) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM approval_patterns WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting pattern: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 0 {
			return ErrPatternNotFound
		}
		return nil
	})
}

// ReplaceFilePatterns makes the file-sourced patterns equal to patterns.
// Rows from other sources are untouched.
func (db *DB) ReplaceFilePatterns(ctx context.Context, patterns []*core.Pattern) (int, error) {
	added := 0
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM approval_patterns WHERE source = 'file'`); err != nil {
			return fmt.Errorf("clearing file patterns: %w", err)
		}
		for _, p := range patterns {
			p.Source = core.SourceFile
			p.ID = 0
			if err := CreatePatternTx(ctx, tx, p); err != nil {
				return err
			}
			if p.Source == core.SourceFile {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// CountPatterns returns the number of stored patterns.
func (db *DB) CountPatterns(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_patterns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting patterns: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatternRow(row rowScanner) (*core.Pattern, error) {
	p := &core.Pattern{}
	var kind, action, scope, source, createdAt, op, loc string
	if err := row.Scan(&p.ID, &p.Tool, &p.Pattern, &kind, &action, &scope, &p.SessionID, &source, &p.Description, &createdAt, &op, &loc); err != nil {
		return nil, err
	}
	p.Operation = core.Operation(op)
	p.Location = core.Location(loc)
	p.MatchKind = core.MatchKind(kind)
	p.Action = core.PatternAction(action)
	p.Scope = core.PatternScope(scope)
	p.Source = core.PatternSource(source)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func scanPattern(row *sql.Row) (*core.Pattern, error) {
	p, err := scanPatternRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPatternNotFound
		}
		return nil, fmt.Errorf("scanning pattern: %w", err)
	}
	return p, nil
}

func scanPatterns(rows *sql.Rows) ([]*core.Pattern, error) {
	out := []*core.Pattern{}
	for rows.Next() {
		p, err := scanPatternRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pattern row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patterns: %w", err)
	}
	return out, nil
}
