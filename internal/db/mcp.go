package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// ReplaceMCPPolicies makes mcp_tool_policies equal to policies. Server and
// tool names are stored lowercased; a later policy for the same tool wins.
func (db *DB) ReplaceMCPPolicies(ctx context.Context, policies []core.MCPPolicy) (int, error) {
	now := formatTime(time.Now())
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mcp_tool_policies`); err != nil {
			return fmt.Errorf("clearing mcp tool policies: %w", err)
		}
		for _, p := range policies {
			if !p.Risk.Valid() {
				return fmt.Errorf("mcp policy %s: invalid risk %q", p.MCPTool, p.Risk)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO mcp_tool_policies (server_id, tool_name, risk, needs_approval, allow_save_pattern, description, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (server_id, tool_name) DO UPDATE SET
					risk = excluded.risk,
					needs_approval = excluded.needs_approval,
					allow_save_pattern = excluded.allow_save_pattern,
					description = excluded.description,
					updated_at = excluded.updated_at
			`, NormalizeTool(p.Server), NormalizeTool(p.Tool), string(p.Risk), boolInt(p.NeedsApproval),
				boolInt(p.AllowSavePattern), strings.TrimSpace(p.Description), now)
			if err != nil {
				return fmt.Errorf("storing mcp policy %s: %w", p.MCPTool, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return db.countMCPPolicies(ctx)
}

// ListMCPPolicies returns the stored policies sorted by server and tool.
func (db *DB) ListMCPPolicies(ctx context.Context) ([]core.MCPPolicy, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT server_id, tool_name, risk, needs_approval, allow_save_pattern, description
		FROM mcp_tool_policies ORDER BY server_id, tool_name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying mcp tool policies: %w", err)
	}
	defer rows.Close()

	var out []core.MCPPolicy
	for rows.Next() {
		var p core.MCPPolicy
		var risk string
		var needs, save int
		if err := rows.Scan(&p.Server, &p.Tool, &risk, &needs, &save, &p.Description); err != nil {
			return nil, fmt.Errorf("scanning mcp policy row: %w", err)
		}
		p.Risk = core.Risk(risk)
		p.NeedsApproval = needs != 0
		p.AllowSavePattern = save != 0
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mcp tool policies: %w", err)
	}
	return out, nil
}

func (db *DB) countMCPPolicies(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mcp_tool_policies`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting mcp tool policies: %w", err)
	}
	return n, nil
}
