package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// legacyApprovals is the flat approvals.json format used before the
// policy store existed.
type legacyApprovals struct {
	ApprovedCommands map[string][]legacyEntry `json:"approved_commands"`
	DeniedCommands   map[string][]legacyEntry `json:"denied_commands"`
}

type legacyEntry struct {
	Pattern   string `json:"pattern"`
	MatchType string `json:"match_type"`
	Timestamp string `json:"timestamp"`
}

// LegacyResult reports a legacy import.
type LegacyResult struct {
	// AlreadyMigrated is set when the marker was present and nothing ran.
	AlreadyMigrated bool     `json:"already_migrated"`
	Found           bool     `json:"found"`
	Total           int      `json:"total"`
	Imported        int      `json:"imported"`
	Skipped         []string `json:"skipped,omitempty"`
	BackupPath      string   `json:"backup_path,omitempty"`
}

// LegacyMigrated reports whether a legacy file has been imported.
func (db *DB) LegacyMigrated(ctx context.Context) (bool, error) {
	_, ok, err := getMetadata(ctx, db, MetaLegacyMigratedAt)
	return ok, err
}

// MigrateLegacy imports the approvals.json at path into approval_patterns
// once. accept vets each candidate; a non-nil error skips it with that
// reason. The patterns and the migrated marker commit together, after which
// the file is renamed to path+".bak". Once the marker exists later calls do
// nothing, even if the file reappears.
func (db *DB) MigrateLegacy(ctx context.Context, path string, accept func(*core.Pattern) error) (*LegacyResult, error) {
	result := &LegacyResult{}
	if path == "" {
		return result, nil
	}
	done, err := db.LegacyMigrated(ctx)
	if err != nil {
		return nil, err
	}
	if done {
		result.AlreadyMigrated = true
		return result, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading legacy approvals: %w", err)
	}
	result.Found = true

	var legacy legacyApprovals
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parsing legacy approvals %s: %w", path, err)
	}

	candidates := legacyPatterns(legacy.ApprovedCommands, core.ActionAllow)
	candidates = append(candidates, legacyPatterns(legacy.DeniedCommands, core.ActionDeny)...)
	result.Total = len(candidates)

	var keep []*core.Pattern
	for _, p := range candidates {
		if err := core.ValidatePattern(p, false); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s %q: %v", p.Tool, p.Pattern, err))
			continue
		}
		if accept != nil {
			if err := accept(p); err != nil {
				result.Skipped = append(result.Skipped, fmt.Sprintf("%s %q: %v", p.Tool, p.Pattern, err))
				continue
			}
		}
		keep = append(keep, p)
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, ok, err := getMetadata(ctx, tx, MetaLegacyMigratedAt); err != nil {
			return err
		} else if ok {
			result.AlreadyMigrated = true
			return nil
		}
		for _, p := range keep {
			if err := CreatePatternTx(ctx, tx, p); err != nil {
				return err
			}
		}
		now := time.Now()
		return setMetadata(ctx, tx, MetaLegacyMigratedAt, formatTime(now), now)
	})
	if err != nil {
		return nil, err
	}
	if result.AlreadyMigrated {
		result.Total, result.Skipped = 0, nil
		return result, nil
	}
	result.Imported = len(keep)

	backup := path + ".bak"
	if err := os.Rename(path, backup); err != nil {
		return result, fmt.Errorf("backing up legacy approvals: %w", err)
	}
	result.BackupPath = backup
	return result, nil
}

func legacyPatterns(byTool map[string][]legacyEntry, action core.PatternAction) []*core.Pattern {
	tools := make([]string, 0, len(byTool))
	for tool := range byTool {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	var out []*core.Pattern
	for _, tool := range tools {
		for _, e := range byTool[tool] {
			kind, err := core.ParseMatchKind(e.MatchType)
			if err != nil {
				// Unknown legacy kinds are kept so validation reports them.
				kind = core.MatchKind(e.MatchType)
			}
			p := &core.Pattern{
				Tool:      tool,
				Pattern:   e.Pattern,
				MatchKind: kind,
				Action:    action,
				Scope:     core.ScopePersistent,
				Source:    core.SourceLegacy,
			}
			if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
				p.CreatedAt = ts.UTC()
			}
			out = append(out, p)
		}
	}
	return out
}
