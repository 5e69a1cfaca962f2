package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/warden/internal/core"
)

//go:embed builtin_policy.toml
var builtinPolicyTOML []byte

// Metadata keys.
const (
	MetaBuiltinDigest    = "builtin_digest"
	MetaSeedVersion      = "seed_version"
	MetaDigestVerifiedAt = "digest_verified_at"
	MetaLegacyMigratedAt = "legacy_migrated_at"
	// MetaTableDigests holds per-table digests as a JSON object, recorded
	// with MetaBuiltinDigest so a mismatch can name the changed tables.
	MetaTableDigests     = "builtin_table_digests"
)

// BuiltinPolicy is the parsed embedded seed.
type BuiltinPolicy struct {
	Version      int                `toml:"version"`
	Modes        []SeedMode         `toml:"modes"`
	TrustLevels  []SeedTrustLevel   `toml:"trust_levels"`
	Tools        []SeedToolGroup    `toml:"tools"`
	Separators   []SeedSeparator    `toml:"separators"`
	Verbs        []SeedVerbGroup    `toml:"verbs"`
	Rules        []SeedRuleGroup    `toml:"rules"`
	Availability []SeedAvailability `toml:"availability"`
}

type SeedMode struct {
	ID           string `toml:"id"`
	Name         string `toml:"name"`
	Description  string `toml:"description"`
	ApprovalGate bool   `toml:"approval_gate"`
	Order        int    `toml:"order"`
}

type SeedTrustLevel struct {
	ID             string `toml:"id"`
	Name           string `toml:"name"`
	Description    string `toml:"description"`
	Permissiveness int    `toml:"permissiveness"`
	Order          int    `toml:"order"`
}

type SeedToolGroup struct {
	Names          []string `toml:"names"`
	Strategy       string   `toml:"strategy"`
	Classification string   `toml:"classification"`
	Description    string   `toml:"description"`
}

type SeedSeparator struct {
	Separator   string `toml:"separator"`
	Strategy    string `toml:"strategy"`
	Description string `toml:"description"`
}

type SeedVerbGroup struct {
	Names          []string          `toml:"names"`
	Verb           string            `toml:"verb"`
	Subcommands    []string          `toml:"subcommands"`
	Classification string            `toml:"classification"`
	Kind           string            `toml:"kind"`
	PathOperands   bool              `toml:"path_operands"`
	ArgFlags       []string          `toml:"arg_flags"`
	Escalations    map[string]string `toml:"escalations"`
	SkipArgs       int               `toml:"skip_args"`
}

type SeedRuleGroup struct {
	Modes           []string `toml:"modes"`
	Trusts          []string `toml:"trusts"`
	Classifications []string `toml:"classifications"`
	Locations       []string `toml:"locations"`
	Decision        string   `toml:"decision"`
	Savable         bool     `toml:"savable"`
	Rationale       string   `toml:"rationale"`
}

type SeedAvailability struct {
	Tools     []string `toml:"tools"`
	Modes     []string `toml:"modes"`
	Available bool     `toml:"available"`
}

// SeedRows is the seed expanded into table rows.
type SeedRows struct {
	Version      int
	Modes        []ModeInfo
	TrustLevels  []TrustInfo
	Tools        []core.ToolEntry
	Verbs        []core.VerbEntry
	Separators   []Separator
	Rules        []core.Rule
	Availability []Availability
}

var (
	builtinOnce sync.Once
	builtinRows *SeedRows
	builtinErr  error
)

// LoadBuiltinPolicy parses and expands the embedded seed. The result is
// shared and must not be modified.
func LoadBuiltinPolicy() (*SeedRows, error) {
	builtinOnce.Do(func() {
		builtinRows, builtinErr = ParseBuiltinPolicy(builtinPolicyTOML)
	})
	return builtinRows, builtinErr
}

// ParseBuiltinPolicy parses a seed document and expands its groups,
// rejecting duplicate rows and any gap in the decision matrix.
func ParseBuiltinPolicy(data []byte) (*SeedRows, error) {
	var p BuiltinPolicy
	if _, err := toml.Decode(string(data), &p); err != nil {
		return nil, fmt.Errorf("decoding builtin policy: %w", err)
	}
	if p.Version <= 0 {
		return nil, fmt.Errorf("builtin policy: version must be positive")
	}
	rows := &SeedRows{Version: p.Version}

	for _, m := range p.Modes {
		mode, err := core.ParseMode(m.ID)
		if err != nil {
			return nil, fmt.Errorf("builtin policy: %w", err)
		}
		rows.Modes = append(rows.Modes, ModeInfo{
			ID: mode, Name: m.Name, Description: m.Description,
			ApprovalGate: m.ApprovalGate, Order: m.Order,
		})
	}
	for _, t := range p.TrustLevels {
		trust, err := core.ParseTrustLevel(t.ID)
		if err != nil {
			return nil, fmt.Errorf("builtin policy: %w", err)
		}
		rows.TrustLevels = append(rows.TrustLevels, TrustInfo{
			ID: trust, Name: t.Name, Description: t.Description,
			Permissiveness: t.Permissiveness, Order: t.Order,
		})
	}

	seenTools := make(map[string]bool)
	for _, g := range p.Tools {
		op, err := core.ParseOperation(g.Classification)
		if err != nil {
			return nil, fmt.Errorf("builtin policy tools: %w", err)
		}
		strategy := core.ToolStrategy(g.Strategy)
		switch strategy {
		case core.StrategyShell, core.StrategyPath, core.StrategyStatic:
		default:
			return nil, fmt.Errorf("builtin policy tools: invalid strategy %q", g.Strategy)
		}
		for _, name := range g.Names {
			if seenTools[name] {
				return nil, fmt.Errorf("builtin policy tools: duplicate tool %q", name)
			}
			seenTools[name] = true
			rows.Tools = append(rows.Tools, core.ToolEntry{
				Tool: name, Strategy: strategy, Operation: op, Description: g.Description,
			})
		}
	}

	for _, s := range p.Separators {
		strategy := s.Strategy
		if strategy == "" {
			strategy = "highest_risk"
		}
		rows.Separators = append(rows.Separators, Separator{
			Separator: s.Separator, Strategy: strategy, Description: s.Description,
		})
	}

	verbs, err := expandVerbs(p.Verbs)
	if err != nil {
		return nil, err
	}
	rows.Verbs = verbs

	rules, err := expandRules(p.Rules)
	if err != nil {
		return nil, err
	}
	table, err := core.NewRuleTable(rules)
	if err != nil {
		return nil, fmt.Errorf("builtin policy rules: %w", err)
	}
	if missing := table.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("builtin policy rules: %d tuples have no rule (first: %s)", len(missing), missing[0])
	}
	rows.Rules = table.Sorted()

	avail, err := expandAvailability(p.Availability, seenTools)
	if err != nil {
		return nil, err
	}
	rows.Availability = avail
	return rows, nil
}

func expandVerbs(groups []SeedVerbGroup) ([]core.VerbEntry, error) {
	type key struct{ verb, sub string }
	seen := make(map[key]bool)
	var out []core.VerbEntry
	for _, g := range groups {
		op, err := core.ParseOperation(g.Classification)
		if err != nil {
			return nil, fmt.Errorf("builtin policy verbs: %w", err)
		}
		kind := core.VerbKind(g.Kind)
		if kind == "" {
			kind = core.VerbCommand
		}
		switch kind {
		case core.VerbCommand, core.VerbWrapper, core.VerbShell:
		default:
			return nil, fmt.Errorf("builtin policy verbs: invalid kind %q", g.Kind)
		}
		escalations := make(map[string]core.Operation, len(g.Escalations))
		for flag, raw := range g.Escalations {
			esc, err := core.ParseOperation(raw)
			if err != nil {
				return nil, fmt.Errorf("builtin policy verbs: escalation %s: %w", flag, err)
			}
			escalations[flag] = esc
		}

		var keys []key
		for _, name := range g.Names {
			keys = append(keys, key{verb: name})
		}
		if g.Verb != "" {
			if len(g.Subcommands) == 0 {
				keys = append(keys, key{verb: g.Verb})
			}
			for _, sub := range g.Subcommands {
				keys = append(keys, key{verb: g.Verb, sub: sub})
			}
		}
		for _, k := range keys {
			if seen[k] {
				return nil, fmt.Errorf("builtin policy verbs: duplicate verb %q %q", k.verb, k.sub)
			}
			seen[k] = true
			entry := core.VerbEntry{
				Verb: k.verb, Subcommand: k.sub, Operation: op, Kind: kind,
				PathOperands: g.PathOperands, SkipArgs: g.SkipArgs,
				ArgFlags: append([]string(nil), g.ArgFlags...),
			}
			if len(escalations) > 0 {
				entry.Escalations = escalations
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

func expandRules(groups []SeedRuleGroup) ([]core.Rule, error) {
	var out []core.Rule
	for i, g := range groups {
		decision, err := core.NewDecision(core.DecisionKind(g.Decision), g.Savable)
		if err != nil {
			return nil, fmt.Errorf("builtin policy rules[%d]: %w", i, err)
		}
		for _, ms := range g.Modes {
			mode, err := core.ParseMode(ms)
			if err != nil {
				return nil, fmt.Errorf("builtin policy rules[%d]: %w", i, err)
			}
			for _, ts := range g.Trusts {
				trust, err := core.ParseTrustLevel(ts)
				if err != nil {
					return nil, fmt.Errorf("builtin policy rules[%d]: %w", i, err)
				}
				for _, cs := range g.Classifications {
					op, err := core.ParseOperation(cs)
					if err != nil {
						return nil, fmt.Errorf("builtin policy rules[%d]: %w", i, err)
					}
					for _, ls := range g.Locations {
						loc, err := core.ParseLocation(ls)
						if err != nil {
							return nil, fmt.Errorf("builtin policy rules[%d]: %w", i, err)
						}
						out = append(out, core.Rule{
							RuleKey:   core.RuleKey{Mode: mode, Trust: trust, Operation: op, Location: loc},
							Decision:  decision,
							Rationale: g.Rationale,
						})
					}
				}
			}
		}
	}
	return out, nil
}

func expandAvailability(groups []SeedAvailability, tools map[string]bool) ([]Availability, error) {
	type key struct {
		tool string
		mode core.Mode
	}
	seen := make(map[key]bool)
	var out []Availability
	for _, g := range groups {
		for _, tool := range g.Tools {
			if !tools[tool] {
				return nil, fmt.Errorf("builtin policy availability: unknown tool %q", tool)
			}
			for _, ms := range g.Modes {
				mode, err := core.ParseMode(ms)
				if err != nil {
					return nil, fmt.Errorf("builtin policy availability: %w", err)
				}
				k := key{tool: tool, mode: mode}
				if seen[k] {
					return nil, fmt.Errorf("builtin policy availability: duplicate %s/%s", tool, mode)
				}
				seen[k] = true
				out = append(out, Availability{Tool: tool, Mode: mode, Available: g.Available})
			}
		}
	}
	for tool := range tools {
		for _, mode := range core.AllModes() {
			if !seen[key{tool: tool, mode: mode}] {
				return nil, fmt.Errorf("builtin policy availability: no entry for %s/%s", tool, mode)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tool != out[j].Tool {
			return out[i].Tool < out[j].Tool
		}
		return out[i].Mode < out[j].Mode
	})
	return out, nil
}

// SeedBuiltin inserts the builtin tables when they are empty. It reports
// whether it wrote anything.
func (db *DB) SeedBuiltin(ctx context.Context) (bool, error) {
	seeded := false
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		seeded, err = SeedBuiltinTx(ctx, tx)
		return err
	})
	return seeded, err
}

// SeedBuiltinTx seeds the builtin tables inside tx when every one of them
// is empty. A store with some tables emptied and a recorded digest is left
// alone so the integrity check sees the mismatch and repairs it; without a
// recorded digest there is nothing to compare against and it is reseeded.
func SeedBuiltinTx(ctx context.Context, tx *sql.Tx) (bool, error) {
	empty := 0
	for _, t := range BuiltinTables {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.Name).Scan(&n); err != nil {
			return false, fmt.Errorf("counting %s: %w", t.Name, err)
		}
		if n == 0 {
			empty++
		}
	}
	if empty == 0 {
		return false, nil
	}
	wipe := false
	if empty < len(BuiltinTables) {
		_, recorded, err := getMetadata(ctx, tx, MetaBuiltinDigest)
		if err != nil {
			return false, err
		}
		if recorded {
			return false, nil
		}
		wipe = true
	}
	rows, err := LoadBuiltinPolicy()
	if err != nil {
		return false, err
	}
	if err := writeBuiltin(ctx, tx, rows, wipe); err != nil {
		return false, err
	}
	return true, nil
}

// ReseedBuiltin clears every builtin table and seeds it again in one
// transaction. after runs inside the same transaction once the new rows
// are in place; the snapshot is reloaded on commit. User tables are not
// touched.
func (db *DB) ReseedBuiltin(ctx context.Context, after func(ctx context.Context, q Querier) error) error {
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := ReseedBuiltinTx(ctx, tx); err != nil {
			return err
		}
		if after != nil {
			return after(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = db.LoadSnapshot(ctx)
	return err
}

// ReseedBuiltinTx clears and reseeds the builtin tables inside tx. The
// caller must reload the snapshot after commit.
func ReseedBuiltinTx(ctx context.Context, tx *sql.Tx) error {
	rows, err := LoadBuiltinPolicy()
	if err != nil {
		return err
	}
	return writeBuiltin(ctx, tx, rows, true)
}

// EmbeddedSeedVersion returns the version of the embedded seed.
func EmbeddedSeedVersion() (int, error) {
	rows, err := LoadBuiltinPolicy()
	if err != nil {
		return 0, err
	}
	return rows.Version, nil
}

func writeBuiltin(ctx context.Context, tx *sql.Tx, rows *SeedRows, wipe bool) error {
	if err := setBuiltinUnlocked(ctx, tx, true); err != nil {
		return err
	}
	if wipe {
		for _, t := range BuiltinTables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.Name); err != nil {
				return fmt.Errorf("clearing %s: %w", t.Name, err)
			}
		}
	}

	for _, m := range rows.Modes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_modes (id, name, description, has_approval_gate, display_order)
			VALUES (?, ?, ?, ?, ?)
		`, string(m.ID), m.Name, m.Description, boolInt(m.ApprovalGate), m.Order); err != nil {
			return fmt.Errorf("seeding agent_modes: %w", err)
		}
	}
	for _, t := range rows.TrustLevels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trust_levels (id, name, description, permissiveness, display_order)
			VALUES (?, ?, ?, ?, ?)
		`, string(t.ID), t.Name, t.Description, t.Permissiveness, t.Order); err != nil {
			return fmt.Errorf("seeding trust_levels: %w", err)
		}
	}
	for _, t := range rows.Tools {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_catalog (tool, strategy, classification, description)
			VALUES (?, ?, ?, ?)
		`, t.Tool, string(t.Strategy), string(t.Operation), t.Description); err != nil {
			return fmt.Errorf("seeding tool_catalog: %w", err)
		}
	}
	for _, v := range rows.Verbs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO shell_verbs (verb, subcommand, classification, kind, path_operands, arg_flags, escalations, skip_args)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, v.Verb, v.Subcommand, string(v.Operation), string(v.Kind), boolInt(v.PathOperands),
			strings.Join(v.ArgFlags, ","), encodeEscalations(v.Escalations), v.SkipArgs); err != nil {
			return fmt.Errorf("seeding shell_verbs: %w", err)
		}
	}
	for _, s := range rows.Separators {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compound_separators (separator, strategy, description)
			VALUES (?, ?, ?)
		`, s.Separator, s.Strategy, s.Description); err != nil {
			return fmt.Errorf("seeding compound_separators: %w", err)
		}
	}
	for _, r := range rows.Rules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_rules (mode_id, trust_id, classification, location, decision, savable, rationale)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, string(r.Mode), string(r.Trust), string(r.Operation), string(r.Location),
			string(r.Decision.Kind), boolInt(r.Decision.Savable), r.Rationale); err != nil {
			return fmt.Errorf("seeding approval_rules: %w", err)
		}
	}
	for _, a := range rows.Availability {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_mode_availability (tool, mode_id, available)
			VALUES (?, ?, ?)
		`, a.Tool, string(a.Mode), boolInt(a.Available)); err != nil {
			return fmt.Errorf("seeding tool_mode_availability: %w", err)
		}
	}

	if err := setBuiltinUnlocked(ctx, tx, false); err != nil {
		return err
	}
	return setMetadata(ctx, tx, MetaSeedVersion, strconv.Itoa(rows.Version), time.Now())
}

func encodeEscalations(m map[string]core.Operation) string {
	if len(m) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m))
	for flag, op := range m {
		parts = append(parts, flag+"="+string(op))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func decodeEscalations(s string) (map[string]core.Operation, error) {
	if s == "" {
		return nil, nil
	}
	out := make(map[string]core.Operation)
	for _, part := range strings.Split(s, ",") {
		flag, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed escalation %q", part)
		}
		op, err := core.ParseOperation(raw)
		if err != nil {
			return nil, err
		}
		out[flag] = op
	}
	return out, nil
}
