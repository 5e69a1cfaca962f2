package db

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// ModeInfo is a row of agent_modes.
type ModeInfo struct {
	ID           core.Mode `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	ApprovalGate bool      `json:"approval_gate"`
	Order        int       `json:"order"`
}

// TrustInfo is a row of trust_levels.
type TrustInfo struct {
	ID             core.TrustLevel `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Permissiveness int             `json:"permissiveness"`
	Order          int             `json:"order"`
}

// Separator is a row of compound_separators.
type Separator struct {
	Separator   string `json:"separator"`
	Strategy    string `json:"strategy"`
	Description string `json:"description"`
}

// Availability is a row of tool_mode_availability.
type Availability struct {
	Tool      string    `json:"tool"`
	Mode      core.Mode `json:"mode"`
	Available bool      `json:"available"`
}

// Snapshot is an immutable in-memory copy of the builtin tables.
type Snapshot struct {
	SeedVersion  int
	Modes        []ModeInfo
	TrustLevels  []TrustInfo
	Separators   []Separator
	Catalog      *core.Catalog
	Rules        core.RuleTable
	Availability []Availability
	LoadedAt     time.Time
}

// AvailableTools lists the tools exposed in mode, sorted.
func (s *Snapshot) AvailableTools(mode core.Mode) []string {
	var out []string
	for _, a := range s.Availability {
		if a.Mode == mode && a.Available {
			out = append(out, a.Tool)
		}
	}
	sort.Strings(out)
	return out
}

// ToolAvailable reports whether tool is exposed in mode. Unknown tools
// are not available.
func (s *Snapshot) ToolAvailable(tool string, mode core.Mode) bool {
	for _, a := range s.Availability {
		if a.Mode == mode && strings.EqualFold(a.Tool, tool) {
			return a.Available
		}
	}
	return false
}

// Snapshot returns the last loaded snapshot, or nil before LoadSnapshot.
func (db *DB) Snapshot() *Snapshot {
	return db.snapshot.Load()
}

// LoadSnapshot reads the builtin tables into memory and publishes them.
// Readers holding an older snapshot keep using it.
func (db *DB) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	snap, err := readSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	db.snapshot.Store(snap)
	return snap, nil
}

func readSnapshot(ctx context.Context, q Querier) (*Snapshot, error) {
	snap := &Snapshot{LoadedAt: time.Now().UTC()}

	if v, ok, err := getMetadata(ctx, q, MetaSeedVersion); err != nil {
		return nil, err
	} else if ok {
		snap.SeedVersion, _ = strconv.Atoi(v)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, name, description, has_approval_gate, display_order
		FROM agent_modes ORDER BY display_order
	`)
	if err != nil {
		return nil, fmt.Errorf("loading agent_modes: %w", err)
	}
	for rows.Next() {
		var m ModeInfo
		var id string
		var gate int
		if err := rows.Scan(&id, &m.Name, &m.Description, &gate, &m.Order); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning agent_modes: %w", err)
		}
		m.ID, m.ApprovalGate = core.Mode(id), gate == 1
		snap.Modes = append(snap.Modes, m)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("loading agent_modes: %w", err)
	}

	rows, err = q.QueryContext(ctx, `
		SELECT id, name, description, permissiveness, display_order
		FROM trust_levels ORDER BY display_order
	`)
	if err != nil {
		return nil, fmt.Errorf("loading trust_levels: %w", err)
	}
	for rows.Next() {
		var t TrustInfo
		var id string
		if err := rows.Scan(&id, &t.Name, &t.Description, &t.Permissiveness, &t.Order); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning trust_levels: %w", err)
		}
		t.ID = core.TrustLevel(id)
		snap.TrustLevels = append(snap.TrustLevels, t)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("loading trust_levels: %w", err)
	}

	var tools []core.ToolEntry
	rows, err = q.QueryContext(ctx, `SELECT tool, strategy, classification, description FROM tool_catalog ORDER BY tool`)
	if err != nil {
		return nil, fmt.Errorf("loading tool_catalog: %w", err)
	}
	for rows.Next() {
		var t core.ToolEntry
		var strategy, op string
		if err := rows.Scan(&t.Tool, &strategy, &op, &t.Description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning tool_catalog: %w", err)
		}
		t.Strategy, t.Operation = core.ToolStrategy(strategy), core.Operation(op)
		tools = append(tools, t)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("loading tool_catalog: %w", err)
	}

	var verbs []core.VerbEntry
	rows, err = q.QueryContext(ctx, `
		SELECT verb, subcommand, classification, kind, path_operands, arg_flags, escalations, skip_args
		FROM shell_verbs ORDER BY verb, subcommand
	`)
	if err != nil {
		return nil, fmt.Errorf("loading shell_verbs: %w", err)
	}
	for rows.Next() {
		var v core.VerbEntry
		var op, kind, argFlags, escalations string
		var pathOperands int
		if err := rows.Scan(&v.Verb, &v.Subcommand, &op, &kind, &pathOperands, &argFlags, &escalations, &v.SkipArgs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning shell_verbs: %w", err)
		}
		v.Operation, v.Kind, v.PathOperands = core.Operation(op), core.VerbKind(kind), pathOperands == 1
		if argFlags != "" {
			v.ArgFlags = strings.Split(argFlags, ",")
		}
		if v.Escalations, err = decodeEscalations(escalations); err != nil {
			rows.Close()
			return nil, fmt.Errorf("shell_verbs %s: %w", v.Verb, err)
		}
		verbs = append(verbs, v)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("loading shell_verbs: %w", err)
	}

	rows, err = q.QueryContext(ctx, `SELECT separator, strategy, description FROM compound_separators ORDER BY separator`)
	if err != nil {
		return nil, fmt.Errorf("loading compound_separators: %w", err)
	}
	for rows.Next() {
		var s Separator
		if err := rows.Scan(&s.Separator, &s.Strategy, &s.Description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning compound_separators: %w", err)
		}
		snap.Separators = append(snap.Separators, s)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("loading compound_separators: %w", err)
	}
	seps := make([]string, 0, len(snap.Separators))
	for _, s := range snap.Separators {
		seps = append(seps, s.Separator)
	}
	snap.Catalog = core.NewCatalog(tools, verbs, seps)

	snap.Rules = make(core.RuleTable)
	rows, err = q.QueryContext(ctx, `
		SELECT mode_id, trust_id, classification, location, decision, savable, rationale
		FROM approval_rules
	`)
	if err != nil {
		return nil, fmt.Errorf("loading approval_rules: %w", err)
	}
	for rows.Next() {
		var r core.Rule
		var mode, trust, op, loc, decision string
		var savable int
		if err := rows.Scan(&mode, &trust, &op, &loc, &decision, &savable, &r.Rationale); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning approval_rules: %w", err)
		}
		r.RuleKey = core.RuleKey{
			Mode: core.Mode(mode), Trust: core.TrustLevel(trust),
			Operation: core.Operation(op), Location: core.Location(loc),
		}
		r.Decision = core.Decision{Kind: core.DecisionKind(decision), Savable: savable == 1}
		snap.Rules[r.RuleKey] = r
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("loading approval_rules: %w", err)
	}

	rows, err = q.QueryContext(ctx, `SELECT tool, mode_id, available FROM tool_mode_availability ORDER BY tool, mode_id`)
	if err != nil {
		return nil, fmt.Errorf("loading tool_mode_availability: %w", err)
	}
	for rows.Next() {
		var a Availability
		var mode string
		var avail int
		if err := rows.Scan(&a.Tool, &mode, &avail); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning tool_mode_availability: %w", err)
		}
		a.Mode, a.Available = core.Mode(mode), avail == 1
		snap.Availability = append(snap.Availability, a)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("loading tool_mode_availability: %w", err)
	}
	return snap, nil
}

type rowsCloser interface {
	Err() error
	Close() error
}

func closeRows(rows rowsCloser) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
