package core

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ToolStrategy selects how a tool's arguments are classified.
type ToolStrategy string

const (
	// StrategyShell parses the arguments as a shell command line.
	StrategyShell ToolStrategy = "shell"
	// StrategyPath takes the operation from the catalog and the location
	// from path-like arguments.
	StrategyPath ToolStrategy = "path"
	// StrategyStatic takes the operation from the catalog and never touches paths.
	StrategyStatic ToolStrategy = "static"
)

// ToolEntry maps a tool name to its default operation.
type ToolEntry struct {
	Tool        string       `json:"tool"`
	Strategy    ToolStrategy `json:"strategy"`
	Operation   Operation    `json:"classification"`
	Description string       `json:"description,omitempty"`
}

// VerbKind tags entries of the shell verb table.
type VerbKind string

const (
	// VerbCommand is an ordinary command.
	VerbCommand VerbKind = "command"
	// VerbWrapper runs another command (sudo, xargs, env).
	VerbWrapper VerbKind = "wrapper"
	// VerbShell is an interpreter whose -c string is itself a command line.
	VerbShell VerbKind = "shell"
)

// VerbEntry is one row of the shell verb table.
type VerbEntry struct {
	Verb       string    `json:"verb"`
	Subcommand string    `json:"subcommand,omitempty"`
	Operation  Operation `json:"classification"`
	Kind       VerbKind  `json:"kind"`
	// PathOperands treats every positional operand as a path.
	PathOperands bool `json:"path_operands"`
	// ArgFlags are flags that consume the next token.
	ArgFlags []string `json:"arg_flags,omitempty"`
	// Escalations maps a flag to the operation it raises the command to.
	Escalations map[string]Operation `json:"escalations,omitempty"`
	// SkipArgs is the number of leading positionals a wrapper consumes
	// before the inner command (timeout's duration).
	SkipArgs int `json:"skip_args,omitempty"`
}

func (v VerbEntry) takesArg(flag string) bool {
	for _, f := range v.ArgFlags {
		if f == flag {
			return true
		}
	}
	return false
}

func (v VerbEntry) escalation(arg string) (Operation, bool) {
	if len(v.Escalations) == 0 {
		return "", false
	}
	if op, ok := v.Escalations[arg]; ok {
		return op, true
	}
	// --in-place=.bak, -i.bak
	if i := strings.IndexByte(arg, '='); i > 0 {
		if op, ok := v.Escalations[arg[:i]]; ok {
			return op, true
		}
	}
	if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && len(arg) > 2 {
		if op, ok := v.Escalations[arg[:2]]; ok {
			return op, true
		}
	}
	return "", false
}

type verbKey struct {
	verb string
	sub  string
}

// Catalog is the read-only tool and verb table the classifier consults.
type Catalog struct {
	tools      map[string]ToolEntry
	verbs      map[verbKey]VerbEntry
	withSubs   map[string]bool
	separators []string
}

// NewCatalog indexes tool and verb entries.
func NewCatalog(tools []ToolEntry, verbs []VerbEntry, separators []string) *Catalog {
	c := &Catalog{
		tools:      make(map[string]ToolEntry, len(tools)),
		verbs:      make(map[verbKey]VerbEntry, len(verbs)),
		withSubs:   make(map[string]bool),
		separators: append([]string(nil), separators...),
	}
	for _, t := range tools {
		c.tools[strings.ToLower(t.Tool)] = t
	}
	for _, v := range verbs {
		c.verbs[verbKey{verb: v.Verb, sub: v.Subcommand}] = v
		if v.Subcommand != "" {
			c.withSubs[v.Verb] = true
		}
	}
	return c
}

// Tool looks up a tool entry by name, case-insensitively.
func (c *Catalog) Tool(name string) (ToolEntry, bool) {
	t, ok := c.tools[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Tools returns all tool entries sorted by name.
func (c *Catalog) Tools() []ToolEntry {
	out := make([]ToolEntry, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

// Verb looks up a verb, preferring a subcommand-specific row.
func (c *Catalog) Verb(verb, sub string) (VerbEntry, bool) {
	if sub != "" {
		if v, ok := c.verbs[verbKey{verb: verb, sub: sub}]; ok {
			return v, true
		}
	}
	v, ok := c.verbs[verbKey{verb: verb}]
	return v, ok
}

// HasSubcommands reports whether any row for verb is subcommand-specific.
func (c *Catalog) HasSubcommands(verb string) bool {
	return c.withSubs[verb]
}

// DeclaresSeparator reports whether the table lists sep as a
// compound-command separator.
func (c *Catalog) DeclaresSeparator(sep string) bool {
	return slices.Contains(c.separators, sep)
}

// RuleKey identifies one cell of the decision matrix.
type RuleKey struct {
	Mode      Mode       `json:"mode"`
	Trust     TrustLevel `json:"trust"`
	Operation Operation  `json:"classification"`
	Location  Location   `json:"location"`
}

func (k RuleKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Mode, k.Trust, k.Operation, k.Location)
}

// Rule is one cell of the decision matrix.
type Rule struct {
	RuleKey
	Decision  Decision `json:"decision"`
	Rationale string   `json:"rationale,omitempty"`
}

// RuleTable is the decision matrix keyed by (mode, trust, operation, location).
type RuleTable map[RuleKey]Rule

// NewRuleTable indexes rules, rejecting duplicates.
func NewRuleTable(rules []Rule) (RuleTable, error) {
	t := make(RuleTable, len(rules))
	for _, r := range rules {
		if _, dup := t[r.RuleKey]; dup {
			return nil, fmt.Errorf("duplicate rule for %s", r.RuleKey)
		}
		t[r.RuleKey] = r
	}
	return t, nil
}

// Lookup returns the rule for a tuple. A miss is a defect in the table.
func (t RuleTable) Lookup(mode Mode, trust TrustLevel, op Operation, loc Location) (Rule, bool) {
	r, ok := t[RuleKey{Mode: mode, Trust: trust, Operation: op, Location: loc}]
	return r, ok
}

// Missing lists every tuple with no rule, in canonical order.
func (t RuleTable) Missing() []RuleKey {
	var missing []RuleKey
	for _, m := range AllModes() {
		for _, tr := range AllTrustLevels() {
			for _, op := range AllOperations() {
				for _, loc := range AllLocations() {
					k := RuleKey{Mode: m, Trust: tr, Operation: op, Location: loc}
					if _, ok := t[k]; !ok {
						missing = append(missing, k)
					}
				}
			}
		}
	}
	return missing
}

// Sorted returns rules in canonical matrix order.
func (t RuleTable) Sorted() []Rule {
	out := make([]Rule, 0, len(t))
	for _, m := range AllModes() {
		for _, tr := range AllTrustLevels() {
			for _, op := range AllOperations() {
				for _, loc := range AllLocations() {
					if r, ok := t[RuleKey{Mode: m, Trust: tr, Operation: op, Location: loc}]; ok {
						out = append(out, r)
					}
				}
			}
		}
	}
	return out
}
