package core

import (
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// mcpPrefix starts the name agents use for a tool served over MCP:
// mcp__<server>__<tool>.
const mcpPrefix = "mcp__"

// MCPTool identifies one tool of one MCP server.
type MCPTool struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

// ParseMCPTool splits an mcp__<server>__<tool> name. Both parts are
// lowercased; the tool part may itself contain "__".
func ParseMCPTool(name string) (MCPTool, bool) {
	rest, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(name)), mcpPrefix)
	if !ok {
		return MCPTool{}, false
	}
	server, tool, ok := strings.Cut(rest, "__")
	if !ok || server == "" || tool == "" {
		return MCPTool{}, false
	}
	return MCPTool{Server: server, Tool: tool}, true
}

// Name is the tool name agents call t by.
func (t MCPTool) Name() string {
	return mcpPrefix + t.Server + "__" + t.Tool
}

func (t MCPTool) String() string {
	return t.Server + ":" + t.Tool
}

// Risk is the operator's rating of an MCP tool.
type Risk string

const (
	RiskSafe      Risk = "safe"
	RiskModerate  Risk = "moderate"
	RiskDangerous Risk = "dangerous"
)

// Valid reports whether r is a known rating.
func (r Risk) Valid() bool {
	return r == RiskSafe || r == RiskModerate || r == RiskDangerous
}

// ParseRisk parses a risk rating.
func ParseRisk(s string) (Risk, error) {
	r := Risk(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("invalid risk %q (must be safe, moderate, or dangerous)", s)
	}
	return r, nil
}

// Operation places r on the operation scale. Unknown ratings count as
// dangerous.
func (r Risk) Operation() Operation {
	switch r {
	case RiskSafe:
		return OperationRead
	case RiskModerate:
		return OperationWrite
	default:
		return OperationDelete
	}
}

// MCPPolicy decides calls to one MCP tool. MCP tools act outside the
// workdir, so the policy replaces the rule matrix for them.
type MCPPolicy struct {
	MCPTool
	Risk             Risk   `json:"risk"`
	NeedsApproval    bool   `json:"needs_approval"`
	AllowSavePattern bool   `json:"allow_save_pattern"`
	Description      string `json:"description,omitempty"`
	// Default marks the policy given to a tool nobody configured.
	Default bool `json:"default,omitempty"`
}

// DefaultMCPPolicy covers MCP tools with no configured policy.
func DefaultMCPPolicy(t MCPTool) MCPPolicy {
	return MCPPolicy{
		MCPTool:          t,
		Risk:             RiskModerate,
		NeedsApproval:    true,
		AllowSavePattern: true,
		Default:          true,
	}
}

// Decision is the verdict for every call under p.
func (p MCPPolicy) Decision() Decision {
	if !p.NeedsApproval {
		return AutoApprove()
	}
	return RequireApproval(p.AllowSavePattern)
}

// Rationale explains Decision.
func (p MCPPolicy) Rationale() string {
	switch {
	case p.Description != "":
		return p.Description
	case p.Default:
		return fmt.Sprintf("no policy configured for MCP tool %s", p.MCPTool)
	}
	return fmt.Sprintf("MCP tool %s is rated %s", p.MCPTool, p.Risk)
}

// MCPSubject is the text patterns for an MCP call are matched against:
// the RFC 8785 canonical form of the JSON arguments, so key order and
// spacing do not matter. Arguments that are not JSON are only trimmed.
func MCPSubject(args string) string {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return ""
	}
	canonical, err := jcs.Transform([]byte(trimmed))
	if err != nil {
		return trimmed
	}
	return string(canonical)
}

func (c *Classifier) classifyMCP(t MCPTool, args string) Classification {
	policy, ok := c.mcp[t]
	if !ok {
		policy = DefaultMCPPolicy(t)
	}
	return Classification{
		Operation: policy.Risk.Operation(),
		Location:  LocationOutside,
		Subject:   MCPSubject(args),
		Reason:    policy.Rationale(),
		MCP:       &policy,
	}
}
