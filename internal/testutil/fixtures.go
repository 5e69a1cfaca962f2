package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
)

// PatternOption customizes a test pattern.
type PatternOption func(*core.Pattern)

// PendingOption customizes a test pending decision.
type PendingOption func(*db.PendingDecision)

// MakePattern creates and inserts a persistent exact allow pattern for the
// shell tool. Options override any field.
func MakePattern(t *testing.T, database *db.DB, opts ...PatternOption) *core.Pattern {
	t.Helper()

	p := &core.Pattern{
		Tool:      "shell",
		Pattern:   "echo " + randHex(6),
		MatchKind: core.MatchExact,
		Action:    core.ActionAllow,
		Scope:     core.ScopePersistent,
		Source:    core.SourceCLI,
	}
	for _, opt := range opts {
		opt(p)
	}
	RequireNoError(t, database.CreatePattern(context.Background(), p), "create pattern")
	return p
}

// MakePending stores a pending build-mode shell decision requiring a
// savable approval.
func MakePending(t *testing.T, database *db.DB, opts ...PendingOption) *db.PendingDecision {
	t.Helper()

	cmd := "touch /tmp/" + randHex(6)
	p := &db.PendingDecision{
		Tool:      "shell",
		Command:   cmd,
		Subject:   cmd,
		Operation: core.OperationWrite,
		Location:  core.LocationOutside,
		Mode:      core.ModeBuild,
		Trust:     core.TrustBalanced,
		Decision:  core.RequireApproval(true),
		Rationale: "test",
	}
	for _, opt := range opts {
		opt(p)
	}
	RequireNoError(t, database.CreatePending(context.Background(), p), "create pending")
	return p
}

// PatternWithTool sets the tool.
func PatternWithTool(tool string) PatternOption {
	return func(p *core.Pattern) { p.Tool = tool }
}

// PatternWithText sets the pattern text.
func PatternWithText(text string) PatternOption {
	return func(p *core.Pattern) { p.Pattern = text }
}

// PatternWithKind sets the match kind.
func PatternWithKind(kind core.MatchKind) PatternOption {
	return func(p *core.Pattern) { p.MatchKind = kind }
}

// PatternDeny makes the pattern a denial.
func PatternDeny() PatternOption {
	return func(p *core.Pattern) { p.Action = core.ActionDeny }
}

// PatternForSession scopes the pattern to one session.
func PatternForSession(id string) PatternOption {
	return func(p *core.Pattern) {
		p.Scope = core.ScopeSession
		p.SessionID = id
	}
}

// PatternWithSource sets the source.
func PatternWithSource(src core.PatternSource) PatternOption {
	return func(p *core.Pattern) { p.Source = src }
}

// PendingWithDecision sets the held decision.
func PendingWithDecision(d core.Decision) PendingOption {
	return func(p *db.PendingDecision) { p.Decision = d }
}

// PendingWithCommand sets the command and subject.
func PendingWithCommand(cmd string) PendingOption {
	return func(p *db.PendingDecision) {
		p.Command = cmd
		p.Subject = cmd
	}
}

// randHex returns a cryptographically random hex string for unique test IDs.
func randHex(n int) string {
	b := make([]byte, (n+1)/2) // Each byte produces 2 hex chars
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)[:n]
}
