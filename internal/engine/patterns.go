package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/patternfile"
)

// acceptImported screens a pattern that did not come from an interactive
// approval. Every pattern must be well formed. An allow pattern must also
// be one an interactive approval could have saved: its own text,
// classified under the configured trust in build mode, has to yield a
// savable decision, and that classification becomes the pattern's cap.
func (e *Engine) acceptImported(p *core.Pattern) error {
	canonicalMCP(p)
	if err := core.ValidatePattern(p, e.isShellTool(p.Tool)); err != nil {
		return err
	}
	if p.Action != core.ActionAllow {
		return nil
	}
	decision, class := e.decisionFor(p.Tool, p.Pattern)
	if !decision.CanSave() {
		return &PatternSaveRejectedError{
			Tool:     p.Tool,
			Decision: decision,
			Reason: fmt.Sprintf("%s %s under %s trust is %s", class.Operation, class.Location,
				e.trust, decision),
		}
	}
	p.Operation, p.Location = class.Operation, class.Location
	return nil
}

// canonicalMCP rewrites an exact MCP pattern into the canonical JSON form
// MCP call subjects take.
func canonicalMCP(p *core.Pattern) {
	if _, ok := core.ParseMCPTool(p.Tool); ok && p.MatchKind == core.MatchExact {
		p.Pattern = core.MCPSubject(p.Pattern)
	}
}

// decisionFor classifies text as arguments to tool and looks up the build
// mode rule under the configured trust. A missing rule counts as
// always_require_approval. MCP tools are decided by their policy.
func (e *Engine) decisionFor(tool, text string) (core.Decision, core.Classification) {
	class := e.classifier().Classify(tool, text, e.workdir)
	if class.MCP != nil {
		return class.MCP.Decision(), class
	}
	rule, ok := e.db.Snapshot().Rules.Lookup(core.ModeBuild, e.trust, class.Operation, class.Location)
	if !ok {
		return core.AlwaysRequireApproval(), class
	}
	return rule.Decision, class
}

// AddPattern stores a pattern entered by the operator. Allow patterns go
// through the same savability screen as imported ones.
func (e *Engine) AddPattern(ctx context.Context, p *core.Pattern) error {
	if p.Source == "" {
		p.Source = core.SourceCLI
	}
	if p.Action == "" {
		p.Action = core.ActionAllow
	}
	if p.Scope == "" {
		p.Scope = core.ScopePersistent
	}
	if p.MatchKind == "" {
		p.MatchKind = core.MatchExact
	}
	if err := e.acceptImported(p); err != nil {
		return err
	}
	if err := e.db.CreatePattern(ctx, p); err != nil {
		return unavailable("save pattern", err)
	}
	e.logger.Info("pattern saved", "id", p.ID, "tool", p.Tool, "action", p.Action, "match", p.MatchKind)
	return nil
}

// RemovePattern deletes a pattern by ID.
func (e *Engine) RemovePattern(ctx context.Context, id int64) error {
	err := e.db.DeletePattern(ctx, id)
	if err != nil && !errors.Is(err, db.ErrPatternNotFound) {
		return unavailable("delete pattern", err)
	}
	return err
}

// ListPatterns returns stored patterns matching filter.
func (e *Engine) ListPatterns(ctx context.Context, filter db.PatternFilter) ([]*core.Pattern, error) {
	patterns, err := e.db.ListPatterns(ctx, filter)
	if err != nil {
		return nil, unavailable("list patterns", err)
	}
	return patterns, nil
}

// ImportReport summarises ImportPatternFile.
type ImportReport struct {
	Path     string   `json:"path"`
	Total    int      `json:"total"`
	Imported int      `json:"imported"`
	Skipped  []string `json:"skipped,omitempty"`
}

// ImportPatternFile adds the entries of a pattern file as operator
// patterns. Unlike the files named in Options, imported entries stay in
// the store when the file changes.
func (e *Engine) ImportPatternFile(ctx context.Context, path string) (*ImportReport, error) {
	f, err := patternfile.Read(path)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("pattern file %s does not exist", path)
	}
	patterns, err := f.Patterns(path, core.SourceCLI)
	if err != nil {
		return nil, err
	}
	report := &ImportReport{Path: path, Total: len(patterns)}
	for _, p := range patterns {
		if err := e.acceptImported(p); err != nil {
			report.Skipped = append(report.Skipped, fmt.Sprintf("%s %q: %v", p.Tool, p.Pattern, err))
			continue
		}
		if err := e.db.CreatePattern(ctx, p); err != nil {
			return nil, unavailable("import patterns", err)
		}
		report.Imported++
	}
	return report, nil
}
