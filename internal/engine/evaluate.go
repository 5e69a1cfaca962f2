package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/integrity"
)

// Request is one proposed tool call.
type Request struct {
	Tool      string          `json:"tool"`
	Arguments string          `json:"arguments"`
	Workdir   string          `json:"workdir"`
	Mode      core.Mode       `json:"mode"`
	Trust     core.TrustLevel `json:"trust"`
	SessionID string          `json:"session_id,omitempty"`
}

// Pending is handed back when a call needs a human response.
type Pending struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	// CanSave says whether approved-and-save will be accepted.
	CanSave bool `json:"can_save"`
}

// Result is the engine's answer for one call. Outcome is empty while a
// human response is pending.
type Result struct {
	Decision       core.Decision       `json:"decision"`
	Classification core.Classification `json:"classification"`
	Outcome        core.Outcome        `json:"outcome,omitempty"`
	Pending        *Pending            `json:"pending,omitempty"`
	MatchedPattern *core.Pattern       `json:"matched_pattern,omitempty"`
	Rationale      string              `json:"rationale,omitempty"`
	// RuleGap is set when no rule covered the call; the decision then
	// fails closed to always_require_approval.
	RuleGap bool `json:"rule_gap,omitempty"`
	// ToolAvailable reports whether the catalog exposes the tool in the
	// request's mode.
	ToolAvailable bool  `json:"tool_available"`
	AuditID       int64 `json:"audit_id,omitempty"`
}

// Allowed reports whether the call may run now.
func (r *Result) Allowed() bool {
	return r.Outcome.Allows()
}

// Evaluate decides a tool call. Terminal results are audited before they
// are returned; if the audit write fails the call is refused with a
// StoreUnavailableError instead.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidRequest, req.Mode)
	}
	if !req.Trust.Valid() {
		return nil, fmt.Errorf("%w: trust level %q", ErrInvalidRequest, req.Trust)
	}

	snap := e.db.Snapshot()
	class := e.classifier().Classify(req.Tool, req.Arguments, req.Workdir)
	res := &Result{
		Classification: class,
		ToolAvailable:  snap.ToolAvailable(req.Tool, req.Mode),
	}

	if !req.Mode.Gated() {
		res.Decision = core.AutoApprove()
		res.Rationale = fmt.Sprintf("%s mode has no approval gate", req.Mode)
		return e.finish(ctx, req, res, core.OutcomeAutoApproved, nil)
	}

	rule, ok := snap.Rules.Lookup(req.Mode, req.Trust, class.Operation, class.Location)
	switch {
	case class.MCP != nil:
		res.Decision, res.Rationale = class.MCP.Decision(), class.MCP.Rationale()
	case ok:
		res.Decision, res.Rationale = rule.Decision, rule.Rationale
	default:
		res.Decision = core.AlwaysRequireApproval()
		res.RuleGap = true
		res.Rationale = "no rule covers this call"
		e.ruleGap(ctx, core.RuleKey{Mode: req.Mode, Trust: req.Trust, Operation: class.Operation, Location: class.Location})
	}

	patterns, err := e.db.PatternsForTool(ctx, req.Tool, req.SessionID)
	if err != nil {
		return nil, unavailable("pattern lookup", err)
	}
	for _, p := range patterns {
		if p.Action == core.ActionDeny && p.Matches(req.Tool, class.Subject, req.SessionID, class.Compound) {
			res.MatchedPattern = p
			return e.finish(ctx, req, res, core.OutcomePatternDenied, &p.ID)
		}
	}

	if !res.Decision.NeedsApproval() {
		return e.finish(ctx, req, res, core.OutcomeAutoApproved, nil)
	}

	if res.Decision.CanSave() {
		for _, p := range patterns {
			if p.Action == core.ActionAllow && p.Matches(req.Tool, class.Subject, req.SessionID, class.Compound) &&
				e.covers(p, class, req.Workdir) {
				res.MatchedPattern = p
				return e.finish(ctx, req, res, core.OutcomePatternMatched, &p.ID)
			}
		}
	}

	pending := &db.PendingDecision{
		Tool:      req.Tool,
		Command:   req.Arguments,
		Subject:   class.Subject,
		Operation: class.Operation,
		Location:  class.Location,
		Mode:      req.Mode,
		Trust:     req.Trust,
		Decision:  res.Decision,
		Compound:  class.Compound,
		SessionID: req.SessionID,
		Workdir:   req.Workdir,
		Rationale: res.Rationale,
	}
	if err := e.db.CreatePending(ctx, pending); err != nil {
		return nil, unavailable("create pending decision", err)
	}
	res.Pending = &Pending{Token: pending.Token, CreatedAt: pending.CreatedAt, CanSave: res.Decision.CanSave()}
	return res, nil
}

func (e *Engine) finish(ctx context.Context, req Request, res *Result, outcome core.Outcome, patternID *int64) (*Result, error) {
	entry := &db.AuditEntry{
		Tool:      req.Tool,
		Command:   req.Arguments,
		Operation: res.Classification.Operation,
		Location:  res.Classification.Location,
		Mode:      req.Mode,
		Trust:     req.Trust,
		Decision:  res.Decision.Kind,
		Savable:   res.Decision.Savable,
		Outcome:   outcome,
		PatternID: patternID,
		SessionID: req.SessionID,
		Workdir:   req.Workdir,
		Detail:    auditDetail(res),
	}
	if err := e.db.AppendAudit(ctx, entry); err != nil {
		return nil, unavailable("audit append", err)
	}
	res.Outcome = outcome
	res.AuditID = entry.ID
	return res, nil
}

func auditDetail(res *Result) string {
	detail := res.Rationale
	if res.RuleGap {
		detail = "rule gap: " + detail
	}
	if res.Classification.ParseError {
		detail += "; unparseable: " + res.Classification.Reason
	}
	return detail
}

// ruleGap logs a matrix miss and re-checks the builtin tables. The call
// itself already failed closed, so a failed re-check is only logged.
func (e *Engine) ruleGap(ctx context.Context, key core.RuleKey) {
	e.logger.Error("rule matrix has no entry", "key", key.String())
	report, err := e.guard.Recheck(ctx, integrity.ReasonRuleGap)
	if err != nil {
		e.logger.Error("integrity re-check after rule gap failed", "error", err)
		return
	}
	if report.Repaired {
		return
	}
	// Digest matches yet the snapshot is short: reload in case it is stale.
	if _, err := e.db.LoadSnapshot(ctx); err != nil {
		e.logger.Error("reloading snapshot after rule gap failed", "error", err)
	}
}

// ResumeOptions shapes the pattern saved by approved-and-save. Zero values
// save the exact subject as a persistent pattern.
type ResumeOptions struct {
	MatchKind   core.MatchKind
	Pattern     string
	Scope       core.PatternScope
	Description string
}

// Resolution is the result of resuming a pending decision.
type Resolution struct {
	Token   string        `json:"token"`
	Tool    string        `json:"tool"`
	Outcome core.Outcome  `json:"outcome"`
	Allowed bool          `json:"allowed"`
	Pattern *core.Pattern `json:"pattern,omitempty"`
	AuditID int64         `json:"audit_id"`
}

// Resume records the human response to a pending decision. The token is
// consumed in the same transaction that writes the audit entry and any
// saved pattern. A rejected save leaves the token pending.
func (e *Engine) Resume(ctx context.Context, token string, response core.Outcome, opts ResumeOptions) (*Resolution, error) {
	if !response.IsHumanResponse() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, response)
	}

	var res *Resolution
	err := e.db.ResolvePending(ctx, token, func(q db.Querier, p *db.PendingDecision) error {
		res = &Resolution{Token: token, Tool: p.Tool, Outcome: response, Allowed: response.Allows()}
		var patternID *int64

		if response == core.OutcomeApprovedAndSaved {
			pattern, err := e.patternFromPending(p, opts)
			if err != nil {
				return err
			}
			if err := db.CreatePatternTx(ctx, q, pattern); err != nil {
				return err
			}
			res.Pattern = pattern
			patternID = &pattern.ID
		}

		entry := &db.AuditEntry{
			Tool:      p.Tool,
			Command:   p.Command,
			Operation: p.Operation,
			Location:  p.Location,
			Mode:      p.Mode,
			Trust:     p.Trust,
			Decision:  p.Decision.Kind,
			Savable:   p.Decision.Savable,
			Outcome:   response,
			PatternID: patternID,
			Token:     token,
			SessionID: p.SessionID,
			Workdir:   p.Workdir,
			Detail:    p.Rationale,
		}
		if err := db.AppendAuditTx(ctx, q, entry); err != nil {
			return err
		}
		res.AuditID = entry.ID
		return nil
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, db.ErrPendingNotFound):
		return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, token)
	case errors.Is(err, ErrPatternSaveRejected), errors.Is(err, core.ErrInvalidPattern), errors.Is(err, core.ErrForbiddenPattern):
		return nil, err
	default:
		return nil, unavailable("resume", err)
	}
}

// covers reports whether allow pattern p may approve a call classified as
// class. A broadened pattern approves nothing riskier than its recorded cap.
func (e *Engine) covers(p *core.Pattern, class core.Classification, workdir string) bool {
	if p.MatchKind == core.MatchExact {
		return true
	}
	limit := core.Classification{Operation: p.Operation, Location: p.Location}
	if !limit.Operation.Valid() || !limit.Location.Valid() {
		limit = e.classifier().Classify(p.Tool, p.Pattern, workdir)
	}
	return class.Within(limit)
}

// patternFromPending builds the pattern an approved-and-save would store.
// Savability comes from the stored decision only.
func (e *Engine) patternFromPending(p *db.PendingDecision, opts ResumeOptions) (*core.Pattern, error) {
	if !p.Decision.CanSave() {
		return nil, &PatternSaveRejectedError{Tool: p.Tool, Decision: p.Decision}
	}
	kind := opts.MatchKind
	if kind == "" {
		kind = core.MatchExact
	}
	text := opts.Pattern
	if text == "" {
		text = p.Subject
	}
	scope := opts.Scope
	if scope == "" {
		scope = core.ScopePersistent
	}
	pattern := &core.Pattern{
		Tool:        p.Tool,
		Pattern:     text,
		MatchKind:   kind,
		Action:      core.ActionAllow,
		Scope:       scope,
		SessionID:   p.SessionID,
		Source:      core.SourceInteractive,
		Description: opts.Description,
		Operation:   p.Operation,
		Location:    p.Location,
	}
	canonicalMCP(pattern)
	if err := core.ValidatePattern(pattern, e.isShellTool(p.Tool)); err != nil {
		return nil, err
	}
	// A broadened pattern must still cover the call that was approved.
	if !core.MatchText(kind, pattern.Pattern, p.Subject) {
		return nil, fmt.Errorf("%w: %q does not match the approved call %q", core.ErrInvalidPattern, pattern.Pattern, p.Subject)
	}
	return pattern, nil
}

func (e *Engine) isShellTool(tool string) bool {
	entry, ok := e.db.Snapshot().Catalog.Tool(tool)
	return ok && entry.Strategy == core.StrategyShell
}
