// Package core holds the policy domain types, the operation classifier,
// and pattern matching.
package core

import (
	"fmt"
	"strings"
)

// Mode is the agent mode a tool call is proposed under.
type Mode string

const (
	ModeAsk   Mode = "ask"
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// AllModes lists modes in display order.
func AllModes() []Mode {
	return []Mode{ModeAsk, ModePlan, ModeBuild}
}

// Gated reports whether calls in this mode go through the approval gate.
// Ask and Plan never mutate, so they never need approval.
func (m Mode) Gated() bool {
	return m == ModeBuild
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAsk, ModePlan, ModeBuild:
		return true
	}
	return false
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("invalid mode %q (must be ask, plan, or build)", s)
	}
	return m, nil
}

// TrustLevel is the operator's configured risk tolerance.
type TrustLevel string

const (
	TrustManual   TrustLevel = "manual"
	TrustCareful  TrustLevel = "careful"
	TrustBalanced TrustLevel = "balanced"
)

// AllTrustLevels lists trust levels from most restrictive to most permissive.
func AllTrustLevels() []TrustLevel {
	return []TrustLevel{TrustManual, TrustCareful, TrustBalanced}
}

// Valid reports whether t is a known trust level.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustManual, TrustCareful, TrustBalanced:
		return true
	}
	return false
}

// ParseTrustLevel parses a trust level name.
func ParseTrustLevel(s string) (TrustLevel, error) {
	t := TrustLevel(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid trust level %q (must be manual, careful, or balanced)", s)
	}
	return t, nil
}

// Operation is the risk tier of an operation. Read < Write < Delete.
type Operation string

const (
	OperationRead   Operation = "read"
	OperationWrite  Operation = "write"
	OperationDelete Operation = "delete"
)

// AllOperations lists operations in ascending risk order.
func AllOperations() []Operation {
	return []Operation{OperationRead, OperationWrite, OperationDelete}
}

// Rank orders operations by risk. Unknown values rank highest.
func (o Operation) Rank() int {
	switch o {
	case OperationRead:
		return 0
	case OperationWrite:
		return 1
	case OperationDelete:
		return 2
	default:
		return 3
	}
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o.Rank() < 3
}

// Max returns the riskier of o and other.
func (o Operation) Max(other Operation) Operation {
	if other.Rank() > o.Rank() {
		return other
	}
	return o
}

// ParseOperation parses an operation name.
func ParseOperation(s string) (Operation, error) {
	o := Operation(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("invalid classification %q (must be read, write, or delete)", s)
	}
	return o, nil
}

// Location says whether every path an operation touches stays inside the workdir.
type Location string

const (
	LocationInWorkdir Location = "in_workdir"
	LocationOutside   Location = "outside"
)

// AllLocations lists locations.
func AllLocations() []Location {
	return []Location{LocationInWorkdir, LocationOutside}
}

// Valid reports whether l is a known location.
func (l Location) Valid() bool {
	return l == LocationInWorkdir || l == LocationOutside
}

// ParseLocation parses a location name.
func ParseLocation(s string) (Location, error) {
	l := Location(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("invalid location %q (must be in_workdir or outside)", s)
	}
	return l, nil
}

// DecisionKind is the verdict of a rule.
type DecisionKind string

const (
	DecisionAutoApprove           DecisionKind = "auto_approve"
	DecisionRequireApproval       DecisionKind = "require_approval"
	DecisionAlwaysRequireApproval DecisionKind = "always_require_approval"
)

// Valid reports whether k is a known decision kind.
func (k DecisionKind) Valid() bool {
	switch k {
	case DecisionAutoApprove, DecisionRequireApproval, DecisionAlwaysRequireApproval:
		return true
	}
	return false
}

// Decision is the verdict for one tool call. Savable only has meaning for
// RequireApproval; the other kinds are never savable.
type Decision struct {
	Kind    DecisionKind `json:"kind"`
	Savable bool         `json:"savable"`
}

// AutoApprove returns the auto-approve decision.
func AutoApprove() Decision {
	return Decision{Kind: DecisionAutoApprove}
}

// RequireApproval returns a decision needing a human, optionally savable.
func RequireApproval(savable bool) Decision {
	return Decision{Kind: DecisionRequireApproval, Savable: savable}
}

// AlwaysRequireApproval returns the never-savable approval decision.
func AlwaysRequireApproval() Decision {
	return Decision{Kind: DecisionAlwaysRequireApproval}
}

// NeedsApproval reports whether a human must decide.
func (d Decision) NeedsApproval() bool {
	return d.Kind != DecisionAutoApprove
}

// CanSave reports whether an approval under d may become a saved pattern.
func (d Decision) CanSave() bool {
	return d.Kind == DecisionRequireApproval && d.Savable
}

func (d Decision) String() string {
	if d.Kind == DecisionRequireApproval {
		return fmt.Sprintf("%s{savable: %t}", d.Kind, d.Savable)
	}
	return string(d.Kind)
}

// NewDecision builds a decision from its stored form, dropping a savable
// flag on kinds that cannot carry one.
func NewDecision(kind DecisionKind, savable bool) (Decision, error) {
	switch kind {
	case DecisionAutoApprove:
		return AutoApprove(), nil
	case DecisionRequireApproval:
		return RequireApproval(savable), nil
	case DecisionAlwaysRequireApproval:
		return AlwaysRequireApproval(), nil
	}
	return Decision{}, fmt.Errorf("invalid decision %q", kind)
}

// Outcome is the terminal result recorded in the audit log.
type Outcome string

const (
	OutcomeAutoApproved     Outcome = "auto_approved"
	OutcomePatternMatched   Outcome = "pattern_matched"
	OutcomePatternDenied    Outcome = "pattern_denied"
	OutcomeApproved         Outcome = "approved"
	OutcomeApprovedAndSaved Outcome = "approved_and_saved"
	OutcomeDenied           Outcome = "denied"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeTamperDetected   Outcome = "tamper_detected"
	OutcomeReseeded         Outcome = "reseeded"
)

// AllOutcomes lists every outcome the audit log accepts.
func AllOutcomes() []Outcome {
	return []Outcome{
		OutcomeAutoApproved, OutcomePatternMatched, OutcomePatternDenied,
		OutcomeApproved, OutcomeApprovedAndSaved, OutcomeDenied, OutcomeCancelled,
		OutcomeTamperDetected, OutcomeReseeded,
	}
}

// IsHumanResponse reports whether o can be submitted when resuming a pending decision.
func (o Outcome) IsHumanResponse() bool {
	switch o {
	case OutcomeApproved, OutcomeApprovedAndSaved, OutcomeDenied, OutcomeCancelled:
		return true
	}
	return false
}

// Allows reports whether the tool call may run under this outcome.
func (o Outcome) Allows() bool {
	switch o {
	case OutcomeAutoApproved, OutcomePatternMatched, OutcomeApproved, OutcomeApprovedAndSaved:
		return true
	}
	return false
}

// ParseResponse parses a human response. Both "approved-and-save" and
// "approved_and_saved" are accepted.
func ParseResponse(s string) (Outcome, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "approve", "approved", "yes":
		return OutcomeApproved, nil
	case "approved_and_save", "approved_and_saved", "always":
		return OutcomeApprovedAndSaved, nil
	case "deny", "denied", "no":
		return OutcomeDenied, nil
	case "cancel", "cancelled", "canceled":
		return OutcomeCancelled, nil
	}
	return "", fmt.Errorf("invalid response %q (must be approved, approved-and-save, denied, or cancelled)", s)
}
