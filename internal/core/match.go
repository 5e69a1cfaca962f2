package core

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
)

// MaxPatternLength bounds saved pattern text.
const MaxPatternLength = 1000

var (
	// ErrInvalidPattern is returned for malformed pattern definitions.
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrForbiddenPattern is returned for allow patterns that would
	// pre-approve a known-destructive command.
	ErrForbiddenPattern = errors.New("forbidden pattern")
)

// MatchKind selects how a pattern is compared with a command.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
	MatchGlob   MatchKind = "glob"
	MatchRegex  MatchKind = "regex"
)

// ParseMatchKind parses a match kind; "" means exact.
func ParseMatchKind(s string) (MatchKind, error) {
	switch k := MatchKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return MatchExact, nil
	case MatchExact, MatchPrefix, MatchGlob, MatchRegex:
		return k, nil
	}
	return "", fmt.Errorf("%w: match kind %q (must be exact, prefix, glob, or regex)", ErrInvalidPattern, s)
}

// PatternAction says whether a pattern pre-approves or pre-denies.
type PatternAction string

const (
	ActionAllow PatternAction = "allow"
	ActionDeny  PatternAction = "deny"
)

// PatternScope bounds where a pattern applies.
type PatternScope string

const (
	ScopePersistent PatternScope = "persistent"
	ScopeSession    PatternScope = "session"
)

// PatternSource records how a pattern entered the store.
type PatternSource string

const (
	SourceInteractive PatternSource = "interactive"
	SourceFile        PatternSource = "file"
	SourceLegacy      PatternSource = "legacy"
	SourceCLI         PatternSource = "cli"
)

// Pattern is a saved rule that pre-approves or pre-denies a tool call shape.
type Pattern struct {
	ID          int64         `json:"id"`
	Tool        string        `json:"tool"`
	Pattern     string        `json:"pattern"`
	MatchKind   MatchKind     `json:"match_kind"`
	Action      PatternAction `json:"action"`
	Scope       PatternScope  `json:"scope"`
	SessionID   string        `json:"session_id,omitempty"`
	Source      PatternSource `json:"source"`
	Description string        `json:"description,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	// Operation and Location cap the calls a broadened allow pattern may
	// approve. Left empty, the cap is the classification of Pattern itself.
	Operation Operation `json:"classification,omitempty"`
	Location  Location  `json:"location,omitempty"`
}

// Matches reports whether p applies to a call. Compound shell lines only
// match exact patterns so a prefix like "git status" cannot cover
// "git status && rm -rf build".
func (p *Pattern) Matches(tool, subject, sessionID string, compound bool) bool {
	if !strings.EqualFold(p.Tool, tool) {
		return false
	}
	if p.Scope == ScopeSession && p.SessionID != sessionID {
		return false
	}
	if compound && p.MatchKind != MatchExact {
		return false
	}
	return MatchText(p.MatchKind, p.Pattern, subject)
}

// MatchText compares pattern with subject under kind.
func MatchText(kind MatchKind, pattern, subject string) bool {
	subject = strings.TrimSpace(subject)
	pattern = strings.TrimSpace(pattern)
	switch kind {
	case MatchExact:
		return subject == pattern
	case MatchPrefix:
		if pattern == "" || !strings.HasPrefix(subject, pattern) {
			return false
		}
		if len(subject) == len(pattern) {
			return true
		}
		last := rune(pattern[len(pattern)-1])
		next := rune(subject[len(pattern)])
		return unicode.IsSpace(next) || unicode.IsSpace(last) || last == '/' || last == '='
	case MatchGlob:
		re, err := compileGlob(pattern)
		return err == nil && re.MatchString(subject)
	case MatchRegex:
		re, err := compileRegex(pattern)
		return err == nil && re.MatchString(subject)
	}
	return false
}

var regexCache sync.Map

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load("re:" + pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store("re:"+pattern, re)
	return re, nil
}

// compileGlob turns a glob into an anchored regexp. * and ? also match
// across '/', so "npm run *" and "src/*" both cover nested text.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load("glob:" + pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	var b strings.Builder
	b.WriteString(`^`)
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			end := i + 1
			if end < len(runes) && (runes[end] == '!' || runes[end] == '^') {
				end++
			}
			if end < len(runes) && runes[end] == ']' {
				end++
			}
			for end < len(runes) && runes[end] != ']' {
				end++
			}
			if end >= len(runes) {
				return nil, fmt.Errorf("%w: unterminated [ in glob %q", ErrInvalidPattern, pattern)
			}
			class := string(runes[i+1 : end])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i = end
		case '\\':
			if i+1 < len(runes) {
				i++
				b.WriteString(regexp.QuoteMeta(string(runes[i])))
			} else {
				b.WriteString(`\\`)
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: glob %q: %v", ErrInvalidPattern, pattern, err)
	}
	regexCache.Store("glob:"+pattern, re)
	return re, nil
}

// forbiddenForms are destructive command shapes no allow pattern may contain.
var forbiddenForms = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-z-]+\s+)*-[a-z]*[rf][a-z]*\s+(-[a-z-]+\s+)*(/|~|\$home)\*?(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{`),
	regexp.MustCompile(`\bdd\b.*\bof=/dev/`),
	regexp.MustCompile(`\bmkfs(\.|\s|$)`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|disk|xvd)`),
	regexp.MustCompile(`\bchmod\s+(-[a-z]+\s+)*0?777\s+/(\s|$)`),
}

// forbiddenSamples are commands a well-formed allow pattern must not match.
var forbiddenSamples = []string{
	"rm -rf /",
	"rm -rf ~",
	":(){ :|:& };:",
	"mkfs.ext4 /dev/sda",
	"dd if=/dev/zero of=/dev/sda",
}

// ValidatePattern checks a pattern before it is stored. Shell allow
// patterns are also screened for destructive forms, both literally and by
// testing them against known-destructive commands.
func ValidatePattern(p *Pattern, shell bool) error {
	if p == nil {
		return fmt.Errorf("%w: nil pattern", ErrInvalidPattern)
	}
	if strings.TrimSpace(p.Tool) == "" {
		return fmt.Errorf("%w: tool is required", ErrInvalidPattern)
	}
	text := strings.TrimSpace(p.Pattern)
	if text == "" {
		return fmt.Errorf("%w: pattern is empty", ErrInvalidPattern)
	}
	if len(p.Pattern) > MaxPatternLength {
		return fmt.Errorf("%w: pattern longer than %d characters", ErrInvalidPattern, MaxPatternLength)
	}
	kind, err := ParseMatchKind(string(p.MatchKind))
	if err != nil {
		return err
	}
	switch p.Action {
	case ActionAllow, ActionDeny:
	default:
		return fmt.Errorf("%w: action %q", ErrInvalidPattern, p.Action)
	}
	switch p.Scope {
	case ScopePersistent:
	case ScopeSession:
		if p.SessionID == "" {
			return fmt.Errorf("%w: session scope requires a session id", ErrInvalidPattern)
		}
	default:
		return fmt.Errorf("%w: scope %q", ErrInvalidPattern, p.Scope)
	}
	switch kind {
	case MatchGlob:
		if _, err := compileGlob(text); err != nil {
			return err
		}
	case MatchRegex:
		if _, err := compileRegex(text); err != nil {
			return fmt.Errorf("%w: regex %q: %v", ErrInvalidPattern, text, err)
		}
	}

	if !shell || p.Action != ActionAllow {
		return nil
	}
	lowered := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	for _, re := range forbiddenForms {
		if re.MatchString(lowered) {
			return fmt.Errorf("%w: %q matches a destructive command form", ErrForbiddenPattern, text)
		}
	}
	for _, sample := range forbiddenSamples {
		if MatchText(kind, text, sample) {
			return fmt.Errorf("%w: %q would allow %q", ErrForbiddenPattern, text, sample)
		}
	}
	return nil
}
