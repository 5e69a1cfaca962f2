package core

import (
	"errors"
	"strings"
	"testing"
)

func TestMatchText(t *testing.T) {
	tests := []struct {
		kind    MatchKind
		pattern string
		subject string
		want    bool
	}{
		{MatchExact, "npm test", "npm test", true},
		{MatchExact, " npm test ", "npm test", true},
		{MatchExact, "npm test", "npm test -- --watch", false},

		{MatchPrefix, "git status", "git status", true},
		{MatchPrefix, "git status", "git status -s", true},
		{MatchPrefix, "git status", "git statuses", false},
		{MatchPrefix, "src/", "src/main.go", true},
		{MatchPrefix, "--out=", "--out=dist", true},
		{MatchPrefix, "", "anything", false},

		{MatchGlob, "npm run *", "npm run test", true},
		{MatchGlob, "npm run *", "npm install", false},
		{MatchGlob, "src/*", "src/a/b.go", true},
		{MatchGlob, "file?.txt", "file1.txt", true},
		{MatchGlob, "file[0-9].txt", "filex.txt", false},
		{MatchGlob, "file[!0-9].txt", "filex.txt", true},
		{MatchGlob, `a\*b`, "a*b", true},
		{MatchGlob, `a\*b`, "axxb", false},

		{MatchRegex, `^go test ./\.\.\.$`, "go test ./...", true},
		{MatchRegex, `^make (build|lint)$`, "make test", false},
		{MatchRegex, `([`, "anything", false},

		{MatchKind("fuzzy"), "a", "a", false},
	}

	for _, tt := range tests {
		if got := MatchText(tt.kind, tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchText(%s, %q, %q) = %v, want %v", tt.kind, tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestPatternMatches(t *testing.T) {
	prefix := &Pattern{Tool: "shell", Pattern: "git status", MatchKind: MatchPrefix, Scope: ScopePersistent}
	exact := &Pattern{Tool: "shell", Pattern: "git status && ls", MatchKind: MatchExact, Scope: ScopePersistent}
	session := &Pattern{Tool: "shell", Pattern: "make", MatchKind: MatchPrefix, Scope: ScopeSession, SessionID: "s1"}

	if !prefix.Matches("SHELL", "git status -s", "", false) {
		t.Error("tool comparison should ignore case")
	}
	if prefix.Matches("bash", "git status", "", false) {
		t.Error("pattern matched another tool")
	}
	if prefix.Matches("shell", "git status && rm -rf build", "", true) {
		t.Error("prefix pattern must not match a compound subject")
	}
	if !exact.Matches("shell", "git status && ls", "", true) {
		t.Error("exact pattern should match its compound subject")
	}
	if !session.Matches("shell", "make build", "s1", false) {
		t.Error("session pattern should match in its session")
	}
	if session.Matches("shell", "make build", "s2", false) {
		t.Error("session pattern matched in another session")
	}
	if session.Matches("shell", "make build", "", false) {
		t.Error("session pattern matched without a session")
	}
}

func TestParseMatchKind(t *testing.T) {
	for in, want := range map[string]MatchKind{
		"":       MatchExact,
		"exact":  MatchExact,
		"PREFIX": MatchPrefix,
		" glob ": MatchGlob,
		"regex":  MatchRegex,
	} {
		got, err := ParseMatchKind(in)
		if err != nil || got != want {
			t.Errorf("ParseMatchKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMatchKind("fuzzy"); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("expected ErrInvalidPattern, got %v", err)
	}
}

func validPattern(mut func(p *Pattern)) *Pattern {
	p := &Pattern{
		Tool:      "shell",
		Pattern:   "npm test",
		MatchKind: MatchExact,
		Action:    ActionAllow,
		Scope:     ScopePersistent,
	}
	if mut != nil {
		mut(p)
	}
	return p
}

func TestValidatePattern_Malformed(t *testing.T) {
	tests := []struct {
		name string
		mut  func(p *Pattern)
	}{
		{"missing tool", func(p *Pattern) { p.Tool = " " }},
		{"empty text", func(p *Pattern) { p.Pattern = "  " }},
		{"too long", func(p *Pattern) { p.Pattern = strings.Repeat("a", MaxPatternLength+1) }},
		{"bad kind", func(p *Pattern) { p.MatchKind = "fuzzy" }},
		{"bad action", func(p *Pattern) { p.Action = "maybe" }},
		{"bad scope", func(p *Pattern) { p.Scope = "forever" }},
		{"session without id", func(p *Pattern) { p.Scope = ScopeSession }},
		{"bad regex", func(p *Pattern) { p.MatchKind = MatchRegex; p.Pattern = "go test ([" }},
		{"bad glob", func(p *Pattern) { p.MatchKind = MatchGlob; p.Pattern = "file[abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(validPattern(tt.mut), true)
			if !errors.Is(err, ErrInvalidPattern) {
				t.Fatalf("expected ErrInvalidPattern, got %v", err)
			}
		})
	}

	if err := ValidatePattern(nil, true); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("nil pattern: %v", err)
	}
}

func TestValidatePattern_Destructive(t *testing.T) {
	tests := []struct {
		name string
		mut  func(p *Pattern)
	}{
		{"rm root", func(p *Pattern) { p.Pattern = "rm -rf /" }},
		{"rm home", func(p *Pattern) { p.Pattern = "rm -fr ~" }},
		{"rm root with extra flags", func(p *Pattern) { p.Pattern = "sudo rm --no-preserve-root -rf /" }},
		{"fork bomb", func(p *Pattern) { p.Pattern = ":(){ :|:& };:" }},
		{"mkfs", func(p *Pattern) { p.Pattern = "mkfs.ext4 /dev/sdb1" }},
		{"dd to device", func(p *Pattern) { p.Pattern = "dd if=/dev/zero of=/dev/sda bs=1M" }},
		{"match everything glob", func(p *Pattern) { p.MatchKind = MatchGlob; p.Pattern = "*" }},
		{"rm prefix", func(p *Pattern) { p.MatchKind = MatchPrefix; p.Pattern = "rm" }},
		{"permissive regex", func(p *Pattern) { p.MatchKind = MatchRegex; p.Pattern = ".*" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(validPattern(tt.mut), true)
			if !errors.Is(err, ErrForbiddenPattern) {
				t.Fatalf("expected ErrForbiddenPattern, got %v", err)
			}
		})
	}
}

func TestValidatePattern_Accepts(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(p *Pattern)
		shell bool
	}{
		{"exact", nil, true},
		{"prefix", func(p *Pattern) { p.MatchKind = MatchPrefix; p.Pattern = "npm run" }, true},
		{"scoped rm", func(p *Pattern) { p.Pattern = "rm -rf ./build" }, true},
		{"session", func(p *Pattern) { p.Scope = ScopeSession; p.SessionID = "s1" }, true},
		{"deny is never screened", func(p *Pattern) { p.Action = ActionDeny; p.Pattern = "rm -rf /" }, true},
		{"file tool text", func(p *Pattern) { p.Tool = "write_file"; p.Pattern = "rm -rf /" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidatePattern(validPattern(tt.mut), tt.shell); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
