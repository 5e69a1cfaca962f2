package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/engine"
	"github.com/Dicklesworthstone/warden/internal/testutil"
)

type patternJSON struct {
	ID        int64  `json:"id"`
	Tool      string `json:"tool"`
	Pattern   string `json:"pattern"`
	MatchKind string `json:"match_kind"`
	Action    string `json:"action"`
	Scope     string `json:"scope"`
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
}

func listPatterns(t *testing.T, h *testutil.Harness, args ...string) []patternJSON {
	t.Helper()
	stdout, _, err := runCLI(t, h, append([]string{"patterns", "list", "-j"}, args...)...)
	testutil.RequireNoError(t, err, "patterns list")
	var out []patternJSON
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse JSON: %v\nstdout: %s", err, stdout)
	}
	return out
}

func TestPatternsListCommand_EmptyStore(t *testing.T) {
	h := newCLIHarness(t)

	testutil.RequireLen(t, listPatterns(t, h), 0, "patterns in fresh store")
}

func TestPatternsAddCommand_AllowPattern(t *testing.T) {
	h := newCLIHarness(t)

	stdout, _, err := runCLI(t, h, "patterns", "add", "shell", "npm install", "--match", "prefix", "-j")
	testutil.RequireNoError(t, err, "patterns add")
	var added patternJSON
	if err := json.Unmarshal([]byte(stdout), &added); err != nil {
		t.Fatalf("failed to parse JSON: %v\nstdout: %s", err, stdout)
	}
	if added.ID == 0 || added.Source != "cli" || added.MatchKind != "prefix" || added.Action != "allow" {
		t.Fatalf("unexpected pattern: %+v", added)
	}

	patterns := listPatterns(t, h, "--tool", "shell")
	testutil.RequireLen(t, patterns, 1, "listed patterns")
	testutil.RequireEqual(t, "npm install", patterns[0].Pattern, "pattern text")
}

func TestPatternsAddCommand_RejectsUnsavable(t *testing.T) {
	h := newCLIHarness(t)

	// Deleting outside the workdir always needs approval under careful trust.
	_, stderr, err := runCLI(t, h, "patterns", "add", "shell", "rm -rf /tmp/warden-cache")
	if !errors.Is(err, engine.ErrPatternSaveRejected) {
		t.Fatalf("expected ErrPatternSaveRejected, got %v", err)
	}
	if !strings.Contains(stderr, "rejected") {
		t.Fatalf("expected rejection notice, got %q", stderr)
	}
	testutil.RequireLen(t, listPatterns(t, h), 0, "patterns after rejected add")
}

func TestPatternsAddCommand_RejectsDestructive(t *testing.T) {
	h := newCLIHarness(t)

	_, _, err := runCLI(t, h, "patterns", "add", "shell", "rm -rf /")
	if !errors.Is(err, core.ErrForbiddenPattern) && !errors.Is(err, engine.ErrPatternSaveRejected) {
		t.Fatalf("expected destructive pattern to be refused, got %v", err)
	}
}

func TestPatternsAddCommand_InvalidRegex(t *testing.T) {
	h := newCLIHarness(t)

	_, _, err := runCLI(t, h, "patterns", "add", "shell", "go test ([", "--match", "regex")
	if !errors.Is(err, core.ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
}

func TestPatternsAddCommand_DenyBlocksCall(t *testing.T) {
	h := newCLIHarness(t)

	_, _, err := runCLI(t, h, "patterns", "add", "shell", "git push", "--match", "prefix", "--deny")
	testutil.RequireNoError(t, err, "add deny pattern")

	stdout, _, err := runCLI(t, h, "check", "shell", "git push origin main", "-j")
	if code := exitCode(err); code != ExitDenied {
		t.Fatalf("exit %d (%v), want %d", code, err, ExitDenied)
	}
	if res := decodeCheck(t, stdout); res.Outcome != "pattern_denied" {
		t.Fatalf("expected pattern_denied, got %+v", res)
	}

	deny := listPatterns(t, h, "--action", "deny")
	testutil.RequireLen(t, deny, 1, "deny patterns")
	testutil.RequireLen(t, listPatterns(t, h, "--action", "allow"), 0, "allow patterns")
}

func TestPatternsAddCommand_SessionScopeNeedsSessionID(t *testing.T) {
	h := newCLIHarness(t)

	if _, _, err := runCLI(t, h, "patterns", "add", "shell", "make build", "--scope", "session"); err == nil {
		t.Fatal("expected error without --session-id")
	}

	_, _, err := runCLI(t, h, "patterns", "add", "shell", "make build", "--scope", "session", "-s", "sess-1")
	testutil.RequireNoError(t, err, "session pattern")
	patterns := listPatterns(t, h)
	testutil.RequireLen(t, patterns, 1, "patterns")
	testutil.RequireEqual(t, "sess-1", patterns[0].SessionID, "session id")
}

func TestPatternsRemoveCommand(t *testing.T) {
	h := newCLIHarness(t)

	_, _, err := runCLI(t, h, "patterns", "add", "shell", "touch /tmp/warden-remove")
	testutil.RequireNoError(t, err, "add")
	patterns := listPatterns(t, h)
	testutil.RequireLen(t, patterns, 1, "patterns")

	_, _, err = runCLI(t, h, "patterns", "remove", fmt.Sprint(patterns[0].ID))
	testutil.RequireNoError(t, err, "remove")
	testutil.RequireLen(t, listPatterns(t, h), 0, "patterns after remove")

	if _, _, err := runCLI(t, h, "patterns", "remove", fmt.Sprint(patterns[0].ID)); err == nil {
		t.Fatal("expected error removing a missing pattern")
	}
	if _, _, err := runCLI(t, h, "patterns", "remove", "abc"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}

func TestPatternsImportCommand(t *testing.T) {
	h := newCLIHarness(t)
	path := h.WriteFile("import.toml", []byte(`
[[approvals]]
tool = "shell"
pattern = "touch /tmp/warden-import"

[[approvals]]
tool = "shell"
pattern = "rm -rf /tmp/warden-import"
description = "never savable under careful trust"

[[denials]]
tool = "shell"
pattern = "curl"
match_kind = "prefix"
`), 0600)

	stdout, _, err := runCLI(t, h, "patterns", "import", path, "-j")
	testutil.RequireNoError(t, err, "import")
	var report struct {
		Total    int      `json:"total"`
		Imported int      `json:"imported"`
		Skipped  []string `json:"skipped"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON: %v\nstdout: %s", err, stdout)
	}
	testutil.RequireEqual(t, 3, report.Total, "total")
	testutil.RequireEqual(t, 2, report.Imported, "imported")
	testutil.RequireLen(t, report.Skipped, 1, "skipped")

	for _, p := range listPatterns(t, h) {
		if p.Source != "cli" {
			t.Errorf("imported pattern %q has source %q", p.Pattern, p.Source)
		}
	}

	if _, _, err := runCLI(t, h, "patterns", "import", h.MustPath("missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPatternsListCommand_InvalidFilters(t *testing.T) {
	h := newCLIHarness(t)

	if _, _, err := runCLI(t, h, "patterns", "list", "--action", "maybe"); err == nil {
		t.Error("expected error for invalid action")
	}
	if _, _, err := runCLI(t, h, "patterns", "list", "--source", "web"); err == nil {
		t.Error("expected error for invalid source")
	}
}

func TestPatternsListCommand_TextTable(t *testing.T) {
	h := newCLIHarness(t)
	_, _, err := runCLI(t, h, "patterns", "add", "shell", "touch /tmp/warden-table")
	testutil.RequireNoError(t, err, "add")

	stdout, _, err := runCLI(t, h, "patterns", "list")
	testutil.RequireNoError(t, err, "list")
	if !strings.Contains(stdout, "PATTERN") || !strings.Contains(stdout, "touch /tmp/warden-table") {
		t.Fatalf("unexpected table:\n%s", stdout)
	}
}
