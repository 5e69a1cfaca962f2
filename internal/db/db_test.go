package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenAndMigrate(filepath.Join(t.TempDir(), "policy.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestOpenWithOptions_MissingStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "policy.db")
	_, err := OpenWithOptions(path, OpenOptions{})
	if !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("expected ErrStoreNotFound, got %v", err)
	}
	if _, err := OpenWithOptions("", DefaultOpenOptions()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "policy.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store file not created: %v", err)
	}
	if database.Path() != path {
		t.Errorf("Path() = %q", database.Path())
	}
}

func TestSeedBuiltin_Idempotent(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	seeded, err := database.SeedBuiltin(ctx)
	if err != nil {
		t.Fatalf("SeedBuiltin: %v", err)
	}
	if seeded {
		t.Error("second seed should be a no-op")
	}

	var n int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_rules`).Scan(&n); err != nil {
		t.Fatalf("count rules: %v", err)
	}
	full := len(core.AllModes()) * len(core.AllTrustLevels()) * len(core.AllOperations()) * len(core.AllLocations())
	if n != full {
		t.Errorf("approval_rules has %d rows, want %d", n, full)
	}
}

func TestSeedBuiltin_PartiallyEmptiedStore(t *testing.T) {
	ctx := context.Background()
	emptyModes := func(database *DB) {
		t.Helper()
		err := database.WithTx(ctx, func(tx *sql.Tx) error {
			if err := setBuiltinUnlocked(ctx, tx, true); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM agent_modes`); err != nil {
				return err
			}
			return setBuiltinUnlocked(ctx, tx, false)
		})
		if err != nil {
			t.Fatalf("empty agent_modes: %v", err)
		}
	}
	countModes := func(database *DB) int {
		t.Helper()
		var n int
		if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_modes`).Scan(&n); err != nil {
			t.Fatalf("count modes: %v", err)
		}
		return n
	}

	// With a recorded digest the damage is left for the integrity check.
	guarded := openTestDB(t)
	if err := guarded.SetMetadata(ctx, MetaBuiltinDigest, "recorded"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	emptyModes(guarded)
	seeded, err := guarded.SeedBuiltin(ctx)
	if err != nil {
		t.Fatalf("SeedBuiltin with a digest: %v", err)
	}
	if seeded || countModes(guarded) != 0 {
		t.Errorf("seeded=%v modes=%d, want the store left alone", seeded, countModes(guarded))
	}

	// Without one there is no baseline, so every table is rewritten.
	fresh := openTestDB(t)
	emptyModes(fresh)
	seeded, err = fresh.SeedBuiltin(ctx)
	if err != nil {
		t.Fatalf("SeedBuiltin without a digest: %v", err)
	}
	if !seeded || countModes(fresh) != len(core.AllModes()) {
		t.Errorf("seeded=%v modes=%d, want a full reseed", seeded, countModes(fresh))
	}
}

func TestSnapshot_Builtin(t *testing.T) {
	database := openTestDB(t)

	snap := database.Snapshot()
	if snap == nil {
		t.Fatal("snapshot not loaded")
	}
	if missing := snap.Rules.Missing(); len(missing) != 0 {
		t.Fatalf("decision matrix has gaps: %v", missing)
	}
	if len(snap.Modes) != 3 || len(snap.TrustLevels) != 3 {
		t.Errorf("modes = %d, trust levels = %d", len(snap.Modes), len(snap.TrustLevels))
	}

	rule, ok := snap.Rules.Lookup(core.ModeBuild, core.TrustCareful, core.OperationDelete, core.LocationOutside)
	if !ok || rule.Decision.Kind != core.DecisionAlwaysRequireApproval {
		t.Errorf("build/careful/delete/outside = %+v, %v", rule.Decision, ok)
	}
	rule, _ = snap.Rules.Lookup(core.ModeBuild, core.TrustBalanced, core.OperationRead, core.LocationInWorkdir)
	if rule.Decision.Kind != core.DecisionAutoApprove {
		t.Errorf("build/balanced/read/in_workdir = %+v", rule.Decision)
	}

	if !snap.ToolAvailable("shell", core.ModeBuild) {
		t.Error("shell should be available in build mode")
	}
	if snap.ToolAvailable("shell", core.ModePlan) {
		t.Error("shell should not be available in plan mode")
	}
	if snap.ToolAvailable("mystery_tool", core.ModeBuild) {
		t.Error("unknown tools are never available")
	}
	for _, tool := range snap.AvailableTools(core.ModeAsk) {
		if tool == "write_file" {
			t.Error("write_file should not be listed in ask mode")
		}
	}

	version, err := EmbeddedSeedVersion()
	if err != nil {
		t.Fatalf("EmbeddedSeedVersion: %v", err)
	}
	if snap.SeedVersion != version {
		t.Errorf("snapshot seed version = %d, want %d", snap.SeedVersion, version)
	}
}

func TestBuiltinTablesAreProtected(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	for _, stmt := range []string{
		`DELETE FROM approval_rules`,
		`UPDATE approval_rules SET decision = 'auto_approve'`,
		`INSERT INTO compound_separators (separator, strategy) VALUES ('|&', 'highest_risk')`,
		`UPDATE tool_catalog SET classification = 'read' WHERE tool = 'delete_file'`,
		`DELETE FROM shell_verbs WHERE verb = 'rm'`,
	} {
		err := database.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, stmt)
			return err
		})
		if !errors.Is(err, ErrBuiltinProtected) {
			t.Errorf("%s: expected ErrBuiltinProtected, got %v", stmt, err)
		}
	}

	if _, err := database.ExecContext(ctx, `DELETE FROM agent_modes`); err == nil {
		t.Error("raw delete on agent_modes should be rejected")
	}
}

func TestReseedBuiltin_RestoresRowsAndKeepsUserTables(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	p := &core.Pattern{Tool: "shell", Pattern: "npm test", Source: core.SourceCLI}
	if err := database.CreatePattern(ctx, p); err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}
	if err := database.AppendAudit(ctx, &AuditEntry{Tool: "shell", Outcome: core.OutcomeAutoApproved}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		if err := setBuiltinUnlocked(ctx, tx, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE approval_rules SET decision = 'auto_approve', savable = 0`); err != nil {
			return err
		}
		return setBuiltinUnlocked(ctx, tx, false)
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if err := database.ReseedBuiltin(ctx, nil); err != nil {
		t.Fatalf("ReseedBuiltin: %v", err)
	}

	rule, _ := database.Snapshot().Rules.Lookup(core.ModeBuild, core.TrustCareful, core.OperationDelete, core.LocationOutside)
	if rule.Decision.Kind != core.DecisionAlwaysRequireApproval {
		t.Errorf("reseed did not restore rule: %+v", rule.Decision)
	}
	if n, _ := database.CountPatterns(ctx); n != 1 {
		t.Errorf("patterns = %d after reseed, want 1", n)
	}
	if n, _ := database.AuditCount(ctx, ""); n != 1 {
		t.Errorf("audit entries = %d after reseed, want 1", n)
	}

	var unlocked int
	if err := database.QueryRowContext(ctx, `SELECT unlocked FROM builtin_write_guard WHERE id = 1`).Scan(&unlocked); err != nil {
		t.Fatalf("read guard: %v", err)
	}
	if unlocked != 0 {
		t.Error("write guard left unlocked after reseed")
	}
}

func TestReseedBuiltin_AfterRunsInTransaction(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := database.ReseedBuiltin(ctx, func(ctx context.Context, q Querier) error {
		if err := AppendAuditTx(ctx, q, &AuditEntry{Tool: "policy_store", Outcome: core.OutcomeReseeded}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n, _ := database.AuditCount(ctx, core.OutcomeReseeded); n != 0 {
		t.Errorf("audit entry survived a rolled back reseed")
	}
}

func TestAuditLog_AppendOnly(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	first := &AuditEntry{Tool: "shell", Command: "ls", Outcome: core.OutcomeAutoApproved}
	second := &AuditEntry{Tool: "write_file", Command: "a.txt", Outcome: core.OutcomeDenied}
	for _, e := range []*AuditEntry{first, second} {
		if err := database.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	if second.ID <= first.ID {
		t.Errorf("ids not increasing: %d then %d", first.ID, second.ID)
	}

	if _, err := database.ExecContext(ctx, `UPDATE audit_log SET outcome = 'approved'`); err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Errorf("update should be rejected, got %v", err)
	}
	if _, err := database.ExecContext(ctx, `DELETE FROM audit_log`); err == nil {
		t.Error("delete should be rejected")
	}
	if n, _ := database.AuditCount(ctx, ""); n != 2 {
		t.Errorf("audit count = %d, want 2", n)
	}
}

func TestRecentAudit_Filters(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	for _, e := range []*AuditEntry{
		{Tool: "shell", Outcome: core.OutcomeAutoApproved},
		{Tool: "shell", Outcome: core.OutcomeDenied},
		{Tool: "write_file", Outcome: core.OutcomeDenied},
	} {
		if err := database.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	all, err := database.RecentAudit(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(all) != 3 || all[0].Tool != "write_file" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	denied, _ := database.RecentAudit(ctx, AuditFilter{Outcome: core.OutcomeDenied})
	if len(denied) != 2 {
		t.Errorf("denied = %d, want 2", len(denied))
	}
	shell, _ := database.RecentAudit(ctx, AuditFilter{Tool: "SHELL", Limit: 1})
	if len(shell) != 1 || shell[0].Outcome != core.OutcomeDenied {
		t.Errorf("shell filter = %+v", shell)
	}

	summary, err := database.AuditSummary(ctx)
	if err != nil {
		t.Fatalf("AuditSummary: %v", err)
	}
	if summary[core.OutcomeDenied] != 2 || summary[core.OutcomeAutoApproved] != 1 {
		t.Errorf("summary = %v", summary)
	}
}

func TestPatterns_CRUD(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	p := &core.Pattern{Tool: "shell", Pattern: "  npm test ", Source: core.SourceCLI}
	if err := database.CreatePattern(ctx, p); err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}
	if p.ID == 0 || p.Pattern != "npm test" || p.MatchKind != core.MatchExact || p.Action != core.ActionAllow {
		t.Fatalf("defaults not applied: %+v", p)
	}

	dup := &core.Pattern{Tool: "shell", Pattern: "npm test", Source: core.SourceInteractive}
	if err := database.CreatePattern(ctx, dup); err != nil {
		t.Fatalf("duplicate CreatePattern: %v", err)
	}
	if dup.ID != p.ID || dup.Source != core.SourceCLI {
		t.Errorf("duplicate should adopt the stored row, got %+v", dup)
	}

	got, err := database.GetPattern(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if got.Tool != "shell" || got.Pattern != "npm test" {
		t.Errorf("GetPattern = %+v", got)
	}

	if err := database.DeletePattern(ctx, p.ID); err != nil {
		t.Fatalf("DeletePattern: %v", err)
	}
	if err := database.DeletePattern(ctx, p.ID); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("second delete = %v", err)
	}
	if _, err := database.GetPattern(ctx, p.ID); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("GetPattern after delete = %v", err)
	}
}

func TestPatternsForTool_ScopeAndOrder(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	for _, p := range []*core.Pattern{
		{Tool: "shell", Pattern: "make", MatchKind: core.MatchPrefix, Source: core.SourceCLI},
		{Tool: "shell", Pattern: "make", MatchKind: core.MatchPrefix, Scope: core.ScopeSession, SessionID: "s1", Source: core.SourceInteractive},
		{Tool: "shell", Pattern: "make", MatchKind: core.MatchPrefix, Scope: core.ScopeSession, SessionID: "s2", Source: core.SourceInteractive},
		{Tool: "shell", Pattern: "make deploy", Action: core.ActionDeny, Source: core.SourceCLI},
		{Tool: "write_file", Pattern: "docs/", MatchKind: core.MatchPrefix, Source: core.SourceCLI},
	} {
		if err := database.CreatePattern(ctx, p); err != nil {
			t.Fatalf("CreatePattern(%+v): %v", p, err)
		}
	}

	got, err := database.PatternsForTool(ctx, "Shell", "s1")
	if err != nil {
		t.Fatalf("PatternsForTool: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 patterns, got %+v", got)
	}
	if got[0].Action != core.ActionDeny {
		t.Errorf("deny pattern should sort first, got %+v", got[0])
	}
	for _, p := range got {
		if p.Scope == core.ScopeSession && p.SessionID != "s1" {
			t.Errorf("leaked session pattern %+v", p)
		}
	}

	none, _ := database.PatternsForTool(ctx, "shell", "")
	if len(none) != 2 {
		t.Errorf("without a session expected 2 patterns, got %d", len(none))
	}

	denies, _ := database.ListPatterns(ctx, PatternFilter{Action: core.ActionDeny})
	if len(denies) != 1 {
		t.Errorf("deny filter = %d", len(denies))
	}
	sessions, _ := database.ListPatterns(ctx, PatternFilter{Scope: core.ScopeSession})
	if len(sessions) != 2 {
		t.Errorf("session filter = %d", len(sessions))
	}
}

func TestCreatePattern_NormalizesToolName(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	upper := &core.Pattern{Tool: " Write_File ", Pattern: "docs/", MatchKind: core.MatchPrefix, Source: core.SourceCLI}
	if err := database.CreatePattern(ctx, upper); err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}
	if upper.Tool != "write_file" {
		t.Errorf("stored tool = %q", upper.Tool)
	}
	lower := &core.Pattern{Tool: "write_file", Pattern: "docs/", MatchKind: core.MatchPrefix, Source: core.SourceCLI}
	if err := database.CreatePattern(ctx, lower); err != nil {
		t.Fatalf("second CreatePattern: %v", err)
	}
	if lower.ID != upper.ID {
		t.Errorf("differently cased tool names made two rows: %d and %d", upper.ID, lower.ID)
	}

	for _, name := range []string{"WRITE_FILE", "write_file", "Write_File"} {
		got, err := database.PatternsForTool(ctx, name, "")
		if err != nil {
			t.Fatalf("PatternsForTool(%s): %v", name, err)
		}
		if len(got) != 1 {
			t.Errorf("PatternsForTool(%s) = %d patterns", name, len(got))
		}
		listed, _ := database.ListPatterns(ctx, PatternFilter{Tool: name})
		if len(listed) != 1 {
			t.Errorf("ListPatterns(%s) = %d patterns", name, len(listed))
		}
	}
}

func TestCreatePattern_KeepsCap(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	p := &core.Pattern{
		Tool: "shell", Pattern: "cat /etc", MatchKind: core.MatchPrefix, Source: core.SourceCLI,
		Operation: core.OperationRead, Location: core.LocationOutside,
	}
	if err := database.CreatePattern(ctx, p); err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}
	got, err := database.GetPattern(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if got.Operation != core.OperationRead || got.Location != core.LocationOutside {
		t.Errorf("cap = %s/%s", got.Operation, got.Location)
	}
}

func TestReplaceMCPPolicies(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	first := []core.MCPPolicy{
		{MCPTool: core.MCPTool{Server: "GitHub", Tool: "list_repos"}, Risk: core.RiskSafe, AllowSavePattern: true},
		{MCPTool: core.MCPTool{Server: "github", Tool: "delete_repo"}, Risk: core.RiskDangerous, NeedsApproval: true, Description: "irreversible"},
		{MCPTool: core.MCPTool{Server: "github", Tool: "list_repos"}, Risk: core.RiskModerate, NeedsApproval: true},
	}
	n, err := database.ReplaceMCPPolicies(ctx, first)
	if err != nil || n != 2 {
		t.Fatalf("ReplaceMCPPolicies = %d, %v", n, err)
	}
	got, err := database.ListMCPPolicies(ctx)
	if err != nil {
		t.Fatalf("ListMCPPolicies: %v", err)
	}
	if len(got) != 2 || got[0].Tool != "delete_repo" || got[1].Server != "github" {
		t.Fatalf("policies = %+v", got)
	}
	if got[1].Risk != core.RiskModerate || !got[1].NeedsApproval {
		t.Errorf("later entry should win: %+v", got[1])
	}
	if got[0].AllowSavePattern || got[0].Description != "irreversible" {
		t.Errorf("flags not kept: %+v", got[0])
	}

	if n, err := database.ReplaceMCPPolicies(ctx, nil); err != nil || n != 0 {
		t.Errorf("clearing policies = %d, %v", n, err)
	}

	bad := []core.MCPPolicy{{MCPTool: core.MCPTool{Server: "x", Tool: "y"}, Risk: "extreme"}}
	if _, err := database.ReplaceMCPPolicies(ctx, bad); err == nil {
		t.Error("expected an error for an invalid risk")
	}
}

func TestReplaceFilePatterns(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	cli := &core.Pattern{Tool: "shell", Pattern: "npm test", Source: core.SourceCLI}
	if err := database.CreatePattern(ctx, cli); err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}

	n, err := database.ReplaceFilePatterns(ctx, []*core.Pattern{
		{Tool: "shell", Pattern: "make lint"},
		{Tool: "shell", Pattern: "make build"},
	})
	if err != nil || n != 2 {
		t.Fatalf("ReplaceFilePatterns = %d, %v", n, err)
	}

	// Shrinking the file drops the removed entry; the overlap with a CLI
	// row is not counted as a file pattern.
	n, err = database.ReplaceFilePatterns(ctx, []*core.Pattern{
		{Tool: "shell", Pattern: "make lint"},
		{Tool: "shell", Pattern: "npm test"},
	})
	if err != nil || n != 1 {
		t.Fatalf("second ReplaceFilePatterns = %d, %v", n, err)
	}

	files, _ := database.ListPatterns(ctx, PatternFilter{Source: core.SourceFile})
	if len(files) != 1 || files[0].Pattern != "make lint" {
		t.Errorf("file patterns = %+v", files)
	}
	if total, _ := database.CountPatterns(ctx); total != 2 {
		t.Errorf("total patterns = %d, want 2", total)
	}
}

func TestPending_Lifecycle(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	if err := database.CreatePending(ctx, &PendingDecision{}); err == nil {
		t.Fatal("expected error without a tool")
	}

	p := &PendingDecision{
		Tool:      "shell",
		Command:   "rm -rf ./build",
		Subject:   "rm -rf ./build",
		Operation: core.OperationDelete,
		Location:  core.LocationInWorkdir,
		Mode:      core.ModeBuild,
		Trust:     core.TrustCareful,
		Decision:  core.RequireApproval(true),
		SessionID: "s1",
	}
	if err := database.CreatePending(ctx, p); err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if p.Token == "" {
		t.Fatal("token not assigned")
	}

	got, err := database.GetPending(ctx, p.Token)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if !got.Decision.Savable || got.Decision.Kind != core.DecisionRequireApproval || got.Trust != core.TrustCareful {
		t.Errorf("round trip lost fields: %+v", got)
	}

	boom := errors.New("boom")
	if err := database.ResolvePending(ctx, p.Token, func(Querier, *PendingDecision) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("ResolvePending = %v", err)
	}
	if _, err := database.GetPending(ctx, p.Token); err != nil {
		t.Fatalf("failed resolution should leave the token pending: %v", err)
	}

	calls := 0
	err = database.ResolvePending(ctx, p.Token, func(q Querier, pd *PendingDecision) error {
		calls++
		return AppendAuditTx(ctx, q, &AuditEntry{Tool: pd.Tool, Token: pd.Token, Outcome: core.OutcomeApproved})
	})
	if err != nil || calls != 1 {
		t.Fatalf("ResolvePending = %v (calls %d)", err, calls)
	}
	if err := database.ResolvePending(ctx, p.Token, func(Querier, *PendingDecision) error { return nil }); !errors.Is(err, ErrPendingNotFound) {
		t.Errorf("second resolution = %v", err)
	}
	if n, _ := database.AuditCount(ctx, core.OutcomeApproved); n != 1 {
		t.Errorf("approved audit entries = %d", n)
	}
}

func TestPrunePending(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	old := &PendingDecision{Tool: "shell", Command: "ls", Decision: core.RequireApproval(false)}
	fresh := &PendingDecision{Tool: "shell", Command: "pwd", Decision: core.RequireApproval(false)}
	for _, p := range []*PendingDecision{old, fresh} {
		if err := database.CreatePending(ctx, p); err != nil {
			t.Fatalf("CreatePending: %v", err)
		}
	}
	if _, err := database.ExecContext(ctx, `UPDATE pending_decisions SET created_at = ? WHERE token = ?`,
		"2020-01-01T00:00:00Z", old.Token); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	pruned, err := database.PrunePending(ctx, 24*time.Hour)
	if err != nil || len(pruned) != 1 || pruned[0].Token != old.Token {
		t.Fatalf("PrunePending = %+v, %v", pruned, err)
	}
	left, _ := database.ListPending(ctx)
	if len(left) != 1 || left[0].Token != fresh.Token {
		t.Errorf("remaining = %+v", left)
	}

	cancelled, err := database.RecentAudit(ctx, AuditFilter{Outcome: core.OutcomeCancelled})
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0].Token != old.Token || cancelled[0].Command != "ls" {
		t.Errorf("cancelled audit entries = %+v", cancelled)
	}
}

func TestMigrateLegacy(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "approvals.json")
	legacy := `{
		"approved_commands": {
			"shell": [
				{"pattern": "npm test", "match_type": "exact", "timestamp": "2024-05-01T10:00:00Z"},
				{"pattern": "git", "match_type": "prefix"},
				{"pattern": "make *", "match_type": "fuzzy"}
			],
			"write_file": [{"pattern": "docs/*", "match_type": "glob"}]
		},
		"denied_commands": {
			"shell": [{"pattern": "git push --force", "match_type": "prefix"}]
		}
	}`
	if err := os.WriteFile(path, []byte(legacy), 0600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	reject := func(p *core.Pattern) error {
		if p.Pattern == "git" {
			return errors.New("too broad")
		}
		return nil
	}
	res, err := database.MigrateLegacy(ctx, path, reject)
	if err != nil {
		t.Fatalf("MigrateLegacy: %v", err)
	}
	if !res.Found || res.Total != 5 || res.Imported != 3 || len(res.Skipped) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.BackupPath != path+".bak" {
		t.Errorf("backup path = %q", res.BackupPath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("legacy file should have been renamed")
	}

	legacyRows, _ := database.ListPatterns(ctx, PatternFilter{Source: core.SourceLegacy})
	if len(legacyRows) != 3 {
		t.Fatalf("legacy patterns = %+v", legacyRows)
	}
	denies, _ := database.ListPatterns(ctx, PatternFilter{Action: core.ActionDeny})
	if len(denies) != 1 || denies[0].Pattern != "git push --force" {
		t.Errorf("deny import = %+v", denies)
	}
	for _, p := range legacyRows {
		if p.Pattern == "npm test" && p.CreatedAt.Year() != 2024 {
			t.Errorf("legacy timestamp not kept: %v", p.CreatedAt)
		}
	}

	// The marker wins even if the file comes back.
	if err := os.WriteFile(path, []byte(legacy), 0600); err != nil {
		t.Fatalf("rewrite legacy file: %v", err)
	}
	again, err := database.MigrateLegacy(ctx, path, nil)
	if err != nil {
		t.Fatalf("second MigrateLegacy: %v", err)
	}
	if !again.AlreadyMigrated || again.Imported != 0 {
		t.Errorf("second run = %+v", again)
	}
	if n, _ := database.CountPatterns(ctx); n != 3 {
		t.Errorf("patterns = %d after second run", n)
	}
}

func TestMigrateLegacy_MissingFile(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	res, err := database.MigrateLegacy(ctx, filepath.Join(t.TempDir(), "approvals.json"), nil)
	if err != nil {
		t.Fatalf("MigrateLegacy: %v", err)
	}
	if res.Found || res.Imported != 0 {
		t.Errorf("result = %+v", res)
	}
	if done, _ := database.LegacyMigrated(ctx); done {
		t.Error("missing file should not set the marker")
	}
}

func TestMetadata(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := database.GetMetadata(ctx, "nothing"); err != nil || ok {
		t.Fatalf("GetMetadata(missing) = %v, %v", ok, err)
	}
	if err := database.SetMetadata(ctx, "k", "v1"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := database.SetMetadata(ctx, "k", "v2"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if v, ok, _ := database.GetMetadata(ctx, "k"); !ok || v != "v2" {
		t.Errorf("GetMetadata = %q, %v", v, ok)
	}
}

func TestParseBuiltinPolicy_RejectsGaps(t *testing.T) {
	doc := `
version = 1

[[modes]]
id = "build"
name = "Build"
approval_gate = true
order = 1
`
	if _, err := ParseBuiltinPolicy([]byte(doc)); err == nil {
		t.Fatal("expected error for a seed without rules")
	}
	if _, err := ParseBuiltinPolicy([]byte("version = [")); err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}
