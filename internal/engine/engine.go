// Package engine decides whether an agent's tool call may run. It
// classifies the call, looks the result up in the builtin rule matrix,
// consults saved patterns, hands out tokens for calls that need a human,
// and records every terminal outcome in the audit log.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/integrity"
	"github.com/Dicklesworthstone/warden/internal/patternfile"
)

// Options configures Open.
type Options struct {
	// Path is the SQLite store file.
	Path string
	// Workdir is the project root used when screening pattern text.
	Workdir string
	// Trust is the configured trust level. Approvals from pattern files,
	// the legacy import and the CLI are kept only if they would be savable
	// under it.
	Trust core.TrustLevel
	// LegacyPath is an approvals.json to import once. Empty disables it.
	LegacyPath string
	// PatternFiles are merged into the store at open, in order.
	PatternFiles []string
	// MCPPolicies replace the stored MCP tool policies at open.
	MCPPolicies []core.MCPPolicy
	// HomeDir is what ~ expands to. Empty uses the current user's home.
	HomeDir     string
	BusyTimeout time.Duration
	Logger      *log.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	db      *db.DB
	guard   *integrity.Guard
	logger  *log.Logger
	home    string
	trust   core.TrustLevel
	workdir string

	mcp          []core.MCPPolicy
	openReport   *integrity.Report
	legacy       *db.LegacyResult
	patternFiles []string
	fileCount    int
}

var openLocks sync.Map

// lockPath serialises Open for one store path within the process.
func lockPath(path string) func() {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	v, _ := openLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Open opens the store, seeds and verifies the builtin tables, loads the
// snapshot, and merges legacy and file patterns. Integrity problems are
// repaired here; only an unusable store is an error.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	trust := opts.Trust
	if trust == "" {
		trust = core.TrustCareful
	}
	if !trust.Valid() {
		return nil, fmt.Errorf("%w: trust level %q", ErrInvalidRequest, trust)
	}

	unlock := lockPath(opts.Path)
	defer unlock()

	dbOpts := db.DefaultOpenOptions()
	if opts.BusyTimeout > 0 {
		dbOpts.BusyTimeout = opts.BusyTimeout
	}
	database, err := db.OpenWithOptions(opts.Path, dbOpts)
	if err != nil {
		return nil, unavailable("open", err)
	}

	e := &Engine{
		db:      database,
		guard:   integrity.New(database, logger),
		logger:  logger,
		home:    opts.HomeDir,
		trust:   trust,
		workdir: core.NormalizeWorkdir(opts.Workdir),

		patternFiles: opts.PatternFiles,
	}
	if err := e.prepare(ctx); err != nil {
		database.Close()
		return nil, err
	}

	if err := e.syncMCPPolicies(ctx, opts.MCPPolicies); err != nil {
		database.Close()
		return nil, err
	}

	if opts.LegacyPath != "" {
		res, err := database.MigrateLegacy(ctx, opts.LegacyPath, e.acceptImported)
		if err != nil {
			logger.Warn("legacy approvals import failed", "path", opts.LegacyPath, "error", err)
		} else {
			e.legacy = res
			if res.Found && !res.AlreadyMigrated {
				logger.Info("imported legacy approvals", "path", opts.LegacyPath,
					"imported", res.Imported, "skipped", len(res.Skipped), "backup", res.BackupPath)
			}
			for _, reason := range res.Skipped {
				logger.Warn("skipped legacy approval", "reason", reason)
			}
		}
	}

	if len(opts.PatternFiles) > 0 {
		n, err := e.syncPatternFiles(ctx, opts.PatternFiles)
		if err != nil {
			logger.Warn("pattern files not loaded", "error", err)
		}
		e.fileCount = n
	}
	return e, nil
}

// prepare runs the integrity pass and loads a total snapshot, reseeding
// once if the stored matrix has gaps.
func (e *Engine) prepare(ctx context.Context) error {
	report, err := e.guard.EnsureAtOpen(ctx)
	if err != nil {
		return unavailable("integrity check", err)
	}
	e.openReport = report

	snap, err := e.db.LoadSnapshot(ctx)
	if err != nil {
		return unavailable("load snapshot", err)
	}
	if missing := snap.Rules.Missing(); len(missing) > 0 {
		e.logger.Error("builtin rule matrix incomplete, reseeding", "missing", len(missing), "first", missing[0].String())
		if _, err := e.guard.Repair(ctx, core.OutcomeReseeded, integrity.ReasonRuleGap,
			fmt.Sprintf("%d rule tuples missing", len(missing))); err != nil {
			return unavailable("reseed", err)
		}
		snap = e.db.Snapshot()
		if missing := snap.Rules.Missing(); len(missing) > 0 {
			return unavailable("load snapshot", fmt.Errorf("rule matrix still missing %d tuples after reseed", len(missing)))
		}
	}
	return nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.db.Close()
}

// DB exposes the underlying store.
func (e *Engine) DB() *db.DB { return e.db }

// Trust returns the configured trust level.
func (e *Engine) Trust() core.TrustLevel { return e.trust }

// OpenReport describes the integrity pass run by Open.
func (e *Engine) OpenReport() *integrity.Report { return e.openReport }

// LegacyResult describes the legacy import run by Open, if any.
func (e *Engine) LegacyResult() *db.LegacyResult { return e.legacy }

// Snapshot returns the current builtin snapshot.
func (e *Engine) Snapshot() *db.Snapshot { return e.db.Snapshot() }

func (e *Engine) classifier() *core.Classifier {
	var opts []core.ClassifierOption
	if e.home != "" {
		opts = append(opts, core.WithHomeDir(e.home))
	}
	if len(e.mcp) > 0 {
		opts = append(opts, core.WithMCPPolicies(e.mcp))
	}
	return core.NewClassifier(e.db.Snapshot().Catalog, opts...)
}

// Classify classifies a tool call without deciding or auditing it.
func (e *Engine) Classify(tool, args, workdir string) core.Classification {
	return e.classifier().Classify(tool, args, workdir)
}

// Rules returns the rule matrix sorted by key.
func (e *Engine) Rules() []core.Rule {
	return e.db.Snapshot().Rules.Sorted()
}

// Tools lists the catalog with availability in mode.
func (e *Engine) Tools(mode core.Mode) []ToolInfo {
	snap := e.db.Snapshot()
	var out []ToolInfo
	for _, t := range snap.Catalog.Tools() {
		out = append(out, ToolInfo{ToolEntry: t, Available: snap.ToolAvailable(t.Tool, mode)})
	}
	return out
}

// ToolInfo is a catalog entry with its availability in one mode.
type ToolInfo struct {
	core.ToolEntry
	Available bool `json:"available"`
}

// Verify backs the verify command; see integrity.Guard.VerifyCLI.
func (e *Engine) Verify(ctx context.Context, force bool) (*integrity.Report, error) {
	report, err := e.guard.VerifyCLI(ctx, force)
	if err != nil {
		return nil, unavailable("verify", err)
	}
	return report, nil
}

// ListPending returns unresolved decisions, oldest first.
func (e *Engine) ListPending(ctx context.Context) ([]*db.PendingDecision, error) {
	pending, err := e.db.ListPending(ctx)
	if err != nil {
		return nil, unavailable("list pending", err)
	}
	return pending, nil
}

// PrunePending cancels decisions that have waited longer than maxAge.
func (e *Engine) PrunePending(ctx context.Context, maxAge time.Duration) ([]*db.PendingDecision, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: prune age must be positive, got %s", ErrInvalidRequest, maxAge)
	}
	pruned, err := e.db.PrunePending(ctx, maxAge)
	if err != nil {
		return nil, unavailable("prune pending", err)
	}
	if len(pruned) > 0 {
		e.logger.Info("stale pending decisions cancelled", "count", len(pruned), "older_than", maxAge)
	}
	return pruned, nil
}

// RecentAudit returns audit entries, newest first.
func (e *Engine) RecentAudit(ctx context.Context, filter db.AuditFilter) ([]*db.AuditEntry, error) {
	entries, err := e.db.RecentAudit(ctx, filter)
	if err != nil {
		return nil, unavailable("read audit log", err)
	}
	return entries, nil
}

// AuditCount returns the number of audit entries, optionally per outcome.
func (e *Engine) AuditCount(ctx context.Context, outcome core.Outcome) (int, error) {
	n, err := e.db.AuditCount(ctx, outcome)
	if err != nil {
		return 0, unavailable("count audit log", err)
	}
	return n, nil
}

// PatternFiles returns the pattern files merged at open.
func (e *Engine) PatternFiles() []string {
	return append([]string(nil), e.patternFiles...)
}

// SyncPatternFiles re-reads the pattern files given at open and replaces
// the file-sourced patterns with their contents. It returns the number of
// patterns kept.
func (e *Engine) SyncPatternFiles(ctx context.Context) (int, error) {
	if len(e.patternFiles) == 0 {
		return 0, nil
	}
	n, err := e.syncPatternFiles(ctx, e.patternFiles)
	if err != nil {
		return 0, err
	}
	e.fileCount = n
	return n, nil
}

// Recheck verifies the builtin tables and repairs a mismatch the same way
// Open does, tagging the repair as found by a watcher. It writes nothing
// when the digest matches.
func (e *Engine) Recheck(ctx context.Context) (*integrity.Report, error) {
	report, err := e.guard.Recheck(ctx, integrity.ReasonWatch)
	if err != nil {
		return nil, unavailable("integrity check", err)
	}
	return report, nil
}

// syncPatternFiles replaces file-sourced patterns with the current file
// contents. Entries that fail screening are skipped with a warning.
func (e *Engine) syncPatternFiles(ctx context.Context, paths []string) (int, error) {
	patterns, err := patternfile.LoadAll(paths...)
	if err != nil {
		return 0, err
	}
	var keep []*core.Pattern
	for _, p := range patterns {
		if err := e.acceptImported(p); err != nil {
			e.logger.Warn("skipped file pattern", "tool", p.Tool, "pattern", p.Pattern, "reason", err)
			continue
		}
		keep = append(keep, p)
	}
	n, err := e.db.ReplaceFilePatterns(ctx, keep)
	if err != nil {
		return 0, unavailable("sync pattern files", err)
	}
	e.logger.Debug("pattern files loaded", "patterns", n, "files", len(paths))
	return n, nil
}

// syncMCPPolicies replaces the stored MCP tool policies with policies and
// reads back the set calls are classified under.
func (e *Engine) syncMCPPolicies(ctx context.Context, policies []core.MCPPolicy) error {
	if _, err := e.db.ReplaceMCPPolicies(ctx, policies); err != nil {
		return unavailable("sync mcp policies", err)
	}
	stored, err := e.db.ListMCPPolicies(ctx)
	if err != nil {
		return unavailable("load mcp policies", err)
	}
	e.mcp = stored
	if len(stored) > 0 {
		e.logger.Debug("mcp tool policies loaded", "count", len(stored))
	}
	return nil
}

// MCPPolicies returns the configured MCP tool policies, sorted by server
// and tool. Unlisted MCP tools get core.DefaultMCPPolicy.
func (e *Engine) MCPPolicies() []core.MCPPolicy {
	return append([]core.MCPPolicy(nil), e.mcp...)
}
