package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/engine"
	"github.com/Dicklesworthstone/warden/internal/integrity"
	"github.com/Dicklesworthstone/warden/internal/testutil"
)

func TestWatcherDebounceAggregatesOpsForSamePath(t *testing.T) {
	w := &Watcher{
		store:          "/tmp/p/policy.db",
		patternFiles:   map[string]bool{"/tmp/p/patterns.toml": true},
		logger:         log.Default(),
		debounceWindow: 100 * time.Millisecond,
		events:         make(chan Event, 10),
		errors:         make(chan error, 1),
		pending:        make(map[string]fsnotify.Op),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	w.record("/tmp/p/policy.db-wal", fsnotify.Create)
	w.record("/tmp/p/policy.db-wal", fsnotify.Write)
	w.record("/tmp/p/patterns.toml", fsnotify.Remove)

	w.flush()

	got := map[string]Event{}
	for i := 0; i < 2; i++ {
		ev := <-w.events
		got[ev.Path] = ev
	}

	wal := got["/tmp/p/policy.db-wal"]
	if wal.Op&(fsnotify.Create|fsnotify.Write) != (fsnotify.Create | fsnotify.Write) {
		t.Fatalf("wal ops mismatch: got=%v", wal.Op)
	}
	if wal.Kind != KindStore {
		t.Fatalf("wal kind = %q", wal.Kind)
	}
	pf := got["/tmp/p/patterns.toml"]
	if pf.Op&fsnotify.Remove != fsnotify.Remove || pf.Kind != KindPatterns {
		t.Fatalf("pattern file event mismatch: %+v", pf)
	}
}

func TestWatcherKindOf(t *testing.T) {
	w := &Watcher{
		store:        "/p/.warden/policy.db",
		patternFiles: map[string]bool{"/p/.warden/patterns.toml": true},
	}

	cases := []struct {
		path string
		kind Kind
		ok   bool
	}{
		{"/p/.warden/policy.db", KindStore, true},
		{"/p/.warden/policy.db-wal", KindStore, true},
		{"/p/.warden/policy.db-shm", "", false},
		{"/p/.warden/policy.db-journal", "", false},
		{"/p/.warden/patterns.toml", KindPatterns, true},
		{"/p/.warden/../.warden/patterns.toml", KindPatterns, true},
		{"/p/.warden/config.toml", "", false},
	}
	for _, tc := range cases {
		kind, ok := w.kindOf(tc.path)
		if kind != tc.kind || ok != tc.ok {
			t.Errorf("kindOf(%q) = %q, %v; want %q, %v", tc.path, kind, ok, tc.kind, tc.ok)
		}
	}
}

func TestNew_RequiresStorePath(t *testing.T) {
	if _, err := New("  ", nil); err == nil {
		t.Fatal("expected error for empty store path")
	}
}

func TestNew_SkipsMissingPatternDirs(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "policy.db")

	w, err := New(store, []string{filepath.Join(dir, "nope", "patterns.toml")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	dirs := w.Dirs()
	if len(dirs) != 1 || dirs[0] != dir {
		t.Fatalf("watched dirs = %v, want [%s]", dirs, dir)
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "policy.db"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on a watcher that was never started")
	}
}

func TestWatcherEmitsDebouncedPatternEvent(t *testing.T) {
	dir := t.TempDir()
	patterns := filepath.Join(dir, "patterns.toml")

	w, err := New(filepath.Join(dir, "policy.db"), []string{patterns}, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(patterns, []byte("# empty\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != patterns || ev.Kind != KindPatterns {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for watcher event")
	}
}

type fakeTarget struct {
	mu       sync.Mutex
	syncs    int
	rechecks int
	syncErr  error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{}
}

func (f *fakeTarget) SyncPatternFiles(context.Context) (int, error) {
	f.mu.Lock()
	f.syncs++
	f.mu.Unlock()
	return 2, f.syncErr
}

func (f *fakeTarget) Recheck(context.Context) (*integrity.Report, error) {
	f.mu.Lock()
	f.rechecks++
	f.mu.Unlock()
	return &integrity.Report{Status: integrity.StatusMatch}, nil
}

func TestHandle_PatternsBeforeStore(t *testing.T) {
	target := newFakeTarget()
	var updates []Update

	handle(context.Background(), target, []Event{
		{Path: "/p/policy.db-wal", Kind: KindStore},
		{Path: "/p/patterns.toml", Kind: KindPatterns},
		{Path: "/p/policy.db", Kind: KindStore},
	}, func(u Update) { updates = append(updates, u) })

	testutil.RequireLen(t, updates, 2, "updates")
	testutil.RequireEqual(t, KindPatterns, updates[0].Kind, "first update")
	testutil.RequireEqual(t, 2, updates[0].Patterns, "patterns synced")
	testutil.RequireEqual(t, KindStore, updates[1].Kind, "second update")
	testutil.RequireLen(t, updates[1].Paths, 2, "store paths")
	if updates[1].Report == nil || updates[1].Report.Status != integrity.StatusMatch {
		t.Fatalf("unexpected report: %+v", updates[1].Report)
	}
	testutil.RequireEqual(t, 1, target.syncs, "syncs")
	testutil.RequireEqual(t, 1, target.rechecks, "rechecks")
}

func TestHandle_ReportsSyncError(t *testing.T) {
	target := newFakeTarget()
	target.syncErr = errors.New("bad toml")
	var got Update

	handle(context.Background(), target, []Event{{Path: "/p/patterns.toml", Kind: KindPatterns}},
		func(u Update) { got = u })

	if got.Err == nil || got.Error != "bad toml" {
		t.Fatalf("expected sync error in update, got %+v", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "policy.db"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, w, newFakeTarget(), nil) }()
	cancel()

	select {
	case err := <-done:
		testutil.RequireNoError(t, err, "Run")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ResyncsEngineOnPatternFileChange(t *testing.T) {
	h := testutil.NewHarness(t)
	patterns := filepath.Join(h.WardenDir, "patterns.toml")
	eng := h.OpenEngine(engine.Options{PatternFiles: []string{patterns}})

	w, err := New(h.DBPath, eng.PatternFiles(), WithDebounce(50*time.Millisecond), WithLogger(testutil.TestLogger(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	updates := make(chan Update, 32)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, w, eng, func(u Update) { updates <- u })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h.WriteFile(".warden/patterns.toml", []byte(`
[[approvals]]
tool = "shell"
pattern = "make lint"
`), 0644)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Kind != KindPatterns {
				continue
			}
			testutil.RequireNoError(t, u.Err, "sync")
			testutil.RequireEqual(t, 1, u.Patterns, "patterns synced")
			listed, err := eng.ListPatterns(context.Background(), db.PatternFilter{Source: core.SourceFile})
			testutil.RequireNoError(t, err, "list patterns")
			testutil.RequireLen(t, listed, 1, "file patterns")
			testutil.RequireEqual(t, "make lint", listed[0].Pattern, "pattern")
			return
		case <-deadline:
			t.Fatal("timed out waiting for pattern sync")
		}
	}
}

func TestRun_RepairsTamperedStore(t *testing.T) {
	eng, h := testutil.NewTestEngine(t, engine.Options{})

	w, err := New(h.DBPath, nil, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	updates := make(chan Update, 32)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, w, eng, func(u Update) { updates <- u })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to attach before writing.
	time.Sleep(50 * time.Millisecond)
	testutil.TamperBuiltin(t, eng.DB(),
		`UPDATE approval_rules SET decision = 'auto_approve' WHERE mode_id = 'build' AND trust_id = 'careful' AND classification = 'delete' AND location = 'outside'`)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Kind != KindStore || u.Report == nil || !u.Report.Repaired {
				continue
			}
			testutil.RequireEqual(t, integrity.ReasonWatch, u.Report.Reason, "repair reason")
			n, err := eng.AuditCount(context.Background(), core.OutcomeTamperDetected)
			testutil.RequireNoError(t, err, "audit count")
			testutil.RequireEqual(t, 1, n, "tamper entries")
			return
		case <-deadline:
			t.Fatal("timed out waiting for repair")
		}
	}
}
