package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dicklesworthstone/warden/internal/engine"
)

// Harness is a lightweight integration test environment.
//
// It provisions a temp project directory with a `.warden` directory and a
// separate home directory, keeping cleanup automatic via t.Cleanup. The
// store itself is created by the first OpenEngine.
type Harness struct {
	T          *testing.T
	ProjectDir string
	WardenDir  string
	HomeDir    string
	DBPath     string
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()

	projectDir := t.TempDir()
	wardenDir := filepath.Join(projectDir, ".warden")
	if err := os.MkdirAll(wardenDir, 0750); err != nil {
		t.Fatalf("NewHarness: mkdir .warden: %v", err)
	}

	return &Harness{
		T:          t,
		ProjectDir: projectDir,
		WardenDir:  wardenDir,
		HomeDir:    t.TempDir(),
		DBPath:     filepath.Join(wardenDir, "policy.db"),
	}
}

// OpenEngine opens an engine on the harness store. Path, Workdir, HomeDir
// and Logger default to the harness values. The engine is closed on
// cleanup.
func (h *Harness) OpenEngine(opts engine.Options) *engine.Engine {
	h.T.Helper()
	if opts.Path == "" {
		opts.Path = h.DBPath
	}
	if opts.Workdir == "" {
		opts.Workdir = h.ProjectDir
	}
	if opts.HomeDir == "" {
		opts.HomeDir = h.HomeDir
	}
	if opts.Logger == nil {
		opts.Logger = TestLogger(h.T)
	}
	eng, err := engine.Open(context.Background(), opts)
	if err != nil {
		h.T.Fatalf("Harness.OpenEngine: %v", err)
	}
	h.T.Cleanup(func() {
		_ = eng.Close()
	})
	return eng
}

// NewTestEngine opens an engine in a fresh harness.
func NewTestEngine(t *testing.T, opts engine.Options) (*engine.Engine, *Harness) {
	t.Helper()
	h := NewHarness(t)
	return h.OpenEngine(opts), h
}

// MustPath joins ProjectDir with parts, failing the test on error.
func (h *Harness) MustPath(parts ...string) string {
	h.T.Helper()
	if h == nil || h.ProjectDir == "" {
		h.T.Fatalf("Harness.MustPath: harness not initialized")
	}
	all := append([]string{h.ProjectDir}, parts...)
	return filepath.Join(all...)
}

// WriteFile writes a file relative to the project directory.
func (h *Harness) WriteFile(rel string, data []byte, perm os.FileMode) string {
	h.T.Helper()
	if strings.TrimSpace(rel) == "" {
		h.T.Fatalf("Harness.WriteFile: rel path is required")
	}
	abs := h.MustPath(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		h.T.Fatalf("Harness.WriteFile: mkdir: %v", err)
	}
	if err := os.WriteFile(abs, data, perm); err != nil {
		h.T.Fatalf("Harness.WriteFile: write: %v", err)
	}
	return abs
}

func (h *Harness) String() string {
	if h == nil {
		return "Harness<nil>"
	}
	return fmt.Sprintf("Harness(project=%s, db=%s)", h.ProjectDir, h.DBPath)
}
