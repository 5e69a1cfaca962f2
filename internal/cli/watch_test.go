package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/warden/internal/integrity"
	"github.com/Dicklesworthstone/warden/internal/testutil"
	"github.com/Dicklesworthstone/warden/internal/watch"
)

func TestWatchCommand_ReloadsPatternFile(t *testing.T) {
	h := newCLIHarness(t)

	// Create the store before watching so the first event is the file edit.
	_, _, err := runCLI(t, h, "verify")
	testutil.RequireNoError(t, err, "verify")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resetFlags()
	root := newTestRootCmd()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs([]string{"--db", h.DBPath, "-C", h.ProjectDir, "watch", "--debounce", "50ms", "-j"})

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	time.Sleep(300 * time.Millisecond)
	h.WriteFile(".warden/patterns.toml", []byte(`
[[approvals]]
tool = "shell"
pattern = "make docs"
`), 0644)

	select {
	case err := <-done:
		testutil.RequireNoError(t, err, "watch")
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop at the deadline")
	}

	if !strings.Contains(stdout.String(), `"kind":"patterns"`) {
		t.Fatalf("expected a patterns update, got stdout=%q stderr=%q", stdout.String(), stderr.String())
	}

	patterns := listPatterns(t, h, "--source", "file")
	testutil.RequireLen(t, patterns, 1, "file patterns")
	testutil.RequireEqual(t, "make docs", patterns[0].Pattern, "pattern")
}

func TestUpdateView_Text(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		u    watch.Update
		want string
	}{
		{watch.Update{Kind: watch.KindPatterns, At: at, Patterns: 3}, "pattern files reloaded: 3 patterns"},
		{watch.Update{Kind: watch.KindStore, At: at, Report: &integrity.Report{Status: integrity.StatusMatch}}, "store verified: match"},
		{watch.Update{Kind: watch.KindStore, At: at, Report: &integrity.Report{Repaired: true, Reason: integrity.ReasonWatch}}, "store repaired (watch)"},
		{watch.Update{Kind: watch.KindPatterns, At: at, Err: errors.New("bad toml")}, "patterns: bad toml"},
	}
	for _, tc := range cases {
		if got := (updateView{tc.u}).Text(); !strings.Contains(got, tc.want) {
			t.Errorf("Text() = %q, want it to contain %q", got, tc.want)
		}
	}
}
