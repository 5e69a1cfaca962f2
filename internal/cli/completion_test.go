package cli

import (
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/testutil"
)

func TestCompletePendingTokens_MissingStore(t *testing.T) {
	h := newCLIHarness(t)
	flagDB = h.MustPath("does-not-exist.db")
	flagProject = h.ProjectDir

	completions, directive := completePendingTokens(nil, nil, "")

	if len(completions) != 0 {
		t.Errorf("expected 0 completions without a store, got %d", len(completions))
	}
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("expected ShellCompDirectiveNoFileComp, got %d", directive)
	}
}

func TestCompletePendingTokens_WithPending(t *testing.T) {
	h := newCLIHarness(t)
	database := testutil.NewTestDBAtPath(t, h.DBPath)
	p1 := testutil.MakePending(t, database)
	testutil.MakePending(t, database, testutil.PendingWithCommand("touch /tmp/other"))

	flagDB = h.DBPath
	flagProject = h.ProjectDir

	completions, directive := completePendingTokens(nil, nil, "")
	if len(completions) != 2 {
		t.Fatalf("expected 2 completions, got %d: %v", len(completions), completions)
	}
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("expected ShellCompDirectiveNoFileComp, got %d", directive)
	}
	found := false
	for _, c := range completions {
		if strings.HasPrefix(c, p1.Token+"\t") && strings.Contains(c, "shell:") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected completion for %s, got %v", p1.Token, completions)
	}

	prefixed, _ := completePendingTokens(nil, nil, p1.Token[:8])
	if len(prefixed) != 1 {
		t.Errorf("expected 1 completion for prefix, got %d", len(prefixed))
	}
}

func TestCompletionCommand_Shells(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		t.Run(shell, func(t *testing.T) {
			resetFlags()
			stdout, _, err := executeCommand(newTestRootCmd(), "completion", shell)
			if err != nil {
				t.Fatalf("completion %s: %v", shell, err)
			}
			if stdout == "" {
				t.Fatalf("expected %s completion script", shell)
			}
		})
	}
}

func TestCompletionCommand_InvalidShell(t *testing.T) {
	resetFlags()
	if _, _, err := executeCommand(newTestRootCmd(), "completion", "tcsh"); err == nil {
		t.Fatal("expected error for unsupported shell")
	}
}
