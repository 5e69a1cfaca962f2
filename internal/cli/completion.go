package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

var completionCmd = &cobra.Command{
	Use:       "completion [bash|zsh|fish|powershell]",
	Short:     "Generate shell completion scripts",
	Args:      cobra.ExactValidArgs(1),
	ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(w)
		case "zsh":
			return rootCmd.GenZshCompletion(w)
		case "fish":
			return rootCmd.GenFishCompletion(w, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(w)
		default:
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

// completePendingTokens offers outstanding tokens, described by tool and
// command. The store is opened read-only and never created.
func completePendingTokens(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	s, err := loadSettings()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	opts := db.OpenOptions{
		CreateIfNotExists: false,
		InitSchema:        false,
		ReadOnly:          true,
	}

	database, err := db.OpenWithOptions(s.paths.StorePath, opts)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	defer database.Close()

	pending, err := database.ListPending(context.Background())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(pending))
	for _, p := range pending {
		if p == nil || p.Token == "" {
			continue
		}
		if toComplete != "" && !strings.HasPrefix(p.Token, toComplete) {
			continue
		}
		out = append(out, p.Token+"\t"+p.Tool+": "+utils.OneLine(p.Command, 40))
	}

	return out, cobra.ShellCompDirectiveNoFileComp
}
