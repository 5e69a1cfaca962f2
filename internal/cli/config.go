package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/config"
)

var flagConfigGlobal bool

func init() {
	configCmd.PersistentFlags().BoolVar(&flagConfigGlobal, "global", false, "operate on user config (~/.warden/config.toml)")
	configCmd.AddCommand(configGetCmd, configSetCmd, configKeysCmd, configPathsCmd, configEditCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or modify warden configuration",
	Long: `Show the effective configuration: defaults, then ~/.warden/config.toml,
then <project>/.warden/config.toml, then WARDEN_* environment variables,
then command-line flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		return newWriter(cmd).Write(s.cfg)
	},
}

var configGetCmd = &cobra.Command{
	Use:               "get <key>",
	Short:             "Print one effective value or section",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeConfigKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		key := args[0]
		val, ok := config.GetValue(s.cfg, key)
		if !ok {
			return fmt.Errorf("unknown key %q (see 'warden config keys')", key)
		}
		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(map[string]any{"key": key, "value": val})
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), val)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:               "set <key> <value>",
	Short:             "Write a value to the project (or --global) config file",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeConfigKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]
		value, err := config.ParseValue(key, raw)
		if err != nil {
			return err
		}
		target, err := configTarget()
		if err != nil {
			return err
		}
		if err := config.WriteValue(target, key, value); err != nil {
			return err
		}
		// Reload so a value that fails validation is reported now rather
		// than on the next check.
		if _, err := loadSettings(); err != nil {
			return fmt.Errorf("%s written to %s but the result is invalid: %w", key, target, err)
		}

		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(map[string]any{"path": target, "key": key, "value": value})
		}
		out.Success(fmt.Sprintf("%s = %v (%s)", key, value, target))
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the keys accepted by get and set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := newWriter(cmd)
		keys := config.Keys()
		if out.IsStructured() {
			return out.Write(keys)
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show the resolved store, legacy, and pattern file locations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		userCfg, projectCfg := config.ConfigPaths(s.project, flagConfig)
		paths := map[string]any{
			"project":        s.project,
			"workdir":        s.paths.Workdir,
			"store":          s.paths.StorePath,
			"legacy":         s.paths.LegacyPath,
			"pattern_files":  s.paths.PatternFiles,
			"user_config":    userCfg,
			"project_config": projectCfg,
		}
		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(paths)
		}
		rows := [][]string{
			{"project", s.project},
			{"workdir", s.paths.Workdir},
			{"store", s.paths.StorePath},
			{"legacy", s.paths.LegacyPath},
			{"user config", userCfg},
			{"project config", projectCfg},
		}
		for _, f := range s.paths.PatternFiles {
			rows = append(rows, []string{"pattern file", f})
		}
		return out.Table([]string{"WHAT", "PATH"}, rows)
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR (default: vi)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := configTarget()
		if err != nil {
			return err
		}
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			if err := config.WriteValue(target, "general.trust", config.DefaultConfig().General.Trust); err != nil {
				return err
			}
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", target, err)
		}

		argv, err := editorCommand(os.Getenv("EDITOR"))
		if err != nil {
			return err
		}
		edit := exec.CommandContext(cmd.Context(), argv[0], append(argv[1:], target)...)
		edit.Stdin, edit.Stdout, edit.Stderr = os.Stdin, os.Stdout, os.Stderr
		return edit.Run()
	},
}

// editorCommand splits $EDITOR so values like "code --wait" work.
func editorCommand(editor string) ([]string, error) {
	if editor == "" {
		return []string{"vi"}, nil
	}
	argv, err := shellwords.Parse(editor)
	if err != nil {
		return nil, fmt.Errorf("parsing $EDITOR %q: %w", editor, err)
	}
	if len(argv) == 0 {
		return []string{"vi"}, nil
	}
	return argv, nil
}

// configTarget is the file set and edit write to.
func configTarget() (string, error) {
	project, err := projectPath()
	if err != nil {
		return "", err
	}
	userPath, projectPath := config.ConfigPaths(project, flagConfig)
	if flagConfigGlobal {
		return userPath, nil
	}
	return projectPath, nil
}

func completeConfigKeys(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return config.Keys(), cobra.ShellCompDirectiveNoFileComp
}
