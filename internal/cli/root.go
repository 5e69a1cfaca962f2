// Package cli implements the Cobra command-line interface for warden.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/config"
	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/engine"
	"github.com/Dicklesworthstone/warden/internal/integrity"
	"github.com/Dicklesworthstone/warden/internal/output"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// Version information set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flag values
var (
	flagConfig    string
	flagOutput    string
	flagJSON      bool
	flagVerbose   bool
	flagDB        string
	flagSessionID string
	flagProject   string
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitPending = 2
	ExitDenied  = 3
)

// ExitError carries a process exit status. Silent errors have already
// been reported on stdout and only set the status.
type ExitError struct {
	Code   int
	Err    error
	Silent bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Approval policy for AI coding-agent tool calls",
	Long: `warden decides whether a tool call proposed by a coding agent may run.

Every call is classified as read, write, or delete, inside or outside the
workdir, and looked up in a builtin rule matrix keyed by agent mode and
trust level:
  AUTO_APPROVE      - runs immediately
  REQUIRE_APPROVAL  - needs a human; may be saved as "always allow"
  ALWAYS_REQUIRE    - needs a human every time

The builtin tables are digested; edits made outside warden are detected
and repaired automatically. Every terminal decision is audited.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagProject == "" {
			return nil
		}
		if err := os.Chdir(flagProject); err != nil {
			return fmt.Errorf("changing directory to %s: %w", flagProject, err)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		showQuickReference(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		seedVersion, _ := db.EmbeddedSeedVersion()
		userConfig, projectConfig := config.ConfigPaths(s.project, flagConfig)

		payload := map[string]any{
			"version":        version,
			"commit":         commit,
			"build_date":     date,
			"go_version":     runtime.Version(),
			"seed_version":   seedVersion,
			"user_config":    userConfig,
			"project_config": projectConfig,
			"db_path":        s.paths.StorePath,
			"project_path":   s.project,
		}

		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(payload)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "warden %s\n", version)
		fmt.Fprintf(w, "  commit:  %s\n", commit)
		fmt.Fprintf(w, "  built:   %s\n", date)
		fmt.Fprintf(w, "  go:      %s\n", runtime.Version())
		fmt.Fprintf(w, "  seed:    v%d\n", seedVersion)
		fmt.Fprintf(w, "  config:  %s\n", projectConfig)
		fmt.Fprintf(w, "  db:      %s\n", s.paths.StorePath)
		fmt.Fprintf(w, "  project: %s\n", s.project)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ReportError prints err in the selected output format and returns the
// process exit status for it.
func ReportError(err error) int {
	if err == nil {
		return ExitOK
	}
	code := ExitFailure
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
		if exitErr.Silent {
			return code
		}
	}
	format, ferr := output.ParseFormat(GetOutput())
	if ferr != nil {
		format = output.FormatText
	}
	output.New(format).Error(err, code)
	return code
}

// GetOutput returns the configured output format.
// Precedence: CLI flags > WARDEN_OUTPUT_FORMAT env > default
func GetOutput() string {
	if flagJSON {
		return "json"
	}
	if flagOutput != "" && flagOutput != "text" {
		return flagOutput
	}
	if envFormat := os.Getenv("WARDEN_OUTPUT_FORMAT"); envFormat != "" {
		switch envFormat {
		case "json", "yaml", "text":
			return envFormat
		}
	}
	if flagOutput == "" {
		return "text"
	}
	return flagOutput
}

// newWriter builds an output writer bound to the command's streams.
func newWriter(cmd *cobra.Command) *output.Writer {
	format, err := output.ParseFormat(GetOutput())
	if err != nil {
		format = output.FormatText
	}
	return output.New(format, output.WithOutput(cmd.OutOrStdout()), output.WithErrorOutput(cmd.ErrOrStderr()))
}

func projectPath() (string, error) {
	if flagProject != "" {
		return flagProject, nil
	}
	pwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return pwd, nil
}

// settings is the loaded configuration plus the paths derived from it.
type settings struct {
	project string
	cfg     config.Config
	paths   config.Resolved
}

func loadSettings() (*settings, error) {
	project, err := projectPath()
	if err != nil {
		return nil, err
	}
	overrides := map[string]any{}
	if flagDB != "" {
		overrides["store.path"] = flagDB
	}
	if flagVerbose {
		overrides["logging.level"] = "debug"
	}
	cfg, err := config.Load(config.LoadOptions{
		ProjectDir:    project,
		ConfigPath:    flagConfig,
		FlagOverrides: overrides,
	})
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &settings{project: project, cfg: cfg, paths: config.Resolve(cfg, project)}, nil
}

// newLogger returns the stderr logger, or the file logger when
// logging.file is configured. The closer is never nil.
func newLogger(cfg config.Config, stderr io.Writer) (*log.Logger, io.Closer, error) {
	if cfg.Logging.File != "" {
		return utils.InitFileLogger(cfg.Logging.File, cfg.Logging.Level)
	}
	logger := utils.InitLogger(utils.LoggerOptions{Level: cfg.Logging.Level, Output: stderr, Prefix: "warden"})
	return logger, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openEngine loads settings and opens the engine. Integrity repairs made
// while opening are reported as notices. The returned func closes
// everything.
func openEngine(cmd *cobra.Command) (*engine.Engine, *settings, func(), error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := newLogger(s.cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	utils.SetDefaultLogger(logger)

	mcp, err := s.cfg.MCP.Policies()
	if err != nil {
		_ = closer.Close()
		return nil, nil, nil, err
	}
	eng, err := engine.Open(contextFor(cmd), engine.Options{
		Path:         s.paths.StorePath,
		Workdir:      s.paths.Workdir,
		Trust:        core.TrustLevel(s.cfg.General.Trust),
		LegacyPath:   s.paths.LegacyPath,
		PatternFiles: s.paths.PatternFiles,
		MCPPolicies:  mcp,
		BusyTimeout:  time.Duration(s.cfg.Store.BusyTimeoutMs) * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		_ = closer.Close()
		return nil, nil, nil, &ExitError{Code: ExitFailure, Err: err}
	}
	reportRepair(newWriter(cmd), eng.OpenReport())
	cleanup := func() {
		_ = eng.Close()
		_ = closer.Close()
	}
	return eng, s, cleanup, nil
}

// reportRepair prints the one-line notice for a repair.
func reportRepair(out *output.Writer, report *integrity.Report) {
	if report == nil || !report.Repaired {
		return
	}
	switch report.Reason {
	case integrity.ReasonSeedUpgrade:
		out.Notice(output.NoticeInfo, "builtin policy upgraded to seed v%d", report.SeedVersion)
	case integrity.ReasonForced:
		out.Notice(output.NoticeInfo, "builtin policy reseeded on request")
	default:
		out.Notice(output.NoticeSecurity, "builtin policy tables were modified outside warden and have been restored")
	}
}

func contextFor(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "project config file path")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text, json, yaml (env: WARDEN_OUTPUT_FORMAT)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output=json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "policy store path")
	rootCmd.PersistentFlags().StringVarP(&flagSessionID, "session-id", "s", "", "agent session ID for session-scoped patterns")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory")

	rootCmd.AddCommand(versionCmd)
}
