package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/engine"
	"github.com/Dicklesworthstone/warden/internal/output"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

var (
	flagPatternTool        string
	flagPatternAction      string
	flagPatternSource      string
	flagPatternMatch       string
	flagPatternDeny        bool
	flagPatternScope       string
	flagPatternDescription string
)

func init() {
	patternsListCmd.Flags().StringVar(&flagPatternTool, "tool", "", "only patterns for this tool")
	patternsListCmd.Flags().StringVar(&flagPatternAction, "action", "", "allow or deny")
	patternsListCmd.Flags().StringVar(&flagPatternSource, "source", "", "interactive, file, legacy, or cli")

	patternsAddCmd.Flags().StringVar(&flagPatternMatch, "match", "exact", "match kind: exact, prefix, glob, regex")
	patternsAddCmd.Flags().BoolVar(&flagPatternDeny, "deny", false, "add a deny pattern instead of an allow pattern")
	patternsAddCmd.Flags().StringVar(&flagPatternScope, "scope", "", "persistent or session (session uses --session-id)")
	patternsAddCmd.Flags().StringVarP(&flagPatternDescription, "description", "d", "", "note stored with the pattern")

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsAddCmd)
	patternsCmd.AddCommand(patternsRemoveCmd)
	patternsCmd.AddCommand(patternsImportCmd)

	rootCmd.AddCommand(patternsCmd)
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage saved allow and deny patterns",
	Long: `Manage the patterns that pre-approve or pre-deny tool calls.

Allow patterns skip the approval prompt for calls they match, but only
where the rule matrix allows saving; a pattern can never unlock a call
that always requires approval. Deny patterns refuse matching calls in
build mode before the matrix is consulted. Compound shell commands only
match exact patterns.`,
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := patternFilter()
		if err != nil {
			return err
		}

		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		patterns, err := eng.ListPatterns(contextFor(cmd), filter)
		if err != nil {
			return exitFor(err)
		}
		return outputPatterns(newWriter(cmd), patterns)
	},
}

var patternsAddCmd = &cobra.Command{
	Use:   "add <tool> <pattern>",
	Short: "Add an allow (or --deny) pattern",
	Long: `Add a pattern for a tool.

An allow pattern is accepted only if an interactive approval could have
saved it: its text, classified as a call to the tool under the configured
trust level, must yield a savable decision. Destructive shell forms such
as "rm -rf /" are refused outright.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := core.ParseMatchKind(flagPatternMatch)
		if err != nil {
			return err
		}
		scope, err := parseScope(flagPatternScope)
		if err != nil {
			return err
		}
		if scope == core.ScopeSession && flagSessionID == "" {
			return errors.New("--scope session requires --session-id")
		}
		action := core.ActionAllow
		if flagPatternDeny {
			action = core.ActionDeny
		}
		p := &core.Pattern{
			Tool:        args[0],
			Pattern:     args[1],
			MatchKind:   kind,
			Action:      action,
			Scope:       scope,
			Source:      core.SourceCLI,
			Description: flagPatternDescription,
		}
		if scope == core.ScopeSession {
			p.SessionID = flagSessionID
		}

		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		out := newWriter(cmd)
		if err := eng.AddPattern(contextFor(cmd), p); err != nil {
			if errors.Is(err, engine.ErrPatternSaveRejected) || errors.Is(err, core.ErrInvalidPattern) ||
				errors.Is(err, core.ErrForbiddenPattern) {
				out.Notice(output.NoticeRejected, "%v", err)
				return &ExitError{Code: ExitFailure, Err: err, Silent: !out.IsStructured()}
			}
			return exitFor(err)
		}
		if out.IsStructured() {
			return out.Write(p)
		}
		out.Success(fmt.Sprintf("added %s pattern #%d for %s", p.Action, p.ID, p.Tool))
		return nil
	},
}

var patternsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a pattern by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid pattern id %q", args[0])
		}

		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := eng.RemovePattern(contextFor(cmd), id); err != nil {
			if errors.Is(err, db.ErrPatternNotFound) {
				return fmt.Errorf("pattern #%d not found", id)
			}
			return exitFor(err)
		}
		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(map[string]any{"removed": id})
		}
		out.Success(fmt.Sprintf("removed pattern #%d", id))
		return nil
	},
}

var patternsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import patterns from a TOML or YAML file",
	Long: `Import [[approvals]] and [[denials]] entries from a pattern file.

Imported patterns are stored as operator (cli) patterns and stay when the
file changes. Entries that fail validation or would not be savable are
skipped and listed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := eng.ImportPatternFile(contextFor(cmd), args[0])
		if err != nil {
			if errors.Is(err, engine.ErrStoreUnavailable) {
				return exitFor(err)
			}
			return err
		}
		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(report)
		}
		for _, s := range report.Skipped {
			out.Notice(output.NoticeRejected, "skipped %s", s)
		}
		out.Success(fmt.Sprintf("imported %d of %d patterns from %s", report.Imported, report.Total, report.Path))
		return nil
	},
}

func patternFilter() (db.PatternFilter, error) {
	filter := db.PatternFilter{Tool: flagPatternTool}
	switch action := core.PatternAction(strings.ToLower(flagPatternAction)); action {
	case "":
	case core.ActionAllow, core.ActionDeny:
		filter.Action = action
	default:
		return filter, fmt.Errorf("invalid action %q (must be allow or deny)", flagPatternAction)
	}
	switch source := core.PatternSource(strings.ToLower(flagPatternSource)); source {
	case "":
	case core.SourceInteractive, core.SourceFile, core.SourceLegacy, core.SourceCLI:
		filter.Source = source
	default:
		return filter, fmt.Errorf("invalid source %q (must be interactive, file, legacy, or cli)", flagPatternSource)
	}
	return filter, nil
}

func outputPatterns(out *output.Writer, patterns []*core.Pattern) error {
	if out.IsStructured() {
		return out.Write(patterns)
	}
	rows := make([][]string, 0, len(patterns))
	for _, p := range patterns {
		scope := string(p.Scope)
		if p.Scope == core.ScopeSession {
			scope += ":" + p.SessionID
		}
		rows = append(rows, []string{
			strconv.FormatInt(p.ID, 10),
			p.Tool,
			string(p.Action),
			string(p.MatchKind),
			utils.OneLine(p.Pattern, 50),
			scope,
			string(p.Source),
		})
	}
	return out.Table([]string{"ID", "TOOL", "ACTION", "MATCH", "PATTERN", "SCOPE", "SOURCE"}, rows)
}
