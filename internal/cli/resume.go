package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/engine"
	"github.com/Dicklesworthstone/warden/internal/output"
)

var (
	flagResumeMatch       string
	flagResumePattern     string
	flagResumeScope       string
	flagResumeDescription string
)

func init() {
	resumeCmd.Flags().StringVar(&flagResumeMatch, "match", "", "match kind for a saved pattern: exact, prefix, glob, regex")
	resumeCmd.Flags().StringVar(&flagResumePattern, "pattern", "", "pattern text to save (default: the approved call)")
	resumeCmd.Flags().StringVar(&flagResumeScope, "scope", "", "persistent or session (default: persistent)")
	resumeCmd.Flags().StringVarP(&flagResumeDescription, "description", "d", "", "note stored with a saved pattern")

	rootCmd.AddCommand(resumeCmd)
}

var resumeCmd = &cobra.Command{
	Use:   "resume <token> <approved|approved-and-save|denied|cancelled>",
	Short: "Answer a pending decision",
	Long: `Record the human response to a call that check held for approval.

approved-and-save also stores an always-allow pattern. By default the
pattern is the exact call; --match and --pattern broaden it, but the
pattern must still match the call being approved. A save that the
decision does not permit is rejected and the token stays pending, so
the call can be resubmitted as plain "approved".`,
	Args: cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		switch len(args) {
		case 0:
			return completePendingTokens(cmd, args, toComplete)
		case 1:
			return []string{"approved", "approved-and-save", "denied", "cancelled"}, cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		response, err := core.ParseResponse(args[1])
		if err != nil {
			return err
		}
		opts, err := resumeOptions()
		if err != nil {
			return err
		}

		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := eng.Resume(contextFor(cmd), args[0], response, opts)
		out := newWriter(cmd)
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrPatternSaveRejected),
			errors.Is(err, core.ErrInvalidPattern),
			errors.Is(err, core.ErrForbiddenPattern):
			out.Notice(output.NoticeRejected, "%v", err)
			out.Notice(output.NoticeInfo, "token %s is still pending; resume it as approved to run the call once", args[0])
			return &ExitError{Code: ExitFailure, Err: err, Silent: !out.IsStructured()}
		default:
			return exitFor(err)
		}

		if err := out.Write(resolutionView{res}); err != nil {
			return err
		}
		if !res.Allowed {
			return &ExitError{Code: ExitDenied, Silent: true}
		}
		return nil
	},
}

func resumeOptions() (engine.ResumeOptions, error) {
	var opts engine.ResumeOptions
	kind, err := core.ParseMatchKind(flagResumeMatch)
	if err != nil {
		return opts, err
	}
	scope, err := parseScope(flagResumeScope)
	if err != nil {
		return opts, err
	}
	opts.MatchKind = kind
	opts.Pattern = flagResumePattern
	opts.Scope = scope
	opts.Description = flagResumeDescription
	return opts, nil
}

func parseScope(s string) (core.PatternScope, error) {
	switch scope := core.PatternScope(strings.ToLower(strings.TrimSpace(s))); scope {
	case "":
		return core.ScopePersistent, nil
	case core.ScopePersistent, core.ScopeSession:
		return scope, nil
	}
	return "", fmt.Errorf("invalid scope %q (must be persistent or session)", s)
}

type resolutionView struct {
	*engine.Resolution
}

func (v resolutionView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (audit #%d)\n", v.Token, v.Outcome, v.AuditID)
	if v.Pattern != nil {
		fmt.Fprintf(&b, "saved pattern #%d: %s %s %q (%s)\n", v.Pattern.ID, v.Pattern.Tool,
			v.Pattern.MatchKind, v.Pattern.Pattern, v.Pattern.Scope)
	}
	return b.String()
}
