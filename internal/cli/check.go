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
	flagCheckMode    string
	flagCheckTrust   string
	flagCheckWorkdir string
)

func init() {
	for _, c := range []*cobra.Command{checkCmd, classifyCmd} {
		c.Flags().StringVar(&flagCheckWorkdir, "workdir", "", "workspace root (default: general.workdir or the project dir)")
	}
	checkCmd.Flags().StringVarP(&flagCheckMode, "mode", "m", "", "agent mode: ask, plan, build (default: general.mode)")
	checkCmd.Flags().StringVarP(&flagCheckTrust, "trust", "t", "", "trust level: manual, careful, balanced (default: general.trust)")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(classifyCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check <tool> [arguments...]",
	Short: "Decide whether a tool call may run",
	Long: `Classify a tool call, look it up in the rule matrix, and consult saved
patterns. Arguments are joined with spaces; pass JSON as a single argument
for file tools.

Exit status:
  0  the call may run (auto-approved or pattern-matched)
  2  a human must respond; the token is printed
  3  a deny pattern matched
  1  the policy store is unavailable or the request is invalid`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, s, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		mode, err := pickMode(flagCheckMode, s.cfg.General.Mode)
		if err != nil {
			return err
		}
		trust, err := pickTrust(flagCheckTrust, s.cfg.General.Trust)
		if err != nil {
			return err
		}
		workdir := flagCheckWorkdir
		if workdir == "" {
			workdir = s.paths.Workdir
		}

		res, err := eng.Evaluate(contextFor(cmd), engine.Request{
			Tool:      args[0],
			Arguments: strings.Join(args[1:], " "),
			Workdir:   workdir,
			Mode:      mode,
			Trust:     trust,
			SessionID: flagSessionID,
		})
		if err != nil {
			return exitFor(err)
		}

		out := newWriter(cmd)
		if err := out.Write(checkView{res}); err != nil {
			return err
		}
		if res.RuleGap {
			out.Notice(output.NoticeSecurity, "no rule covers %s/%s/%s/%s; approval required", mode, trust,
				res.Classification.Operation, res.Classification.Location)
		}
		switch {
		case res.Pending != nil:
			return &ExitError{Code: ExitPending, Silent: true}
		case !res.Allowed():
			return &ExitError{Code: ExitDenied, Silent: true}
		}
		return nil
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <tool> [arguments...]",
	Short: "Classify a tool call without deciding or auditing it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, s, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		workdir := flagCheckWorkdir
		if workdir == "" {
			workdir = s.paths.Workdir
		}
		class := eng.Classify(args[0], strings.Join(args[1:], " "), workdir)
		return newWriter(cmd).Write(classificationView{class})
	},
}

// checkView renders an evaluation result.
type checkView struct {
	*engine.Result
}

func (v checkView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "decision:  %s\n", v.Decision)
	fmt.Fprintf(&b, "class:     %s %s\n", v.Classification.Operation, v.Classification.Location)
	if v.Outcome != "" {
		fmt.Fprintf(&b, "outcome:   %s\n", v.Outcome)
	}
	if v.MatchedPattern != nil {
		fmt.Fprintf(&b, "pattern:   #%d %s %q\n", v.MatchedPattern.ID, v.MatchedPattern.MatchKind, v.MatchedPattern.Pattern)
	}
	if v.Pending != nil {
		fmt.Fprintf(&b, "token:     %s\n", v.Pending.Token)
		if v.Pending.CanSave {
			b.WriteString("save:      allowed (resume with approved-and-save)\n")
		} else {
			b.WriteString("save:      not allowed for this decision\n")
		}
	}
	if v.Rationale != "" {
		fmt.Fprintf(&b, "rationale: %s\n", v.Rationale)
	}
	if !v.ToolAvailable {
		b.WriteString("note:      tool is not offered in this mode\n")
	}
	return b.String()
}

type classificationView struct {
	core.Classification
}

func (v classificationView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", v.Operation, v.Location)
	if v.Subject != "" {
		fmt.Fprintf(&b, "subject:  %s\n", v.Subject)
	}
	if len(v.Paths) > 0 {
		fmt.Fprintf(&b, "paths:    %s\n", strings.Join(v.Paths, ", "))
	}
	if v.Compound {
		b.WriteString("compound: yes (only exact patterns apply)\n")
	}
	if v.ParseError {
		fmt.Fprintf(&b, "unparseable: %s\n", v.Reason)
	}
	return b.String()
}

func pickMode(flag, fallback string) (core.Mode, error) {
	if flag == "" {
		flag = fallback
	}
	return core.ParseMode(flag)
}

func pickTrust(flag, fallback string) (core.TrustLevel, error) {
	if flag == "" {
		flag = fallback
	}
	return core.ParseTrustLevel(flag)
}

// exitFor maps engine errors to exit statuses. Everything the engine
// returns is a failure to decide, so the status is 1.
func exitFor(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return &ExitError{Code: ExitFailure, Err: err}
}
