package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/integrity"
)

var flagVerifyFix bool

func init() {
	verifyCmd.Flags().BoolVar(&flagVerifyFix, "fix", false, "reseed the builtin tables even if the digest matches")
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the builtin policy tables against their recorded digest",
	Long: `Recompute the digest of the builtin policy tables and compare it with
the digest recorded at seeding. A mismatch is repaired by reseeding from
the embedded policy, leaving saved patterns, pending decisions and the
audit log untouched. --fix reseeds unconditionally.

The exit status is 0 when the tables verify or were repaired.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := eng.Verify(contextFor(cmd), flagVerifyFix)
		if err != nil {
			return exitFor(err)
		}
		out := newWriter(cmd)
		if err := out.Write(reportView{withOpenRepair(eng.OpenReport(), report)}); err != nil {
			return err
		}
		reportRepair(out, report)
		return nil
	},
}

// withOpenRepair folds a repair made while opening the store into the
// verify report. Opening already restored the tables, so the status the
// operator needs to see is the one observed before that repair.
func withOpenRepair(open, now *integrity.Report) *integrity.Report {
	if open == nil || !open.Repaired {
		return now
	}
	merged := *now
	merged.Status, merged.Expected, merged.Actual = open.Status, open.Expected, open.Actual
	merged.Tables = open.Tables
	if !now.Repaired {
		merged.Repaired, merged.Reason = true, open.Reason
	}
	return &merged
}

type reportView struct {
	*integrity.Report
}

func (v reportView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status:  %s\n", v.Status)
	fmt.Fprintf(&b, "digest:  %s\n", v.Digest)
	if v.Status == integrity.StatusMismatch {
		fmt.Fprintf(&b, "found:   %s\n", v.Actual)
		if len(v.Tables) > 0 {
			fmt.Fprintf(&b, "changed: %s\n", strings.Join(v.Tables, ", "))
		}
	}
	fmt.Fprintf(&b, "seed:    v%d\n", v.SeedVersion)
	if v.Repaired {
		fmt.Fprintf(&b, "repaired (%s)\n", v.Reason)
	}
	return b.String()
}
