package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

var (
	flagAuditLimit   int
	flagAuditTool    string
	flagAuditOutcome string
	flagAuditSince   time.Duration
)

func init() {
	auditCmd.Flags().IntVarP(&flagAuditLimit, "limit", "n", 0, "maximum entries (default: audit.list_limit)")
	auditCmd.Flags().StringVar(&flagAuditTool, "tool", "", "only entries for this tool")
	auditCmd.Flags().DurationVar(&flagAuditSince, "since", 0, "only entries newer than this (e.g. 1h, 30m)")
	auditCmd.PersistentFlags().StringVar(&flagAuditOutcome, "outcome", "", "only entries with this outcome")

	auditCmd.AddCommand(auditCountCmd)
	rootCmd.AddCommand(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit log entries",
	Long: `Show the audit log, newest first. Every terminal decision is recorded:
automatic approvals, pattern matches and denials, human responses, and
integrity repairs. The log is append-only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, err := parseOutcome(flagAuditOutcome)
		if err != nil {
			return err
		}

		eng, s, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		filter := db.AuditFilter{Tool: flagAuditTool, Outcome: outcome, Limit: flagAuditLimit}
		if filter.Limit <= 0 {
			filter.Limit = s.cfg.Audit.ListLimit
		}
		if flagAuditSince > 0 {
			filter.Since = time.Now().Add(-flagAuditSince)
		}
		entries, err := eng.RecentAudit(contextFor(cmd), filter)
		if err != nil {
			return exitFor(err)
		}

		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(entries)
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			class := ""
			if e.Operation != "" {
				class = string(e.Operation) + "/" + string(e.Location)
			}
			subject := e.Command
			if subject == "" {
				subject = e.Detail
			}
			rows = append(rows, []string{
				strconv.FormatInt(e.ID, 10),
				e.Timestamp.Local().Format(time.DateTime),
				e.Tool,
				class,
				string(e.Outcome),
				utils.OneLine(subject, 60),
			})
		}
		return out.Table([]string{"ID", "TIME", "TOOL", "CLASS", "OUTCOME", "COMMAND"}, rows)
	},
}

var auditCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, err := parseOutcome(flagAuditOutcome)
		if err != nil {
			return err
		}

		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := eng.AuditCount(contextFor(cmd), outcome)
		if err != nil {
			return exitFor(err)
		}
		out := newWriter(cmd)
		if out.IsStructured() {
			payload := map[string]any{"count": n}
			if outcome != "" {
				payload["outcome"] = outcome
			}
			return out.Write(payload)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
		return err
	},
}

func parseOutcome(s string) (core.Outcome, error) {
	if s == "" {
		return "", nil
	}
	for _, o := range core.AllOutcomes() {
		if string(o) == s {
			return o, nil
		}
	}
	return "", fmt.Errorf("invalid outcome %q", s)
}
