package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/db"
	"github.com/Dicklesworthstone/warden/internal/output"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

var flagPruneOlderThan time.Duration

// defaultPruneAge is how long a decision may wait before prune cancels it.
const defaultPruneAge = 24 * time.Hour

func init() {
	pendingPruneCmd.Flags().DurationVar(&flagPruneOlderThan, "older-than", defaultPruneAge,
		"cancel decisions that have waited at least this long")
	pendingCmd.AddCommand(pendingPruneCmd)
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List calls awaiting a human response",
	Long: `List every pending decision, oldest first, with the token to pass to
"warden resume". Pending decisions survive restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		pending, err := eng.ListPending(contextFor(cmd))
		if err != nil {
			return exitFor(err)
		}

		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(pending)
		}
		if len(pending) == 0 {
			out.Notice(output.NoticeInfo, "no pending decisions")
			return nil
		}
		rows := make([][]string, 0, len(pending))
		for _, p := range pending {
			save := "no"
			if p.Decision.CanSave() {
				save = "yes"
			}
			rows = append(rows, []string{
				p.Token,
				p.CreatedAt.Local().Format(time.DateTime),
				p.Tool,
				string(p.Operation) + "/" + string(p.Location),
				save,
				utils.OneLine(p.Command, 60),
			})
		}
		return out.Table([]string{"TOKEN", "CREATED", "TOOL", "CLASS", "SAVE", "COMMAND"}, rows)
	},
}


var pendingPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Cancel pending decisions nobody answered",
	Long: `Cancel every pending decision older than --older-than. Each one is
recorded in the audit log as cancelled and its token stops working.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		pruned, err := eng.PrunePending(contextFor(cmd), flagPruneOlderThan)
		if err != nil {
			return exitFor(err)
		}
		if pruned == nil {
			pruned = []*db.PendingDecision{}
		}

		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(pruned)
		}
		out.Notice(output.NoticeInfo, "cancelled %d pending decision(s) older than %s", len(pruned), flagPruneOlderThan)
		return nil
	},
}
