package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/output"
	"github.com/Dicklesworthstone/warden/internal/utils"
	"github.com/Dicklesworthstone/warden/internal/watch"
)

var flagWatchDebounce time.Duration

func init() {
	watchCmd.Flags().DurationVar(&flagWatchDebounce, "debounce", watch.DefaultDebounce, "quiet period before acting on a change")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the store in sync with pattern files and re-verify it on change",
	Long: `Watch the policy store and the configured pattern files until
interrupted. Editing a pattern file re-merges its patterns into the store.
Any write to the store by another process re-verifies the builtin tables
and repairs them if they were modified outside warden.

Structured output emits one JSON object per action.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, s, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		out := newWriter(cmd)
		w, err := watch.New(s.paths.StorePath, eng.PatternFiles(),
			watch.WithDebounce(flagWatchDebounce),
			watch.WithLogger(utils.WithPrefix("watch")))
		if err != nil {
			return &ExitError{Code: ExitFailure, Err: err}
		}

		ctx, stop := signal.NotifyContext(contextFor(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out.Notice(output.NoticeInfo, "watching %s", strings.Join(w.Dirs(), ", "))
		return watch.Run(ctx, w, eng, func(u watch.Update) {
			if out.IsStructured() {
				_ = out.WriteNDJSON(u)
			} else {
				_ = out.Write(updateView{u})
			}
			if u.Kind == watch.KindStore {
				reportRepair(out, u.Report)
			}
		})
	},
}

type updateView struct {
	watch.Update
}

func (v updateView) Text() string {
	stamp := v.At.Local().Format("15:04:05")
	switch {
	case v.Err != nil:
		return fmt.Sprintf("%s %s: %v\n", stamp, v.Kind, v.Err)
	case v.Kind == watch.KindPatterns:
		return fmt.Sprintf("%s pattern files reloaded: %d patterns\n", stamp, v.Patterns)
	case v.Report != nil && v.Report.Repaired:
		return fmt.Sprintf("%s store repaired (%s)\n", stamp, v.Report.Reason)
	case v.Report != nil:
		return fmt.Sprintf("%s store verified: %s\n", stamp, v.Report.Status)
	default:
		return fmt.Sprintf("%s %s changed\n", stamp, v.Kind)
	}
}
