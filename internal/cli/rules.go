package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/engine"
)

var (
	flagRulesMode      string
	flagRulesTrust     string
	flagToolsMode      string
	flagToolsAvailable bool
)

func init() {
	rulesCmd.Flags().StringVarP(&flagRulesMode, "mode", "m", "", "only rules for this agent mode")
	rulesCmd.Flags().StringVarP(&flagRulesTrust, "trust", "t", "", "only rules for this trust level")
	toolsCmd.Flags().StringVarP(&flagToolsMode, "mode", "m", "", "agent mode to report availability for (default: general.mode)")
	toolsCmd.Flags().BoolVar(&flagToolsAvailable, "available", false, "print only the names of tools the mode offers")

	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(toolsCmd)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show the builtin decision matrix",
	RunE: func(cmd *cobra.Command, args []string) error {
		var mode core.Mode
		var trust core.TrustLevel
		var err error
		if flagRulesMode != "" {
			if mode, err = core.ParseMode(flagRulesMode); err != nil {
				return err
			}
		}
		if flagRulesTrust != "" {
			if trust, err = core.ParseTrustLevel(flagRulesTrust); err != nil {
				return err
			}
		}

		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rules := filterRules(eng.Rules(), mode, trust)
		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(rules)
		}
		rows := make([][]string, 0, len(rules))
		for _, r := range rules {
			rows = append(rows, []string{
				string(r.Mode), string(r.Trust), string(r.Operation), string(r.Location),
				r.Decision.String(), r.Rationale,
			})
		}
		return out.Table([]string{"MODE", "TRUST", "CLASS", "LOCATION", "DECISION", "RATIONALE"}, rows)
	},
}

func filterRules(rules []core.Rule, mode core.Mode, trust core.TrustLevel) []core.Rule {
	out := make([]core.Rule, 0, len(rules))
	for _, r := range rules {
		if mode != "" && r.Mode != mode {
			continue
		}
		if trust != "" && r.Trust != trust {
			continue
		}
		out = append(out, r)
	}
	return out
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tool catalog and which tools each mode offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, s, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		mode, err := pickMode(flagToolsMode, s.cfg.General.Mode)
		if err != nil {
			return err
		}
		out := newWriter(cmd)
		if flagToolsAvailable {
			names := eng.Snapshot().AvailableTools(mode)
			if names == nil {
				names = []string{}
			}
			if out.IsStructured() {
				return out.Write(names)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		}

		tools := eng.Tools(mode)
		if tools == nil {
			tools = []engine.ToolInfo{}
		}
		if out.IsStructured() {
			return out.Write(tools)
		}
		rows := make([][]string, 0, len(tools))
		for _, t := range tools {
			available := "no"
			if t.Available {
				available = "yes"
			}
			rows = append(rows, []string{t.Tool, string(t.Strategy), string(t.Operation), available, t.Description})
		}
		return out.Table([]string{"TOOL", "STRATEGY", "CLASS", "IN " + string(mode), "DESCRIPTION"}, rows)
	},
}
