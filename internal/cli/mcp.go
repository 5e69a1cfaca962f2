package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/output"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp [mcp__server__tool...]",
	Short: "Show the policies MCP tool calls are decided by",
	Long: `Without arguments, list the [[mcp.tools]] policies from the config files.
With tool names, show the policy each one gets, including the default for
tools no entry names: moderate risk, approval required, saving allowed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		policies := eng.MCPPolicies()
		if len(args) > 0 {
			policies = policies[:0]
			for _, name := range args {
				class := eng.Classify(name, "", "")
				if class.MCP == nil {
					return fmt.Errorf("%q is not an MCP tool name (want mcp__<server>__<tool>)", name)
				}
				policies = append(policies, *class.MCP)
			}
		}
		if policies == nil {
			policies = []core.MCPPolicy{}
		}

		out := newWriter(cmd)
		if out.IsStructured() {
			return out.Write(policies)
		}
		if len(policies) == 0 {
			out.Notice(output.NoticeInfo, "no MCP tool policies configured; every MCP tool needs approval")
			return nil
		}
		rows := make([][]string, 0, len(policies))
		for _, p := range policies {
			rows = append(rows, []string{
				p.Name(),
				string(p.Risk),
				p.Decision().String(),
				utils.OneLine(p.Rationale(), 60),
			})
		}
		return out.Table([]string{"TOOL", "RISK", "DECISION", "RATIONALE"}, rows)
	},
}
