package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/quorum/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio so an assistant
can inspect sessions, run corroboration and roll sessions back. Configure
your MCP client with:

  {
    "mcpServers": {
      "quorum": { "command": "quorum", "args": ["mcp"] }
    }
  }

Available tools: quorum_list_sessions, quorum_session_status,
quorum_list_decisions, quorum_list_fixes, quorum_run,
quorum_rollback_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		defaults := baseOptions()
		if viper.GetBool("verify.enabled") {
			defaults.Verifier = newVerifier("")
		}
		if reviewers, err := newReviewers(""); err == nil {
			defaults.Reviewers = reviewers
		} else {
			logger.Warn("dual review unavailable over MCP", "error", err)
		}
		srv := mcp.NewServer(s, defaults, buildVersion)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
