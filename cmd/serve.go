package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/mcpserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve roles and skills to agents over MCP (stdio)",
	Long: `Start a Model Context Protocol server on stdin/stdout exposing the tools
list_roles, list_skills, get_role, get_skill, match_roles, match_skills,
install_skill and get_skill_version. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	logger.G(cmd.Context()).WithField("root", b.Config.Root).Info("starting MCP server")
	return mcpserver.New(b.Registry, b.Config.Search, version).ServeStdio()
}
