package cli

import (
	"os"

	"github.com/spf13/cobra"

	mcpadapter "github.com/kirillkom/ragcore/internal/adapters/mcp"
)

func newMCPCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP server commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools over stdio",
		Long: `Start a Model Context Protocol server on stdin/stdout exposing the
ask_documents and list_documents tools for the --owner user.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			server, err := mcpadapter.NewServer(svc.Query, svc.Catalog, a.owner)
			if err != nil {
				return err
			}
			return server.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	})
	return cmd
}
