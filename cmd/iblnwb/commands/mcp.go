package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/iblnwb/pkg/mcp"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
)

// NewMCPCommand creates the MCP server command.
func NewMCPCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

The MCP server exposes these tools to AI agents:
  - nwb_inspect: Summarize an NWB file (header, probes, units, trials, objects)
  - nwb_to_alyx: Extract the Alyx records described by an NWB file
  - alf_parse: Split an ALF dataset file name into its parts

Logs are written to stderr as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			a, err := newApp(g, observability.ModeMCP)
			if err != nil {
				return err
			}
			defer a.close()

			srv := mcp.NewServer(mcp.ServerDeps{Logger: a.logger, Metrics: a.red, Tracer: a.tracer})

			return srv.Run(cobraCmd.Context())
		},
	}
}
