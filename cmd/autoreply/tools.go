package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gaborv/autoreply/internal/config"
	"github.com/gaborv/autoreply/internal/mcptools"
	"github.com/gaborv/autoreply/internal/runner"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Probe MCP servers and show which tools the assistant may use",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Claude.MCPConfig == "" {
			return fmt.Errorf("no mcp_config set under claude in %s", cfgFile)
		}

		servers, err := mcptools.LoadConfig(cfg.Claude.MCPConfig)
		if err != nil {
			return err
		}

		probe := mcptools.New(runner.DefaultAllowedTools, runner.DefaultDisallowedTools, logger)
		tools := probe.ProbeAll(cmd.Context(), servers)
		if len(tools) == 0 {
			fmt.Println("No tools discovered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVER\tTOOL\tALLOWED")
		for _, tool := range tools {
			allowed := "no"
			if tool.Allowed {
				allowed = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", tool.Server, tool.Name, allowed)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
