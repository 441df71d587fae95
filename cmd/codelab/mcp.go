package main

import (
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codelab/internal/mcptool"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the code_run tool over MCP stdio",
	Long: `Serve the sandbox as an MCP server on stdin/stdout, exposing a single
code_run tool. Runs go through the configured execution mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs must not.
		log, err := quietLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		runner, err := newRunner(cfg, log)
		if err != nil {
			return err
		}
		s := mcptool.NewServer(runner, runner.Registry().Languages(), version)
		return mcptool.ServeStdio(s)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
