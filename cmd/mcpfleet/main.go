// Command mcpfleet keeps a fleet of MCP server connections alive. Servers and reconnection
// settings are read from a configuration store; the process reacts to lifecycle signals, network
// reachability and configuration changes.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "0.0.0"

func main() {
	root := rootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var settingsFile string
	root := &cobra.Command{
		Use:          "mcpfleet",
		Short:        "MCP client fleet",
		Long:         "mcpfleet connects to a set of MCP servers and keeps the connections alive",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&settingsFile, "settings", "s", "", "path to settings file (yaml, json or toml)")
	defineFlags(root)

	root.AddCommand(
		runCommand(&settingsFile),
		toolsCommand(&settingsFile),
		configCommand(&settingsFile),
		versionCommand(),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpfleet v%s (Go version: %s)\n", version, runtime.Version())
		},
	}
}
