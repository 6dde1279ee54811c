package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/drover/cmd/drover/commands"
	"github.com/teranos/drover/logger"
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "drover - continuous delivery orchestration core",
	Long: `drover - material polling, agent lifecycle and build timeline.

drover watches source materials for new revisions, keeps track of build
agents and places pipeline runs in the natural order of their revisions.

Available commands:
  am       - Manage drover configuration ("I am")
  server   - Run the drover server
  agent    - Run a build agent against a server
  material - Manage materials
  version  - Show version information

Examples:
  drover am show                     # Show current configuration
  drover server                      # Start the server
  drover material import setup.yaml  # Import materials and agents
  drover agent --server ws://ci:8153 # Connect an agent`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' prints configuration only
		if cmd.Name() != "show" {
			if err := logger.Initialize(false); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.AgentCmd)
	rootCmd.AddCommand(commands.MaterialCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
