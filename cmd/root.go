package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"marquee/internal/logger"
)

var (
	verbose bool
	log     = logger.New()
)

var rootCmd = &cobra.Command{
	Use:   "marquee",
	Short: "Marquee - display fleet coordination",
	Long: `Marquee coordinates a fleet of networked displays. The coordinator
accepts display connections, tracks presence, and relays commands and
content updates; the display daemon finds the coordinator on the local
network and keeps itself registered.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(displayCmd)
	rootCmd.AddCommand(discoverCmd)
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
