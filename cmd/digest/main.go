package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/digest/cmd/digest/commands"
	"github.com/teranos/digest/logger"
)

var rootCmd = &cobra.Command{
	Use:   "digest",
	Short: "digest - Batch post collection and daily digests",
	Long: `digest - Batch post collection and daily digests.

digest reads a CSV of accounts, splits it into batches, asks an
OpenAI-compatible model for each batch's recent posts, merges the results
into one CSV and optionally summarizes them. Subscriptions repeat a stored
input every day at a fixed time.

Available commands:
  am     - Manage digest configuration ("I am")
  serve  - Start the HTTP API, live job stream and scheduler
  run    - Run a CSV in the foreground
  jobs   - Inspect, retry and re-aggregate jobs
  subs   - Manage recurring subscriptions
  usage   - Show model usage
  version - Show build information

Examples:
  digest am show              # Show current configuration
  digest serve                # Start the server
  digest run accounts.csv     # Run one job and wait for it
  digest jobs ls              # List recent jobs
  digest subs add list.csv --hour 7`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if cmd.Name() == "serve" && verbosity == 0 {
			verbosity = logger.VerbosityInfo
		}
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigFile, "config", "c", "", "Use this config file instead of the am.toml cascade")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON lines instead of console text")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.SubsCmd)
	rootCmd.AddCommand(commands.UsageCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
