package commands

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ingestion-service",
	Short: "Minute-bar market data ingestion service",
	Long: `Keeps a catalog of tracked instruments continuously up to date with
minute-resolution OHLC bars pulled from the DhanHQ market-data API and
persisted into ClickHouse.

Features:
• Cron-driven incremental sync with per-instrument cursors
• Bellwether-based market open/closed gating
• Bounded-concurrency fan-out with a shared outbound-call limit
• Batch inserts with row-level bad-row isolation`,
	Version: "1.0.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
