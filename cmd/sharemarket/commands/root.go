package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	storeDriver string
	verbose     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sharemarket",
	Short: "Creator share market: order matching and settlement",
	Long: `sharemarket CLI

Order book, settlement and shareholder cascade for creator shares.

Usage:
  go run ./cmd/sharemarket [command]

Examples:
  go run ./cmd/sharemarket migrate
  go run ./cmd/sharemarket serve
  go run ./cmd/sharemarket book <target>
  go run ./cmd/sharemarket jobs run expiry_sweep`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "store driver override (postgres|memory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
