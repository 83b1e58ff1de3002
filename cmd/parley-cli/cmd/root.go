package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	principal string
)

var rootCmd = &cobra.Command{
	Use:   "parley-cli",
	Short: "Parley command-line client",
	Long: `Parley CLI is a terminal client for a parley chat server.

Available commands:
  chat       Open an interactive chat session with a peer
  history    Print the message history with a peer

Use "parley-cli [command] --help" for more information about a specific command.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "parley server base URL")
	rootCmd.PersistentFlags().StringVar(&principal, "principal", "", "principal to authenticate as")
	rootCmd.MarkPersistentFlagRequired("principal")
}
