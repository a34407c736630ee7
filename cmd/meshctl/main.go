// Package main provides meshctl, the MESH operator CLI.
//
// meshctl is a thin command client: every subcommand talks to a running
// meshd's local control API over HTTP and never touches state files
// directly, so the daemon remains the single writer of node state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var controlAddr string

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "MESH operator CLI",
	Long: `meshctl talks to a running meshd daemon's local control API to send
messages, run multi-round conversations, inspect the dead-letter queue,
and drive peer discovery.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&controlAddr, "control-addr", "127.0.0.1:7780", "meshd control API address")
}
