package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this node's identity, queue depth, and replay count",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var out map[string]interface{}
	if err := getJSON("/control/status", nil, &out); err != nil {
		return err
	}
	fmt.Printf("self:          %v\n", out["self"])
	fmt.Printf("queue depth:   %v\n", out["queueDepth"])
	fmt.Printf("total replayed: %v\n", out["totalReplayed"])
	return nil
}
