package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain the dead-letter queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List dead-lettered envelopes",
	RunE:  runQueueStatus,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove dead letters whose TTL has expired",
	RunE:  runQueuePurge,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Force one drain pass against currently reachable peers",
	RunE:  runQueueDrain,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd, queuePurgeCmd, queueDrainCmd)
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	var letters []map[string]interface{}
	if err := getJSON("/control/queue", nil, &letters); err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Println("no dead letters")
		return nil
	}
	for _, dl := range letters {
		fmt.Printf("%v\tto=%v\treason=%v\tattempts=%v\n", dl["id"], dl["to"], dl["failReason"], dl["attempts"])
	}
	return nil
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	var out map[string]int
	q := url.Values{"op": []string{"purge"}}
	if err := getJSON("/control/queue", q, &out); err != nil {
		return err
	}
	fmt.Printf("purged: %d\n", out["removed"])
	return nil
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	var out map[string]int
	q := url.Values{"op": []string{"drain"}}
	if err := getJSON("/control/queue", q, &out); err != nil {
		return err
	}
	fmt.Printf("remaining: %d\n", out["remaining"])
	return nil
}
