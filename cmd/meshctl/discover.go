package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Probe peer health and run relay election",
}

var discoverProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe every peer's liveness",
	RunE:  runDiscoverProbe,
}

var discoverElectCmd = &cobra.Command{
	Use:   "elect",
	Short: "Run local relay election",
	RunE:  runDiscoverElect,
}

var discoverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted routing table",
	RunE:  runDiscoverStatus,
}

var discoverGossipCmd = &cobra.Command{
	Use:   "gossip",
	Short: "Broadcast the current routing snapshot to every known peer",
	RunE:  runDiscoverGossip,
}

var (
	joinName     string
	joinIP       string
	joinPort     int
	joinToken    string
	joinRole     string
	joinHookPath string
	joinSigning  bool
)

var discoverJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Register a new peer in the local registry",
	RunE:  runDiscoverJoin,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.AddCommand(discoverProbeCmd, discoverElectCmd, discoverStatusCmd, discoverGossipCmd, discoverJoinCmd)

	discoverJoinCmd.Flags().StringVar(&joinName, "name", "", "peer name (required)")
	discoverJoinCmd.Flags().StringVar(&joinIP, "ip", "", "peer IP address (required)")
	discoverJoinCmd.Flags().IntVar(&joinPort, "port", 0, "peer hook port (required)")
	discoverJoinCmd.Flags().StringVar(&joinToken, "token", "", "peer bearer token")
	discoverJoinCmd.Flags().StringVar(&joinRole, "role", "peer", "peer role: hub, relay, or peer")
	discoverJoinCmd.Flags().StringVar(&joinHookPath, "hook-path", "", "peer's webhook path")
	discoverJoinCmd.Flags().BoolVar(&joinSigning, "signing", false, "peer requires signed envelopes")
	_ = discoverJoinCmd.MarkFlagRequired("name")
	_ = discoverJoinCmd.MarkFlagRequired("ip")
	_ = discoverJoinCmd.MarkFlagRequired("port")
}

func runDiscoverProbe(cmd *cobra.Command, args []string) error {
	var health map[string]json.RawMessage
	if err := getJSON("/control/discover", nil, &health); err != nil {
		return err
	}
	for name, raw := range health {
		fmt.Printf("%s: %s\n", name, string(raw))
	}
	return nil
}

func runDiscoverElect(cmd *cobra.Command, args []string) error {
	var rt map[string]interface{}
	q := url.Values{"op": []string{"elect"}}
	if err := getJSON("/control/discover", q, &rt); err != nil {
		return err
	}
	fmt.Printf("hub=%v relay=%v\n", rt["hub"], rt["relay"])
	return nil
}

func runDiscoverStatus(cmd *cobra.Command, args []string) error {
	var rt map[string]interface{}
	q := url.Values{"op": []string{"status"}}
	if err := getJSON("/control/discover", q, &rt); err != nil {
		return err
	}
	fmt.Printf("hub=%v relay=%v\n", rt["hub"], rt["relay"])
	return nil
}

func runDiscoverGossip(cmd *cobra.Command, args []string) error {
	var payload map[string]interface{}
	q := url.Values{"op": []string{"gossip"}}
	if err := getJSON("/control/discover", q, &payload); err != nil {
		return err
	}
	fmt.Println("gossip broadcast sent")
	return nil
}

func runDiscoverJoin(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{
		"name":     joinName,
		"ip":       joinIP,
		"port":     joinPort,
		"token":    joinToken,
		"role":     joinRole,
		"hookPath": joinHookPath,
		"signing":  joinSigning,
	}
	var out map[string]string
	q := url.Values{"op": []string{"join"}}
	if err := postJSONQuery("/control/discover", q, req, &out); err != nil {
		return err
	}
	fmt.Printf("joined: %s\n", out["joined"])
	return nil
}
