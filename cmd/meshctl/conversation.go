package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Inspect multi-round conversations",
}

var conversationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation's full record",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationShow,
}

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known conversation id",
	RunE:  runConversationList,
}

var conversationCompleteReason string

var conversationCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Mark a conversation complete",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationAction("complete", &conversationCompleteReason),
}

var conversationCloseReason string

var conversationCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationAction("close", &conversationCloseReason),
}

var conversationCancelReason string

var conversationCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationAction("cancel", &conversationCancelReason),
}

var conversationTimeoutCmd = &cobra.Command{
	Use:   "timeout <id>",
	Short: "Force a conversation into timeout without waiting on the sweep",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationAction("timeout", nil),
}

var conversationConsensusRound int

var conversationConsensusCmd = &cobra.Command{
	Use:   "consensus <id>",
	Short: "Compute response consensus for a conversation round",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationConsensus,
}

func init() {
	rootCmd.AddCommand(conversationCmd)
	conversationCmd.AddCommand(
		conversationShowCmd,
		conversationListCmd,
		conversationCompleteCmd,
		conversationCloseCmd,
		conversationCancelCmd,
		conversationTimeoutCmd,
		conversationConsensusCmd,
	)

	conversationCompleteCmd.Flags().StringVar(&conversationCompleteReason, "summary", "", "closing summary")
	conversationCloseCmd.Flags().StringVar(&conversationCloseReason, "reason", "", "close reason")
	conversationCancelCmd.Flags().StringVar(&conversationCancelReason, "reason", "", "cancel reason")
	conversationConsensusCmd.Flags().IntVar(&conversationConsensusRound, "round", 0, "round to score (1-based; 0 scores the latest round)")
}

func runConversationShow(cmd *cobra.Command, args []string) error {
	var rec map[string]interface{}
	q := url.Values{"id": []string{args[0]}}
	if err := getJSON("/control/conversation", q, &rec); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func runConversationList(cmd *cobra.Command, args []string) error {
	var ids []string
	q := url.Values{"op": []string{"list"}}
	if err := getJSON("/control/conversation", q, &ids); err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no conversations")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

// runConversationAction returns a RunE that posts op against the
// conversation's id, carrying reason (either a summary or a close/cancel
// reason) when reasonFlag is non-nil.
func runConversationAction(op string, reasonFlag *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		req := map[string]interface{}{}
		if reasonFlag != nil {
			if op == "complete" {
				req["summary"] = *reasonFlag
			} else {
				req["reason"] = *reasonFlag
			}
		}
		var rec map[string]interface{}
		q := url.Values{"id": []string{args[0]}, "op": []string{op}}
		if err := postJSONQuery("/control/conversation", q, req, &rec); err != nil {
			return err
		}
		fmt.Printf("%s: status=%v\n", args[0], rec["status"])
		return nil
	}
}

func runConversationConsensus(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{"round": conversationConsensusRound}
	var consensus map[string]interface{}
	q := url.Values{"id": []string{args[0]}, "op": []string{"consensus"}}
	if err := postJSONQuery("/control/conversation", q, req, &consensus); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(consensus, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
