package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	rallyQuestion     string
	rallyParticipants []string
	rallyTTL          int64
)

var rallyCmd = &cobra.Command{
	Use:     "rally",
	Short:   "Open a rally conversation: ask several peers the same question",
	Example: `  meshctl rally --question "count tanks" --participants b,c`,
	RunE:    runRally,
}

var converseCmd = &cobra.Command{
	Use:       "converse <type>",
	Short:     "Open a conversation of the given type (collab, escalation, broadcast, opinion, brainstorm)",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"collab", "escalation", "broadcast", "opinion", "brainstorm"},
	RunE:      runConverse,
}

func init() {
	rootCmd.AddCommand(rallyCmd, converseCmd)
	for _, c := range []*cobra.Command{rallyCmd, converseCmd} {
		c.Flags().StringVar(&rallyQuestion, "question", "", "question to put to participants (required)")
		c.Flags().StringSliceVar(&rallyParticipants, "participants", nil, "participant peer names (required)")
		c.Flags().Int64Var(&rallyTTL, "ttl", 0, "conversation TTL in seconds (0 = type default)")
		_ = c.MarkFlagRequired("question")
		_ = c.MarkFlagRequired("participants")
	}
}

func runRally(cmd *cobra.Command, args []string) error {
	return openConversation("rally", rallyQuestion, rallyParticipants, rallyTTL)
}

func runConverse(cmd *cobra.Command, args []string) error {
	return openConversation(args[0], rallyQuestion, rallyParticipants, rallyTTL)
}

func openConversation(typ, question string, participants []string, ttl int64) error {
	var out struct {
		ID string `json:"id"`
	}
	req := map[string]interface{}{
		"type":         typ,
		"question":     question,
		"participants": participants,
		"ttl":          ttl,
	}
	if err := postJSON("/control/conversation/open", req, &out); err != nil {
		return err
	}
	fmt.Printf("opened: %s\n", out.ID)
	return nil
}
