package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	replyTarget        string
	replySubject       string
	replyBody          string
	replyCorrelationID string
	replyEncrypt       bool
)

var replyCmd = &cobra.Command{
	Use:     "reply",
	Short:   "Reply to a prior request, carrying its correlation id",
	Example: `  meshctl reply --target bob --correlation-id msg_123 --body "1,250 tanks"`,
	RunE:    runReply,
}

func init() {
	rootCmd.AddCommand(replyCmd)
	replyCmd.Flags().StringVar(&replyTarget, "target", "", "peer to reply to (required)")
	replyCmd.Flags().StringVar(&replySubject, "subject", "re", "reply subject")
	replyCmd.Flags().StringVar(&replyBody, "body", "", "reply body")
	replyCmd.Flags().StringVar(&replyCorrelationID, "correlation-id", "", "id of the request being answered (required)")
	replyCmd.Flags().BoolVar(&replyEncrypt, "encrypt", false, "encrypt the payload")
	_ = replyCmd.MarkFlagRequired("target")
	_ = replyCmd.MarkFlagRequired("correlation-id")
}

func runReply(cmd *cobra.Command, args []string) error {
	var out struct {
		ID string `json:"id"`
	}
	req := map[string]interface{}{
		"target":        replyTarget,
		"subject":       replySubject,
		"body":          replyBody,
		"encrypt":       replyEncrypt,
		"type":          "response",
		"correlationId": replyCorrelationID,
	}
	if err := postJSON("/control/send", req, &out); err != nil {
		return err
	}
	fmt.Printf("replied: %s\n", out.ID)
	return nil
}
