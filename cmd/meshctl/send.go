package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	sendTarget  string
	sendSubject string
	sendBody    string
	sendEncrypt bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message to a peer",
	Example: `  meshctl send --target bob --subject "status?" --body "how's it going"`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendTarget, "target", "", "destination peer name (required)")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "message subject (required)")
	sendCmd.Flags().StringVar(&sendBody, "body", "", "message body")
	sendCmd.Flags().BoolVar(&sendEncrypt, "encrypt", false, "encrypt the payload")
	_ = sendCmd.MarkFlagRequired("target")
	_ = sendCmd.MarkFlagRequired("subject")
}

func runSend(cmd *cobra.Command, args []string) error {
	var out struct {
		ID string `json:"id"`
	}
	req := map[string]interface{}{
		"target":  sendTarget,
		"subject": sendSubject,
		"body":    sendBody,
		"encrypt": sendEncrypt,
	}
	if err := postJSON("/control/send", req, &out); err != nil {
		return err
	}
	fmt.Printf("sent: %s\n", out.ID)
	return nil
}
