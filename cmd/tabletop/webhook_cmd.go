package main

import (
	"fmt"
	"net/http"
	"os"

	tabletop "github.com/Fableforge-Games/Tabletop/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	webhookAddr   string
	webhookSecret string
)

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookServeCmd)
	webhookServeCmd.Flags().StringVar(&webhookAddr, "addr", ":8090", "listen address")
	webhookServeCmd.Flags().StringVar(&webhookSecret, "secret", "", "webhook signing secret (or TABLETOP_WEBHOOK_SECRET)")
}

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Session webhook tools",
}

var webhookServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local webhook receiver that prints session events",
	Long:  "Listen for signed session webhooks and print each verified event.\nUseful for wiring bots and bridges without writing code first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := webhookSecret
		if secret == "" {
			secret = os.Getenv("TABLETOP_WEBHOOK_SECRET")
		}
		if secret == "" {
			return fmt.Errorf("a signing secret is required (--secret or TABLETOP_WEBHOOK_SECRET)")
		}

		wh, err := tabletop.NewSessionWebhook(secret, func(p *tabletop.WebhookPayload) (*tabletop.WebhookReply, error) {
			fmt.Printf("[%s] session=%s from=%s data=%s\n", p.Event, p.SessionID, p.Sender.Username, string(p.Data))
			return nil, nil
		})
		if err != nil {
			return err
		}

		http.Handle("/webhook", wh.HTTPHandler())
		fmt.Printf("Listening on %s (POST /webhook)\n", webhookAddr)
		return http.ListenAndServe(webhookAddr, nil)
	},
}
