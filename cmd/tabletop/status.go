package main

import (
	"context"
	"fmt"
	"time"

	tabletop "github.com/Fableforge-Games/Tabletop/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, queue state, and service health",
	Long:  "Display the current configuration, count actions pending in the offline queue, and check service health.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))

		fmt.Println()
		fmt.Println("Session defaults:")
		fmt.Printf("  Session:     %s\n", valueOrDefault(cfg.Session.SessionID, "(not set)"))
		fmt.Printf("  Character:   %s\n", valueOrDefault(cfg.Session.CharacterID, "(not set)"))

		// Pending offline actions.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		qpath, err := queuePath()
		if err != nil {
			return err
		}
		queue, err := tabletop.OpenSQLiteQueue(qpath)
		if err != nil {
			return fmt.Errorf("failed to open offline queue: %w", err)
		}
		defer queue.Close()

		fmt.Println()
		fmt.Println("Offline queue:")
		total := 0
		for _, q := range []struct{ name, label string }{
			{tabletop.QueueRolls, "Dice rolls"},
			{tabletop.QueueMessages, "Messages"},
			{tabletop.QueueCharacterUpdates, "Character updates"},
		} {
			n, err := queue.Len(ctx, q.name)
			if err != nil {
				return fmt.Errorf("failed to count %s: %w", q.name, err)
			}
			fmt.Printf("  %-18s %d\n", q.label+":", n)
			total += n
		}
		if total > 0 {
			fmt.Printf("  %d action(s) pending. Run 'tabletop sync' to replay them.\n", total)
		}

		// Live health check if we have a token.
		if cfg.Default.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Service:")

		opts := []tabletop.ClientOption{}
		if cfg.Default.BaseURL != "" {
			opts = append(opts, tabletop.WithBaseURL(cfg.Default.BaseURL))
		} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
			opts = append(opts, tabletop.WithEnvironment(tabletop.Environment(cfg.Default.Environment)))
		}
		client := tabletop.NewClient(cfg.Default.Token, opts...)

		result, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Health:      UNREACHABLE (%v)\n", err)
			return nil
		}
		if !result.OK {
			if result.Error != nil {
				fmt.Printf("  Health:      UNHEALTHY (%s: %s)\n", result.Error.Code, result.Error.Message)
			} else {
				fmt.Println("  Health:      UNHEALTHY")
			}
			return nil
		}
		fmt.Println("  Health:      OK")
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 16 {
		if len(key) <= 8 {
			return key
		}
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
