package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tabletop "github.com/Fableforge-Games/Tabletop/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	sessionFlag   string
	characterFlag string
	rollReason    string
)

func init() {
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(rollCmd)
	rootCmd.AddCommand(sayCmd)
	rootCmd.AddCommand(syncCmd)

	for _, cmd := range []*cobra.Command{joinCmd, rollCmd, sayCmd} {
		cmd.Flags().StringVar(&sessionFlag, "session", "", "game session id (overrides config)")
		cmd.Flags().StringVar(&characterFlag, "character", "", "character id (overrides config)")
	}
	rollCmd.Flags().StringVar(&rollReason, "reason", "", "why the roll is being made")
}

// ============================================================================
// join
// ============================================================================

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a game session and tail its events",
	Long:  "Connect to a game session and print events as they arrive. Press Ctrl-C to leave.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, queue := getClient()
		defer queue.Close()
		target := resolveTarget(sessionFlag, characterFlag)

		session := client.Session(target)
		defer session.Close()

		session.OnRoomJoined(func(p tabletop.RoomJoinedPayload) {
			fmt.Printf("── joined session %s (%d players)\n", p.SessionID, len(p.Players))
			for _, player := range p.Players {
				name := player.Username
				if player.CharacterName != "" {
					name = fmt.Sprintf("%s (%s)", player.Username, player.CharacterName)
				}
				if player.IsDM {
					name += " [DM]"
				}
				fmt.Printf("   %s\n", name)
			}
		})
		session.OnPlayerJoined(func(p tabletop.PlayerJoinedPayload) {
			fmt.Printf("→ %s joined\n", p.Player.Username)
		})
		session.OnPlayerLeft(func(p tabletop.PlayerLeftPayload) {
			fmt.Printf("← %s left\n", p.Player.Username)
		})
		session.OnChatMessage(func(m tabletop.ChatMessagePayload) {
			fmt.Printf("[%s] %s\n", m.Username, m.Message)
		})
		session.OnDiceRoll(func(r tabletop.DiceRollPayload) {
			fmt.Printf("🎲 %s rolled %s: %v = %d\n", r.Username, r.Notation, r.Results, r.Total)
		})
		session.OnDMNarration(func(n tabletop.DMNarrationPayload) {
			fmt.Printf("*** %s\n", n.Text)
		})
		session.OnTurnChange(func(tc tabletop.TurnChangePayload) {
			fmt.Printf("— round %d, turn: %s\n", tc.Round, tc.ActiveUserID)
		})
		session.OnServerError(func(e tabletop.ServerErrorPayload) {
			fmt.Fprintf(os.Stderr, "server error: %s\n", e.Message)
		})
		session.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "connection lost, retrying in %s (attempt %d)\n", delay, attempt)
		})
		session.OnDisconnected(func(code int, reason string) {
			fmt.Fprintf(os.Stderr, "disconnected (%d): %s\n", code, reason)
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("failed to join session: %w", err)
		}

		<-ctx.Done()
		fmt.Println("\nleaving session...")
		return nil
	},
}

// ============================================================================
// roll
// ============================================================================

var rollCmd = &cobra.Command{
	Use:   "roll <notation>",
	Short: "Roll dice in the session",
	Long:  "Submit a dice roll (e.g. '2d6+3'). If the server is unreachable the roll is queued and replayed by 'tabletop sync'.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, queue := getClient()
		defer queue.Close()
		target := resolveTarget(sessionFlag, characterFlag)

		session := client.Session(target)
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Best effort: a live connection delivers the roll in real time, but
		// the roll goes through either way.
		if err := session.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "offline (%v), queuing roll\n", err)
		}

		ack, err := session.Send.DiceRoll(ctx, tabletop.DiceRollPayload{
			Notation: args[0],
			Reason:   rollReason,
		})
		if err != nil {
			return fmt.Errorf("roll failed: %w", err)
		}

		if ack.Status == tabletop.AckQueued {
			fmt.Printf("Roll queued (entry %d). Run 'tabletop sync' when back online.\n", ack.QueueID)
		} else {
			fmt.Println("Roll sent.")
		}
		return nil
	},
}

// ============================================================================
// say
// ============================================================================

var sayCmd = &cobra.Command{
	Use:   "say <message>",
	Short: "Send a chat message to the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, queue := getClient()
		defer queue.Close()
		target := resolveTarget(sessionFlag, characterFlag)

		session := client.Session(target)
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "offline (%v), queuing message\n", err)
		}

		ack, err := session.Send.ChatMessage(ctx, args[0])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if ack.Status == tabletop.AckQueued {
			fmt.Printf("Message queued (entry %d). Run 'tabletop sync' when back online.\n", ack.QueueID)
		} else {
			fmt.Println("Message sent.")
		}
		return nil
	},
}

// ============================================================================
// sync
// ============================================================================

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay actions queued while offline",
	Long:  "Drain the offline queue: replay every queued dice roll, chat message, and character update against the server in order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, queue := getClient()
		defer queue.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		before := 0
		for _, name := range []string{tabletop.QueueRolls, tabletop.QueueMessages, tabletop.QueueCharacterUpdates} {
			n, err := queue.Len(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to count queue: %w", err)
			}
			before += n
		}
		if before == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		userID := cfg.Default.UserID
		if userID == "" {
			userID = cfg.Default.Token
		}
		session := client.Session(tabletop.SessionTarget{
			SessionID: valueOrDefault(cfg.Session.SessionID, "offline-sync"),
			UserID:    userID,
		})
		defer session.Close()

		fmt.Printf("Syncing %d pending action(s)...\n", before)
		if err := session.Drain(ctx); err != nil {
			remaining, _ := session.PendingCount(ctx)
			return fmt.Errorf("sync incomplete, %d action(s) still queued: %w", remaining, err)
		}

		fmt.Println("All pending actions replayed.")
		return nil
	},
}
