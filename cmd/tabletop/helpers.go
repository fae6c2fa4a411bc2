package main

import (
	"fmt"
	"os"

	tabletop "github.com/Fableforge-Games/Tabletop/sdk/golang"
)

// getClient creates a Fableforge client from the stored configuration. The
// offline queue is backed by the SQLite file in ~/.tabletop so queued actions
// survive across CLI invocations.
func getClient() (*tabletop.Client, *tabletop.SQLiteQueue) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'tabletop init <token>' first.")
		os.Exit(1)
	}

	qpath, err := queuePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve queue path: %v\n", err)
		os.Exit(1)
	}
	queue, err := tabletop.OpenSQLiteQueue(qpath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open offline queue: %v\n", err)
		os.Exit(1)
	}

	opts := []tabletop.ClientOption{tabletop.WithQueue(queue)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, tabletop.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, tabletop.WithEnvironment(tabletop.Environment(cfg.Default.Environment)))
	}

	return tabletop.NewClient(cfg.Default.Token, opts...), queue
}

// resolveTarget builds the session target from config and flag overrides.
func resolveTarget(sessionFlag, characterFlag string) tabletop.SessionTarget {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	target := tabletop.SessionTarget{
		SessionID:   cfg.Session.SessionID,
		UserID:      cfg.Default.UserID,
		CharacterID: cfg.Session.CharacterID,
	}
	if target.UserID == "" {
		target.UserID = cfg.Default.Token
	}
	if sessionFlag != "" {
		target.SessionID = sessionFlag
	}
	if characterFlag != "" {
		target.CharacterID = characterFlag
	}
	if target.SessionID == "" {
		fmt.Fprintln(os.Stderr, "No session. Pass --session or run 'tabletop config set session.session_id <id>'.")
		os.Exit(1)
	}
	return target
}
