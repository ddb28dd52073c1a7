package main

import (
	"fmt"
	"os"
	"time"

	pulse "github.com/pulse-im/pulse-go"
)

// getClient creates a Pulse client authenticated from the stored config.
// Exits with a hint when credentials are missing.
func getClient() (*pulse.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No access token. Run 'pulse login <token> --user <id>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'pulse config set default.base_url <url>' first.")
		os.Exit(1)
	}
	return pulse.NewClient(cfg.Default.BaseURL, pulse.WithToken(cfg.Auth.Token)), cfg
}

// formatWhen renders a timestamp relative to now for list output.
func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}

// preview renders a message for one-line list output.
func preview(m *pulse.Message) string {
	if m == nil {
		return "(no messages)"
	}
	if m.Type == pulse.MessageImage {
		return "[image]"
	}
	content := m.Content
	if len(content) > 48 {
		content = content[:45] + "..."
	}
	return content
}
