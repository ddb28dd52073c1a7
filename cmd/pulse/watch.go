package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	pulse "github.com/pulse-im/pulse-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "log connection events")
	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// pulse watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages and typing events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg := getClient()

		logger := zerolog.Nop()
		if watchVerbose {
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				With().Timestamp().Logger()
		}

		rt := pulse.NewRealtimeClient(cfg.Default.BaseURL, &pulse.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
			Logger:        &logger,
		})

		rt.OnNewMessage(func(m pulse.Message) {
			who := m.Sender.ID
			if m.Sender.Profile != nil {
				who = m.Sender.Profile.Username
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), who, preview(&m))
		})
		rt.OnUserTyping(func(ev pulse.TypingEvent) {
			fmt.Printf("%s is typing...\n", ev.UserID)
		})
		rt.OnUserStopTyping(func(ev pulse.TypingEvent) {
			fmt.Printf("%s stopped typing\n", ev.UserID)
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "connection lost, retrying in %s (attempt %d)\n", delay, attempt)
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Connected. Press Ctrl+C to stop.")

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "Shutting down...")
		return rt.Close()
	},
}
