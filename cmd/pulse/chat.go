package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pulse "github.com/pulse-im/pulse-go"
	"github.com/spf13/cobra"
)

var (
	conversationsJSON bool

	messagesJSON bool

	sendTo    string
	sendText  string
	sendImage string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(conversationsCmd)

	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(messagesCmd)

	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient user id (required)")
	sendCmd.Flags().StringVar(&sendText, "text", "", "text content to send")
	sendCmd.Flags().StringVar(&sendImage, "image", "", "path of an image file to send")
	_ = sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)

	rootCmd.AddCommand(unreadCmd)
}

// ============================================================================
// pulse conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, _ := json.MarshalIndent(convs, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for i := range convs {
			c := &convs[i]
			name := c.ID
			if peer := pulse.GetOtherParticipant(c, cfg.Auth.UserID); peer != nil {
				name = peer.Username
			}
			marker := " "
			if c.UnreadCount > 0 {
				marker = fmt.Sprintf("(%d)", c.UnreadCount)
			}
			fmt.Printf("%-24s %-3s %-48s %s\n", name, marker, preview(c.LastMessage), formatWhen(c.LastMessageAt))
		}
		return nil
	},
}

// ============================================================================
// pulse messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Messages.ListByConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			data, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		var prev *pulse.Message
		for i := range msgs {
			m := &msgs[i]
			if pulse.NeedsTimeDivider(prev, m) {
				fmt.Printf("--- %s ---\n", m.CreatedAt.Format("Jan 2 15:04"))
			}
			who := m.Sender.ID
			if m.Sender.Profile != nil {
				who = m.Sender.Profile.Username
			}
			if m.Sender.ID == cfg.Auth.UserID {
				who = "me"
			}
			fmt.Printf("%s: %s\n", who, preview(m))
			prev = m
		}
		return nil
	},
}

// ============================================================================
// pulse send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id>",
	Short: "Send a text or image message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (sendText == "") == (sendImage == "") {
			return fmt.Errorf("exactly one of --text or --image is required")
		}

		client, _ := getClient()
		conversationID := args[0]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var msg *pulse.Message
		var err error
		if sendText != "" {
			msg, err = client.Messages.SendText(ctx, pulse.SendTextRequest{
				ConversationID: conversationID,
				RecipientID:    sendTo,
				Content:        sendText,
			})
		} else {
			var f *os.File
			f, err = os.Open(sendImage)
			if err != nil {
				return fmt.Errorf("cannot open image: %w", err)
			}
			defer f.Close()
			msg, err = client.Messages.SendImage(ctx, conversationID, sendTo, pulse.ImageUpload{
				FileName: filepath.Base(sendImage),
				Body:     f,
			})
		}
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent %s message %s\n", msg.Type, msg.ID)
		return nil
	},
}

// ============================================================================
// pulse unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total unread message count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		n, err := client.Messages.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println(n)
		return nil
	},
}
