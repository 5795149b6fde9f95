package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	messaging "github.com/campusmarket/messaging-go"
	"github.com/spf13/cobra"
)

var (
	chatCounterpartName string
	chatItemTitle       string
)

func init() {
	chatCmd.Flags().StringVar(&chatCounterpartName, "name", "", "Counterpart display name (for new conversations)")
	chatCmd.Flags().StringVar(&chatItemTitle, "title", "", "Subject item title (for new conversations)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <counterpart-user-id> <item-id>",
	Short: "Open a conversation and chat interactively",
	Long: "Open (or start) the conversation with a counterpart about a marketplace item.\n" +
		"Incoming messages are printed as they arrive; lines you type are sent.\n" +
		"A conversation that does not exist yet is created on your first message.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		counterpartID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("counterpart-user-id must be an integer")
		}
		itemID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("item-id must be an integer")
		}

		cfg := requireAuth()
		client := getClient(cfg)
		session := messaging.NewSession(brokerURL(cfg), messaging.StaticToken(cfg.Auth.Token), nil)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		m := messaging.NewMessenger(client, session, cfg.Auth.UserID, nil)
		defer m.Close()

		m.On(messaging.EventConnectionState, func(_ string, payload any) {
			if state, ok := payload.(messaging.SessionState); ok && state != messaging.StateConnected {
				fmt.Printf("-- %s --\n", state)
			}
		})

		printed := make(map[int64]bool)
		m.On(messaging.EventConversationUpdated, func(_ string, payload any) {
			conv, ok := payload.(messaging.Conversation)
			if !ok {
				return
			}
			for _, msg := range conv.Messages {
				if printed[msg.ID] {
					continue
				}
				printed[msg.ID] = true
				printMessage(cfg, conv, msg)
			}
		})

		if err := m.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (continuing live-only)\n", err)
		}

		conv, err := m.Open(ctx, counterpartID, itemID, chatCounterpartName, chatItemTitle)
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		if conv.IsPlaceholder() {
			fmt.Println("New conversation; it is created on your first message.")
		}

		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := m.Send(ctx, line); err != nil {
					fmt.Fprintf(os.Stderr, "Not sent (%v). Try again.\n", err)
				}
			}
			stop()
		}()

		<-ctx.Done()
		fmt.Println("\nBye.")
		return nil
	},
}

func printMessage(cfg *Config, conv messaging.Conversation, msg messaging.Message) {
	when := msg.SentAt
	if t, err := time.Parse(time.RFC3339, msg.SentAt); err == nil {
		when = t.Local().Format("15:04")
	}
	switch msg.SenderID {
	case messaging.SystemSenderID:
		fmt.Printf("[%s] * %s\n", when, msg.Content)
	case cfg.Auth.UserID:
		fmt.Printf("[%s] you: %s\n", when, msg.Content)
	default:
		fmt.Printf("[%s] %s: %s\n", when, conv.CounterpartName, msg.Content)
	}
}
