package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(soldCmd)
}

var soldCmd = &cobra.Command{
	Use:   "sold <conversation-id>",
	Short: "Mark a conversation's item as sold",
	Long:  "Signal the backend that the item discussed in the conversation is no longer available.\nFurther sending on the conversation is disabled.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("conversation-id must be an integer")
		}

		cfg := requireAuth()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Items().MarkSold(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Item marked as sold.")
		return nil
	},
}
