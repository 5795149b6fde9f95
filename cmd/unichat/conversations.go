package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var conversationsJSON bool

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conversations, err := client.Conversations().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, _ := json.MarshalIndent(conversations, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, c := range conversations {
			last := "(no messages)"
			if c.LastMessage != nil {
				last = c.LastMessage.Content
				if len(last) > 48 {
					last = last[:45] + "..."
				}
			}
			fmt.Printf("%6d  %-20s  %-24s  %s\n", c.ID, c.CounterpartName, c.ItemTitle, last)
		}
		return nil
	},
}
