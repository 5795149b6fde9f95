package main

import (
	"fmt"
	"os"
	"strings"

	messaging "github.com/campusmarket/messaging-go"
)

// requireAuth loads the config and verifies a token and user id are present.
func requireAuth() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'unichat init <token> --user-id <id>' first.")
		os.Exit(1)
	}
	if cfg.Auth.UserID == 0 {
		fmt.Fprintln(os.Stderr, "No viewer user id. Run 'unichat config set auth.user_id <id>' first.")
		os.Exit(1)
	}
	return cfg
}

// getClient creates a messaging client from the stored configuration.
// An empty base_url falls back to the SDK default.
func getClient(cfg *Config) *messaging.Client {
	return messaging.NewClient(cfg.Default.BaseURL, messaging.StaticToken(cfg.Auth.Token))
}

// brokerURL derives the websocket endpoint when none is configured.
func brokerURL(cfg *Config) string {
	if cfg.Default.BrokerURL != "" {
		return cfg.Default.BrokerURL
	}
	base := cfg.Default.BaseURL
	if base == "" {
		base = messaging.DefaultBaseURL
	}
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return strings.TrimRight(base, "/") + "/ws"
}
