package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initUserID int64

func init() {
	initCmd.Flags().Int64Var(&initUserID, "user-id", 0, "Viewer user id the token belongs to")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store bearer token in ~/.unichat/config.toml",
	Long:  "Initialize the unichat CLI by storing your marketplace bearer token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initUserID != 0 {
			cfg.Auth.UserID = initUserID
		}
		if cfg.Auth.UserID == 0 {
			return fmt.Errorf("viewer user id is required: pass --user-id or set auth.user_id")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
