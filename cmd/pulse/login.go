package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	loginUserID   string
	loginUsername string
)

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user", "", "authenticated user id (required)")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "display username")
	_ = loginCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store the access token in ~/.pulse/config.toml",
	Long:  "Store the bearer token and user identity used for REST calls and the realtime connection.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = loginUserID
		if loginUsername != "" {
			cfg.Auth.Username = loginUsername
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
