package cmd

import (
	"fmt"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/pkg/tokens"
	"github.com/spf13/cobra"
)

var deleteToken string

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage the tokens issued to services",
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List services holding a token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openTokenStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		services, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range services {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke <service>",
	Short: "Remove a service's token without the token itself",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTokenStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Revoke(cmd.Context(), args[0]); err != nil {
			return err
		}
		rootLog.Info("Token revoked", "service", args[0])
		return nil
	},
}

var tokensDeleteCmd = &cobra.Command{
	Use:   "delete <service>",
	Short: "Remove a service's token after verifying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if deleteToken == "" {
			return fmt.Errorf("--token is required")
		}
		store, err := openTokenStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(cmd.Context(), args[0], deleteToken); err != nil {
			return err
		}
		rootLog.Info("Token deleted", "service", args[0])
		return nil
	},
}

// openTokenStore opens the broker's configured token store
func openTokenStore(cmd *cobra.Command) (tokens.Store, error) {
	cfg, err := loadConfig(config.ModeServer)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Server.Tokens.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := initLogger(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return tokens.Open(cmd.Context(), cfg.Server.Tokens, rootLog)
}

func init() {
	tokensDeleteCmd.Flags().StringVar(&deleteToken, "token", "", "The service's current token")

	tokensCmd.AddCommand(tokensListCmd, tokensRevokeCmd, tokensDeleteCmd)
	rootCmd.AddCommand(tokensCmd)
}
