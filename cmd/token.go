package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/auth"
	"github.com/elskow/binder-build/internal/config"
	"github.com/elskow/binder-build/internal/server"
)

var (
	tokenSubject string
	hashKey      string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token, or hash a key for auth.api_key_hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKey != "" {
			svc := auth.NewService(&config.AuthConfig{}, zap.NewNop())
			hash, err := svc.HashKey(hashKey)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		}

		cfg, err := server.LoadConfig()
		if err != nil {
			return err
		}
		token, err := auth.NewService(&cfg.Auth, zap.NewNop()).GenerateToken(tokenSubject)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", auth.KeySubject, "token subject")
	tokenCmd.Flags().StringVar(&hashKey, "hash", "", "print a bcrypt hash of this key instead of a token")
}
