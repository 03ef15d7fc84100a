package main

import (
	"fmt"
	"time"

	"github.com/rongwang/titleforge/internal/service"
	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

// tokenCmd issues a bearer token for local use
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for a user",
	Long: `Sign an HS256 token with JWT_SECRET whose subject is the given user.

Example:
  curl -H "Authorization: Bearer $(titleforge token --user alice)" localhost:8080/api/balance`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := service.IssueToken(cfg.Auth.JWTSecret, tokenUser, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id to put in the token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}
