package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/conversation-router/internal/config"
	"github.com/capitalize-ai/conversation-router/internal/middleware"
)

// newTokenCmd issues a support agent token signed with JWT_SECRET, for local testing.
func newTokenCmd() *cobra.Command {
	var (
		companyID string
		scopes    []string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a support agent access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if ttl <= 0 {
				ttl = cfg.JWTExpiration
			}
			tok, err := middleware.IssueToken(cfg.JWTSecret, args[0], companyID, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company the agent belongs to")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant, e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_EXPIRATION)")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}
