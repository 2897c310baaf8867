package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"remote-clauding/internal/auth"
	"remote-clauding/internal/config"
	"remote-clauding/internal/push"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a relay token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			v, err := auth.NewJWTValidator(cfg.Auth.JWTSecret)
			if err != nil {
				return err
			}
			token, err := v.Issue(subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "agent", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, 0 for no expiry")
	return cmd
}

func newVAPIDKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for push notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", keys.PublicKey, keys.PrivateKey)
			return err
		},
	}
}
