package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AlexKimmel/GateRelay/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a configured user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg := rt.cfg

			known := false
			for _, u := range cfg.Auth.Users {
				if u.ID != subject {
					continue
				}
				if u.Disabled {
					return fmt.Errorf("user %q is disabled", subject)
				}
				known = true
			}
			if !known {
				return fmt.Errorf("user %q is not in auth.users", subject)
			}

			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL()
			}
			tok, exp, err := auth.NewIssuer(cfg.Auth.SecretKey, cfg.Auth.Issuer, ttl).Issue(subject)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "User id to issue the token for")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.token_ttl_minutes)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
