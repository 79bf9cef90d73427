package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/auth"
)

// TokenCmd mints a signed access token for development and for worker
// agents.
func TokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token",
		Example: `  signon token --sub alice --role requester
  signon token --sub agent-1 --role worker --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ServerConfig
			if subject == "" {
				return apperr.Validation("--sub is required")
			}
			var granted []auth.Role
			for _, r := range roles {
				role := auth.Role(r)
				if !role.Valid() {
					return apperr.Validation("unknown role %q", r)
				}
				granted = append(granted, role)
			}
			if len(granted) == 0 {
				return apperr.Validation("at least one --role is required")
			}
			if ttl <= 0 {
				ttl = c.Auth.AccessExpire
			}
			tok, err := auth.Mint(c.Auth.AccessSecret, c.Auth.Issuer, subject, granted, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "principal id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "requester, operator or worker (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.accessExpire)")
	return cmd
}
