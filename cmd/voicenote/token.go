package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/voicenote/internal/middleware"
)

// TokenCmd creates the token command
func TokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a server with auth_secret set",
		Long: `Print an HS256 token signed with server.auth_secret. Put it in
client.token or pass it as ?token= on the session URL.

Examples:
  voicenote token --subject phone
  voicenote token --subject laptop --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := AppConfig.Server.AuthSecret
			if secret == "" {
				return errors.New("server.auth_secret is not set")
			}
			token, err := middleware.CreateToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "voicenote-client", "subject claim identifying the client")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = never expires)")

	return cmd
}
