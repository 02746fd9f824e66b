package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/stravasync/internal/session"
)

const configCodeInvalidSessionTTL = "config.invalid_session_ttl"

// newSessionTokenCommand mints a session token for local testing against the API.
func newSessionTokenCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "session-token",
		Short: "Print a signed session token for local testing",
		Args:  cobra.NoArgs,
		RunE:  runSessionToken,
	}
	command.Flags().String("user_id", "", "Application user id to embed")
	command.Flags().String("email", "", "User email to embed")
	command.Flags().Duration("ttl", time.Hour, "Token lifetime")
	command.Flags().String("jwt_signing_key", "", "HS256 secret; defaults to APP_JWT_SIGNING_KEY")
	command.Flags().String("session_issuer", "", "Issuer claim; defaults to APP_SESSION_ISSUER or tauth")
	return command
}

func runSessionToken(command *cobra.Command, arguments []string) error {
	userID, _ := command.Flags().GetString("user_id")
	email, _ := command.Flags().GetString("email")
	ttl, _ := command.Flags().GetDuration("ttl")
	signingKey, _ := command.Flags().GetString("jwt_signing_key")
	issuer, _ := command.Flags().GetString("session_issuer")

	if signingKey == "" {
		signingKey = viper.GetString("jwt_signing_key")
	}
	if signingKey == "" {
		return configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = viper.GetString("session_issuer")
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = "tauth"
	}
	if ttl <= 0 {
		return configError(configCodeInvalidSessionTTL, "ttl must be greater than zero")
	}

	token, expiresAt, err := session.Mint(nil, session.MintRequest{
		UserID:     userID,
		Email:      email,
		Roles:      []string{"user"},
		Issuer:     issuer,
		SigningKey: []byte(signingKey),
		TTL:        ttl,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(command.OutOrStdout(), token)
	fmt.Fprintf(command.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
