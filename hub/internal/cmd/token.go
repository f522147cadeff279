package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkwell-labs/inkwell/hub/internal/auth"
	"github.com/inkwell-labs/inkwell/hub/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [config-file]",
		Short: "Mint a client token signed with the configured HMAC secret",
		Long: "Mint a client token for local testing and for the watch command. " +
			"Only available when auth.key_source is hmac.",
		Args: cobra.MaximumNArgs(1),
		RunE: runToken,
	}
	cmd.Flags().String("subject", "", "token subject (user id)")
	cmd.Flags().String("name", "", "display name claim (default: subject)")
	cmd.Flags().Duration("ttl", 0, "token lifetime (default: auth.jwt_expiry)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	subject, _ := cmd.Flags().GetString("subject")
	name, _ := cmd.Flags().GetString("name")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := config.Load(resolveConfigPath(cmd, args, defaultConfigPath))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	tok, err := issueToken(cfg.Auth, subject, name, ttl)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

func issueToken(cfg config.AuthConfig, subject, name string, ttl time.Duration) (string, error) {
	if cfg.KeySource != "hmac" {
		return "", fmt.Errorf("tokens can only be minted with an hmac key source, this hub uses %q", cfg.KeySource)
	}
	if name == "" {
		name = subject
	}
	tok, err := auth.NewService(cfg).Issue(subject, name, ttl)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return tok, nil
}
