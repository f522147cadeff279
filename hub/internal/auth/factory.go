package auth

import (
	"context"
	"fmt"

	"github.com/inkwell-labs/inkwell/hub/internal/config"
)

// NewValidator creates a token Validator based on configuration.
func NewValidator(ctx context.Context, cfg config.AuthConfig) (Validator, error) {
	switch cfg.KeySource {
	case "jwks":
		return NewJWKSProvider(ctx, cfg.JWKSURL, cfg.Issuer)
	case "hmac", "":
		return NewService(cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth key source: %q", cfg.KeySource)
	}
}
