package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates asymmetric tokens against a remote JWKS.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSProvider fetches the key set at jwksURL. The key set is refreshed
// in the background for the life of ctx.
func NewJWKSProvider(ctx context.Context, jwksURL, issuer string) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{issuer: issuer, jwks: jwks}, nil
}

// newJWKSProviderFromKeyfunc is used by tests with a static key set.
func newJWKSProviderFromKeyfunc(kf keyfunc.Keyfunc, issuer string) *JWKSProvider {
	return &JWKSProvider{issuer: issuer, jwks: kf}
}

// ValidateToken parses a JWKS-signed JWT and returns an Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrAuthRequired
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, p.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return identityFromClaims(claims)
}

// Name returns the key source name.
func (p *JWKSProvider) Name() string { return "jwks" }
