// Package auth verifies session tokens presented by canvas clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/inkwell-labs/inkwell/hub/internal/config"
)

var (
	ErrAuthRequired = errors.New("auth required")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims represents the JWT token claims. UserID carries the issuer's user
// id; tokens without it fall back to the registered subject.
type Claims struct {
	UserID string `json:"uid,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Service validates and issues HS256 session tokens with a shared secret.
type Service struct {
	jwtSecret []byte
	jwtExpiry time.Duration
	now       func() time.Time
}

// NewService creates a new HMAC token service.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
		now:       time.Now,
	}
}

// Name returns the key source name.
func (s *Service) Name() string { return "hmac" }

// ValidateToken verifies the token signature and expiry and returns the identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrAuthRequired
	}
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return identityFromClaims(claims)
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Issue signs a token for subject valid for ttl. A zero ttl uses the
// configured expiry.
func (s *Service) Issue(subject, name string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("issue token: empty subject")
	}
	if ttl == 0 {
		ttl = s.jwtExpiry
	}
	now := s.now()
	claims := &Claims{
		UserID: subject,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func identityFromClaims(c *Claims) (*Identity, error) {
	subject := c.UserID
	if subject == "" {
		subject = c.Subject
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	name := c.Name
	if name == "" {
		name = subject
	}
	return &Identity{Subject: subject, Name: name}, nil
}

// classify maps jwt parse errors onto the package sentinels.
func classify(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}
