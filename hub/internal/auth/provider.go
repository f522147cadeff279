package auth

import (
	"context"
	"time"
)

// Identity is the verified caller behind a connection or request.
type Identity struct {
	Subject string // stable user id from the token
	Name    string // display name claim, defaults to Subject
}

// Validator validates bearer tokens and returns identities. Implementations
// must be safe for concurrent use; the gateway calls them off the event loop.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// Issuer mints session tokens. Only the hmac key source can issue.
type Issuer interface {
	Issue(subject, name string, ttl time.Duration) (string, error)
}
