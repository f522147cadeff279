package auth

import (
	"net/http"
	"strings"
)

// CookieName is the session cookie set by the credential service.
const CookieName = "access_token"

// TokenFromRequest extracts a bearer token from, in order, the access_token
// cookie, the Authorization header, and the token query parameter. Returns ""
// when none is present.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil {
		if tok := strings.Trim(c.Value, `"`); tok != "" {
			return tok
		}
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); tok != "" {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}
