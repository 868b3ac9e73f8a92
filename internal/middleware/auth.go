// Bearer-token authentication for the REST surface. The WebSocket path
// authenticates through its own first-frame protocol and never passes
// through here.

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"termgate/internal/identity"
)

// IdentityKeyContextKey is the gin context key under which the
// authenticated caller's identity hash is stored.
const IdentityKeyContextKey = "identity_hash"

// AuthConfig carries what the auth middleware needs from the process
// configuration.
type AuthConfig struct {
	// Token is the shared secret. Empty disables authentication and every
	// caller shares identity.DefaultIdentity.
	Token string

	// APIKeyHashes holds bcrypt hashes of optional named REST API keys
	// (TERMGATE_API_KEY_HASHES, comma-separated). A presented X-API-Key
	// matching any hash authenticates as the same identity as the shared
	// token. Never consulted on the WebSocket path.
	APIKeyHashes []string
}

// BearerAuth enforces the Authorization header on every REST route except
// the ones mounted outside it (health). On success the caller's identity
// hash is placed in the gin context.
func BearerAuth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Token == "" {
			c.Set(IdentityKeyContextKey, identity.DefaultIdentity)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header != "" {
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header {
				unauthorized(c)
				return
			}
			if !identity.TokenMatches(cfg.Token, token) {
				unauthorized(c)
				return
			}
			// Header wins, but a second credential that does not match is
			// rejected rather than silently ignored.
			if apiKey := c.GetHeader("X-API-Key"); apiKey != "" && !matchesAnyKeyHash(cfg.APIKeyHashes, apiKey) {
				unauthorized(c)
				return
			}
			c.Set(IdentityKeyContextKey, identity.Key(cfg.Token))
			c.Next()
			return
		}

		if apiKey := c.GetHeader("X-API-Key"); apiKey != "" && matchesAnyKeyHash(cfg.APIKeyHashes, apiKey) {
			c.Set(IdentityKeyContextKey, identity.Key(cfg.Token))
			c.Next()
			return
		}

		unauthorized(c)
	}
}

func matchesAnyKeyHash(hashes []string, presented string) bool {
	for _, h := range hashes {
		if h == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(presented)) == nil {
			return true
		}
	}
	return false
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// IdentityHash returns the identity hash the auth middleware stored for
// this request, or identity.DefaultIdentity if none (unauthenticated
// routes).
func IdentityHash(c *gin.Context) string {
	if v, ok := c.Get(IdentityKeyContextKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return identity.DefaultIdentity
}
