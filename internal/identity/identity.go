// Package identity derives the stable, non-reversible identity key used to
// namespace session names and per-identity storage, and builds/parses
// session names from it.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
)

// DefaultIdentity is used for every connection when no auth token is
// configured.
const DefaultIdentity = "default"

// keyPrefixLen is the number of hex characters kept from the digest. Long
// enough to make collisions between distinct tokens practically impossible,
// short enough to keep session names readable.
const keyPrefixLen = 16

// product is the fixed prefix every session name carries.
const product = "termgate"

var suffixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Key derives the identity key for a shared-secret token. An empty token
// means auth is disabled and every connection shares DefaultIdentity.
func Key(token string) string {
	if token == "" {
		return DefaultIdentity
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:keyPrefixLen]
}

// TokenMatches performs a constant-time comparison of a presented token
// against the configured secret. Length is checked first via len(), which
// does not depend on secret content, before the constant-time primitive
// ever runs.
func TokenMatches(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	if len(configured) != len(presented) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// ValidSuffix reports whether a client-supplied sessionId is well formed.
func ValidSuffix(suffix string) bool {
	if suffix == "" {
		return true
	}
	return suffixPattern.MatchString(suffix)
}

// SessionName builds the server-controlled session name for an identity and
// an optional, already-validated user suffix.
func SessionName(identityKey, suffix string) string {
	if suffix == "" {
		return fmt.Sprintf("%s-%s", product, identityKey)
	}
	return fmt.Sprintf("%s-%s-%s", product, identityKey, suffix)
}

// IsManagedName reports whether a multiplexer session name was created by
// this gateway (as opposed to a user's own sessions living in the same
// multiplexer server), used by the stale-session reaper to scope what it
// may kill.
func IsManagedName(name string) bool {
	return len(name) > len(product)+1 && name[:len(product)+1] == product+"-"
}

// IdentityPrefix is the session-name prefix that all sessions for a given
// identity share, used by the registry's countForIdentityPrefix and by the
// REST surface's "list my sessions" filter.
func IdentityPrefix(identityKey string) string {
	return fmt.Sprintf("%s-%s", product, identityKey)
}
