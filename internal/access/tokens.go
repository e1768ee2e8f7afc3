package access

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// KeyPrefix is the recognizable literal prefix of API keys. A Bearer token
// starting with it is treated as an API key rather than a session token.
const KeyPrefix = "sk_"

// HashToken returns the hex SHA-256 digest used for token and key lookups.
// Storage only ever sees the digest, never the plaintext.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MatchesKeyShape reports whether raw follows the API key convention.
func MatchesKeyShape(raw string) bool {
	return strings.HasPrefix(raw, KeyPrefix)
}

// hashEqual compares two hex digests in constant time.
func hashEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
