package helpers

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateToken returns n random bytes, hex encoded.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", n)
	}

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// GenerateCodeChallenge derives the S256 PKCE challenge for a verifier.
func GenerateCodeChallenge(pkceVerifier string) string {
	sum := sha256.Sum256([]byte(pkceVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// TokensEqual compares two opaque tokens without leaking timing. Empty values never match.
func TokensEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HostAllowed matches host against a list of patterns. A pattern is either an exact host or a
// "*.example.com" wildcard, which matches subdomains but not the bare domain. Ports are
// compared as part of the host.
func HostAllowed(host string, patterns []string) bool {
	host = strings.ToLower(host)
	if host == "" {
		return false
	}

	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}

		if suffix, ok := strings.CutPrefix(p, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}

		if host == p {
			return true
		}
	}

	return false
}
