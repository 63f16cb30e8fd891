package nucleus

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const authCodeBytes = 32

// GenerateAuthCode returns a fresh URL-safe authorization code carrying
// 256 bits of entropy.
func GenerateAuthCode() (string, error) {
	b := make([]byte, authCodeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ParseScope splits a space-delimited scope string, dropping duplicates
// but keeping the request order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
