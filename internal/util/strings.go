package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TokenLogPrefixLen is how much of a code or token may appear in logs.
const TokenLogPrefixLen = 8

// SafeTruncate returns at most maxLen bytes of s. A negative maxLen yields "".
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenPrefix returns the log-safe prefix of a credential.
func TokenPrefix(token string) string {
	return SafeTruncate(token, TokenLogPrefixLen)
}

// HashToken returns the lowercase hex SHA-256 of token. Refresh tokens are
// stored and looked up only by this value.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL strips trailing slashes so "https://a/" and "https://a" compare
// equal. Only used for issuer and audience configuration, never for redirect
// URIs, which are matched byte for byte.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
