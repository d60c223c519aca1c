package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}

// CacheKey hashes normalised parts into a stable key suffix.
func CacheKey(parts ...string) string {
	normalised := make([]string, len(parts))
	for i, p := range parts {
		normalised[i] = strings.ToLower(strings.Join(strings.Fields(p), " "))
	}
	return HashString(strings.Join(normalised, "\x1f"))
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
