// Package fingerprint derives stable cache keys from analysis text.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Normalize case-folds text, collapses runs of whitespace to a single space
// and trims the ends.
func Normalize(text string) string {
	folded := cases.Fold().String(norm.NFKC.String(text))
	return strings.Join(strings.Fields(folded), " ")
}

// Fingerprint returns the hex SHA-256 digest of the normalized text.
// The digest is unseeded, so keys are stable across restarts.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Valid reports whether key looks like a fingerprint.
func Valid(key string) bool {
	if len(key) != Size {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}
