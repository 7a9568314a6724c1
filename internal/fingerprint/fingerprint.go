// Package fingerprint computes the content hash used to deduplicate deal
// submissions. Two texts that differ only in incidental whitespace or Unicode
// composition form produce the same fingerprint; any content difference
// produces a different one. Case is preserved.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the canonical form of raw text: NFC-composed, trimmed,
// with every run of whitespace collapsed to a single space.
func Normalize(text string) string {
	composed := norm.NFC.String(text)
	return strings.Join(strings.Fields(composed), " ")
}

// Hash returns the hex-encoded SHA-256 digest of the normalized text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
