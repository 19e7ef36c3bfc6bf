package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash computes the content-addressable hash of transferred bytes.
func ContentHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// ShortHash returns a shortened version of the hash for display purposes.
func ShortHash(fullHash string) string {
	// Remove "sha256:" prefix and take first 12 chars
	if len(fullHash) > 19 {
		return fullHash[7:19]
	}
	return fullHash
}

// Key identifies the session moving data with the given hash to or from target.
func Key(hash, target string) string {
	return hash + "@" + target
}

// keyToFilename converts a key to a safe filename.
func keyToFilename(key string) string {
	key = strings.TrimPrefix(key, "sha256:")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}
