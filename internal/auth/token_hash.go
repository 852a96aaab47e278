package auth

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// HashToken derives the storage key for a raw session token. A leaked store
// dump therefore exposes no usable credentials.
func HashToken(token string) string {
	digest := sha3.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
