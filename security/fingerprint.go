package security

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

const fingerprintPrefix = "b3:"

// Fingerprint identifies a bundle in logs and the ledger without exposing it.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return fingerprintPrefix + hex.EncodeToString(sum[:])
}
