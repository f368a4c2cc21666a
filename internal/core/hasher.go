package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const digestSeed = "PositionLedger:bin:v1"

// Digest computes SHA-256(seed || canonical JSON of the result). Two runs of
// a processor over identical inputs must produce the same digest.
// encoding/json sorts map keys, so the encoding is canonical.
func Digest(res *BinResult) (string, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode bin result: %w", err)
	}

	hasher := sha256.New()
	hasher.Write([]byte(digestSeed))
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ChainDigest links a bin digest to the previous one for the same account:
// SHA-256(prev || digest). Used to log a per-account audit chain.
func ChainDigest(prev, digest string) string {
	sum := sha256.Sum256([]byte(prev + digest))
	return hex.EncodeToString(sum[:])
}
