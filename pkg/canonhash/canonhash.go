// Package canonhash computes the canonical payload hash signed by intent
// issuers: json.Marshal(v) bytes hashed with SHA256, lower hex.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

func CanonicalSHA256(v any) (hexHash string, bytes []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

func HashStringSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
