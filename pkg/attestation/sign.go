package attestation

import (
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/accordsai/honorlane/pkg/canonhash"
	"github.com/accordsai/honorlane/pkg/domain"
)

// Sign produces an att-v1 envelope for an intent. Issuers sign the
// canonical intent hash, never the raw JSON.
func Sign(intent domain.Intent, signer string, priv ed25519.PrivateKey, issuedAt time.Time) (Envelope, error) {
	hashHex, _, err := canonhash.CanonicalSHA256(intent)
	if err != nil {
		return Envelope{}, err
	}
	claimed, err := decodeLowerHex32(hashHex)
	if err != nil {
		return Envelope{}, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return Envelope{
		Version:     "att-v1",
		IntentID:    intent.ID,
		Signer:      signer,
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		Signature:   base64.StdEncoding.EncodeToString(ed25519.Sign(priv, claimed)),
		PayloadHash: hashHex,
		IssuedAt:    issuedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}
