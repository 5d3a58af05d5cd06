// Package attestation verifies signed spend intents: signature over the
// canonical intent hash, replay nonce, and expiry, in that order. The
// verifier fails closed with a specific reason code for each check.
package attestation

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/accordsai/honorlane/pkg/canonhash"
	"github.com/accordsai/honorlane/pkg/domain"
)

var (
	ErrUnsupportedVersion  = errors.New("unsupported envelope version")
	ErrInvalidIssuedAt     = errors.New("invalid issued_at")
	ErrPayloadHashMismatch = errors.New("payload hash mismatch")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrInvalidEncoding     = errors.New("invalid encoding")
	ErrUnknownSigner       = errors.New("signer not allow-listed for subject")
)

// Result is the verification outcome. Reason is set only when Valid is
// false and is one of domain.ReasonBadSignature, ReasonReplayedNonce,
// ReasonExpired.
type Result struct {
	Valid    bool
	Reason   string
	IssuedAt time.Time
}

// Verifier checks attestations against an immutable signer allow-list.
// Keys are allow-listed per subject: a signature that recovers to a key not
// registered for the claimed subject is a BAD_SIGNATURE, not an authz error.
type Verifier struct {
	allow  map[string][]ed25519.PublicKey
	nonces *NonceWindow
	clock  func() time.Time
}

func NewVerifier(allow map[string][]ed25519.PublicKey, nonces *NonceWindow) *Verifier {
	cloned := make(map[string][]ed25519.PublicKey, len(allow))
	for subject, keys := range allow {
		cloned[subject] = append([]ed25519.PublicKey(nil), keys...)
	}
	return &Verifier{allow: cloned, nonces: nonces, clock: time.Now}
}

// WithClock overrides the time source, for tests.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify runs the checks in fixed order: signature, nonce, expiry. The
// nonce is consumed only after the signature verifies, so a forged
// envelope cannot burn a legitimate nonce.
func (v *Verifier) Verify(intent domain.Intent, env Envelope) Result {
	if err := v.verifySignature(intent, env); err != nil {
		return Result{Reason: domain.ReasonBadSignature}
	}
	now := v.clock().UTC()
	if !v.nonces.CheckAndInsert(intent.Nonce, intent.ID, now) {
		return Result{Reason: domain.ReasonReplayedNonce}
	}
	if intent.Expiry.Before(now) {
		return Result{Reason: domain.ReasonExpired}
	}
	issuedAt, _ := time.Parse(time.RFC3339Nano, env.IssuedAt)
	return Result{Valid: true, IssuedAt: issuedAt.UTC()}
}

func (v *Verifier) verifySignature(intent domain.Intent, env Envelope) error {
	if strings.TrimSpace(env.Version) != "att-v1" {
		return ErrUnsupportedVersion
	}
	if env.IntentID != intent.ID {
		return ErrInvalidSignature
	}
	if strings.TrimSpace(env.IssuedAt) == "" {
		return ErrInvalidIssuedAt
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, env.IssuedAt)
	if err != nil {
		return ErrInvalidIssuedAt
	}
	if !strings.HasSuffix(env.IssuedAt, "Z") || !issuedAt.Equal(issuedAt.UTC()) {
		return ErrInvalidIssuedAt
	}

	expectedHex, _, err := canonhash.CanonicalSHA256(intent)
	if err != nil {
		return err
	}
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return ErrInvalidEncoding
	}
	claimed, err := decodeLowerHex32(strings.TrimSpace(env.PayloadHash))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected, claimed) != 1 {
		return ErrPayloadHashMismatch
	}

	publicKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.PublicKey))
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidEncoding
	}
	if !v.allowed(intent.SubjectID, publicKey) {
		return ErrUnknownSigner
	}
	signature, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Signature))
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), claimed, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Verifier) allowed(subjectID string, key []byte) bool {
	for _, k := range v.allow[subjectID] {
		if subtle.ConstantTimeCompare(k, key) == 1 {
			return true
		}
	}
	return false
}

func decodeLowerHex32(s string) ([]byte, error) {
	if s == "" || s != strings.ToLower(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}
