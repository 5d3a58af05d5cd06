package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	hmacSignatureHeader = "X-Settlement-Signature"
	hmacEventIDHeader   = "X-Settlement-Event-Id"
	hmacScheme          = "settlement-hmac-sha256/v1"
)

var ErrEmptySecret = errors.New("webhook verifier secret is empty")

type hmacVerifier struct {
	provider string
}

// NewHMACVerifier verifies hex HMAC-SHA256 over the raw body, keyed by the
// per-endpoint shared secret.
func NewHMACVerifier(provider string) Verifier {
	return &hmacVerifier{provider: strings.TrimSpace(provider)}
}

func (v *hmacVerifier) Provider() string {
	return v.provider
}

func (v *hmacVerifier) Verify(headers http.Header, rawBody []byte, _ time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, ErrEmptySecret
	}

	res := VerificationResult{
		Scheme: hmacScheme,
		Details: map[string]any{
			"provider":                 v.provider,
			"signature_header_present": false,
		},
		ProviderEventID: strings.TrimSpace(headers.Get(hmacEventIDHeader)),
	}

	sigHex := strings.TrimSpace(headers.Get(hmacSignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	res.Details["signature_header_present"] = true

	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return res, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	res.Valid = hmac.Equal(mac.Sum(nil), provided)
	return res, nil
}
