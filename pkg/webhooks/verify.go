// Package webhooks verifies signed settlement confirmations pushed by
// honoring providers. Verification is observational only: a valid
// confirmation reduces channel exposure, an invalid one is recorded and
// dropped, and neither path touches the ledger.
package webhooks

import (
	"net/http"
	"time"
)

type VerificationResult struct {
	Valid           bool           `json:"valid"`
	Scheme          string         `json:"scheme"`
	Details         map[string]any `json:"details"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
}

type Verifier interface {
	Provider() string
	Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error)
}
