package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/accordsai/honorlane/pkg/domain"
)

// HTTPAdapter bridges a honoring channel to a provider-facing service over
// a single POST endpoint. Status mapping keeps the retry policy honest:
// 2xx honored, auth and validation failures terminal, everything else
// retryable transport.
type HTTPAdapter struct {
	BridgeURL string
	HTTP      *http.Client
}

func NewHTTPAdapter(bridgeURL string) *HTTPAdapter {
	return &HTTPAdapter{BridgeURL: bridgeURL, HTTP: &http.Client{}}
}

type honorResponse struct {
	ExternalRef string `json:"external_ref"`
	Proof       string `json:"proof"`
	Reason      string `json:"reason"`
}

func (a *HTTPAdapter) Honor(ctx context.Context, ob domain.ClearedObligation) Outcome {
	body, err := json.Marshal(ob)
	if err != nil {
		return Outcome{Status: domain.AttemptFailedTerminal, Reason: domain.ReasonInvalidDestination}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BridgeURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Status: domain.AttemptFailedTerminal, Reason: domain.ReasonInvalidDestination}
	}
	req.Header.Set("content-type", "application/json")

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return Outcome{Status: domain.AttemptFailedRetry, Reason: fmt.Sprintf("transport: %v", err)}
	}
	defer resp.Body.Close()

	var out honorResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Outcome{Status: domain.AttemptHonored, ExternalRef: out.ExternalRef, Proof: out.Proof}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Outcome{Status: domain.AttemptFailedTerminal, Reason: domain.ReasonAuthFailed}
	case resp.StatusCode == http.StatusNotFound:
		return Outcome{Status: domain.AttemptFailedTerminal, Reason: domain.ReasonInvalidDestination}
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict:
		reason := out.Reason
		if reason == "" {
			reason = domain.ReasonCompliance
		}
		return Outcome{Status: domain.AttemptFailedTerminal, Reason: reason}
	default:
		return Outcome{Status: domain.AttemptFailedRetry, Reason: fmt.Sprintf("bridge returned %d", resp.StatusCode)}
	}
}
