// Package honorlane is the Go client for the obligation service. Issuers
// hold an ed25519 key allow-listed for their subject, sign spend intents
// locally, and submit them; the service never sees a private key.
package honorlane

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/accordsai/honorlane/pkg/attestation"
	"github.com/accordsai/honorlane/pkg/domain"
)

// Issuer signs intents on behalf of one allow-listed signer.
type Issuer struct {
	Signer string
	Key    ed25519.PrivateKey
}

// NewIntent builds an intent with a generated id and nonce, valid for ttl
// from now.
func NewIntent(subjectID string, channel domain.Channel, amountMicros uint64, ttl time.Duration) domain.Intent {
	now := time.Now().UTC()
	return domain.Intent{
		ID:           "int_" + randomHex(16),
		SubjectID:    subjectID,
		Category:     channel,
		AmountMicros: amountMicros,
		IssuedAt:     now,
		Expiry:       now.Add(ttl),
		Nonce:        "non_" + randomHex(16),
	}
}

// Sign attests the intent with the issuer's key.
func (i Issuer) Sign(intent domain.Intent) (attestation.Envelope, error) {
	return attestation.Sign(intent, i.Signer, i.Key, time.Now().UTC())
}

// Submission mirrors the service's answer to a submitted intent.
type Submission struct {
	Status      string      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	Obligation  *Obligation `json:"obligation,omitempty"`
	ExternalRef string      `json:"external_ref,omitempty"`
	Proof       string      `json:"proof,omitempty"`
}

// Obligation is the wire shape of a cleared obligation.
type Obligation struct {
	ObligationID     string    `json:"obligation_id"`
	IntentID         string    `json:"intent_id"`
	SubjectID        string    `json:"subject_id"`
	Channel          string    `json:"channel"`
	AmountMicros     uint64    `json:"amount_micros"`
	LedgerTransferID string    `json:"ledger_transfer_id"`
	ClearedAt        time.Time `json:"cleared_at"`
	HonorState       string    `json:"honor_state"`
	ExternalRef      string    `json:"external_ref,omitempty"`
	Proof            string    `json:"proof,omitempty"`
}

// APIError is a non-2xx service answer that carried an error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("honorlane: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitIntent signs and submits in one step. Rejections come back as a
// Submission with status REJECTED, not as an error; errors mean the
// outcome is unknown and the identical intent may be resubmitted.
func (c *Client) SubmitIntent(ctx context.Context, issuer Issuer, intent domain.Intent) (Submission, error) {
	env, err := issuer.Sign(intent)
	if err != nil {
		return Submission{}, fmt.Errorf("sign intent: %w", err)
	}
	return c.Submit(ctx, intent, env)
}

// Submit sends an already-signed intent.
func (c *Client) Submit(ctx context.Context, intent domain.Intent, env attestation.Envelope) (Submission, error) {
	body, err := json.Marshal(map[string]any{"intent": intent, "attestation": env})
	if err != nil {
		return Submission{}, err
	}
	var out struct {
		Submission Submission `json:"submission"`
	}
	// 422 carries a regular submission body with the rejection reason.
	if err := c.do(ctx, http.MethodPost, "/v1/obligations", body, &out, http.StatusUnprocessableEntity); err != nil {
		return Submission{}, err
	}
	return out.Submission, nil
}

// GetObligation looks up a cleared obligation by its hex id.
func (c *Client) GetObligation(ctx context.Context, obligationID string) (Obligation, error) {
	var out struct {
		Obligation Obligation `json:"obligation"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/obligations/"+obligationID, nil, &out); err != nil {
		return Obligation{}, err
	}
	return out.Obligation, nil
}

// Attempt is one honoring attempt row.
type Attempt struct {
	ObligationID  string    `json:"obligation_id"`
	Channel       string    `json:"channel"`
	AttemptNumber int       `json:"attempt_number"`
	StartedAt     time.Time `json:"started_at"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	ExternalRef   string    `json:"external_ref,omitempty"`
	Proof         string    `json:"proof,omitempty"`
}

// ListAttempts returns the honoring attempt history for an obligation.
func (c *Client) ListAttempts(ctx context.Context, obligationID string) ([]Attempt, error) {
	var out struct {
		Attempts []Attempt `json:"attempts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/obligations/"+obligationID+"/attempts", nil, &out); err != nil {
		return nil, err
	}
	return out.Attempts, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, dst any, okStatuses ...int) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range okStatuses {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		var envlp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &envlp); err != nil || envlp.Error.Code == "" {
			return &APIError{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: string(raw)}
		}
		return &APIError{StatusCode: resp.StatusCode, Code: envlp.Error.Code, Message: envlp.Error.Message}
	}
	return json.Unmarshal(raw, dst)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
