package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/accordsai/honorlane/pkg/wideid"
)

var (
	ErrInvalidIntent    = errors.New("invalid intent")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrObligationExists = errors.New("obligation already exists")
	ErrNotFound         = errors.New("not found")
)

// Channel identifies a honoring channel. Channels double as the routing
// category on intents: each category is honored by exactly one channel.
type Channel string

// Intent is an immutable, signed request to spend. Amounts are fixed-point
// integer micros; no floating point anywhere in the money path.
type Intent struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subject_id"`
	Category     Channel   `json:"category"`
	AmountMicros uint64    `json:"amount_micros"`
	IssuedAt     time.Time `json:"issued_at"`
	Expiry       time.Time `json:"expiry"`
	Nonce        string    `json:"nonce"`
}

// Validate checks intent shape before any side effect.
func (in Intent) Validate() error {
	switch {
	case strings.TrimSpace(in.ID) == "":
		return ErrInvalidIntent
	case strings.TrimSpace(in.SubjectID) == "":
		return ErrInvalidIntent
	case strings.TrimSpace(string(in.Category)) == "":
		return ErrInvalidIntent
	case in.AmountMicros == 0:
		return ErrInvalidIntent
	case strings.TrimSpace(in.Nonce) == "":
		return ErrInvalidIntent
	case in.Expiry.IsZero():
		return ErrInvalidIntent
	}
	return nil
}

// ObligationID derives the deterministic obligation identifier for this
// intent. Resubmitting the same intent always targets the same obligation
// and the same ledger transfer.
func (in Intent) ObligationID() wideid.ID {
	return wideid.ObligationID(in.ID)
}

// HonorState tracks best-effort fulfillment of a cleared obligation. It is
// observational: no honor state ever changes ledger-visible state.
type HonorState string

const (
	HonorPending    HonorState = "PENDING"
	HonorDispatched HonorState = "DISPATCHED"
	HonorHonored    HonorState = "HONORED"
	HonorFailed     HonorState = "DISPATCH_FAILED"
)

// ClearedObligation is created exactly once per intent, after the ledger
// transfer commits. The row itself is immutable; only honor state moves.
type ClearedObligation struct {
	ObligationID     wideid.ID  `json:"obligation_id"`
	IntentID         string     `json:"intent_id"`
	SubjectID        string     `json:"subject_id"`
	Channel          Channel    `json:"channel"`
	DebitAccount     wideid.ID  `json:"debit_account"`
	CreditAccount    wideid.ID  `json:"credit_account"`
	AmountMicros     uint64     `json:"amount_micros"`
	LedgerTransferID wideid.ID  `json:"ledger_transfer_id"`
	ClearedAt        time.Time  `json:"cleared_at"`
	HonorState       HonorState `json:"honor_state"`
	ExternalRef      string     `json:"external_ref,omitempty"`
	Proof            string     `json:"proof,omitempty"`
}

// AttemptOutcome classifies a single honoring attempt.
type AttemptOutcome string

const (
	AttemptHonored        AttemptOutcome = "HONORED"
	AttemptFailedRetry    AttemptOutcome = "FAILED_RETRYABLE"
	AttemptFailedTerminal AttemptOutcome = "FAILED_TERMINAL"
)

// HonoringAttempt records one call to a channel adapter. At most one
// attempt per obligation reaches HONORED.
type HonoringAttempt struct {
	ObligationID  wideid.ID      `json:"obligation_id"`
	Channel       Channel        `json:"channel"`
	AttemptNumber int            `json:"attempt_number"`
	StartedAt     time.Time      `json:"started_at"`
	Outcome       AttemptOutcome `json:"outcome"`
	Reason        string         `json:"reason,omitempty"`
	ExternalRef   string         `json:"external_ref,omitempty"`
	Proof         string         `json:"proof,omitempty"`
}
