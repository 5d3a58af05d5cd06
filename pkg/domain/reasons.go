package domain

// Reason codes surfaced to callers and recorded on audit events. Validation
// and admission rejections happen pre-side-effect; LEDGER_REJECTED is
// terminal for the intent and is never retried automatically.
const (
	ReasonBadIntent          = "BAD_INTENT"
	ReasonBadAttestation     = "BAD_ATTESTATION"
	ReasonBadSignature       = "BAD_SIGNATURE"
	ReasonReplayedNonce      = "REPLAYED_NONCE"
	ReasonExpired            = "EXPIRED"
	ReasonInsufficientCredit = "INSUFFICIENT_CREDIT"
	ReasonChannelSuspended   = "CHANNEL_SUSPENDED"
	ReasonUnknownChannel     = "UNKNOWN_CHANNEL"
	ReasonLedgerRejected     = "LEDGER_REJECTED"
	ReasonLedgerUnavailable  = "LEDGER_UNAVAILABLE"
	ReasonNoAdapter          = "NO_ADAPTER"
	ReasonAuthFailed         = "AUTH_FAILED"
	ReasonInvalidDestination = "INVALID_DESTINATION"
	ReasonCompliance         = "COMPLIANCE_REJECTED"
	ReasonProviderBalance    = "PROVIDER_INSUFFICIENT_BALANCE"
	ReasonRetriesExhausted   = "RETRIES_EXHAUSTED"
)
