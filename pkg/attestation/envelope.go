package attestation

// Envelope carries the signature material attached to an intent. One
// envelope per intent; replay is detected by the intent nonce, not the
// envelope.
type Envelope struct {
	Version     string `json:"version"`
	IntentID    string `json:"intent_id"`
	Signer      string `json:"signer"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
}
