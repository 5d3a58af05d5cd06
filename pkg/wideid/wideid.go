// Package wideid derives and encodes the 128-bit identifiers used on the
// ledger wire: obligation IDs, transfer idempotency keys, and subject
// account IDs. Derivation is a pure function of the input string, so the
// same intent always maps to the same obligation and the same transfer.
package wideid

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"lukechampine.com/blake3"
)

var ErrInvalidID = errors.New("invalid 128-bit id")

// ID is a 128-bit identifier, big-endian.
type ID [16]byte

var Zero ID

// FromString derives an ID from a namespaced string. The namespace keeps
// obligation IDs and account IDs for the same underlying string disjoint.
func FromString(namespace, s string) ID {
	buf := make([]byte, 0, len(namespace)+1+len(s))
	buf = append(buf, namespace...)
	buf = append(buf, 0x1f)
	buf = append(buf, s...)
	sum := blake3.Sum256(buf)
	var id ID
	copy(id[:], sum[:16])
	return id
}

// ObligationID is the deterministic obligation identifier for an intent.
// It doubles as the ledger transfer idempotency key.
func ObligationID(intentID string) ID {
	return FromString("obligation", intentID)
}

// AccountForSubject maps a subject to its ledger debit account.
func AccountForSubject(subjectID string) ID {
	return FromString("account.subject", subjectID)
}

// AccountForChannel maps a honoring channel to its ledger credit account.
func AccountForChannel(channel string) ID {
	return FromString("account.channel", channel)
}

func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == Zero
}

// Hi returns the most significant 64 bits.
func (id ID) Hi() uint64 {
	return binary.BigEndian.Uint64(id[:8])
}

// Lo returns the least significant 64 bits.
func (id ID) Lo() uint64 {
	return binary.BigEndian.Uint64(id[8:])
}

// MarshalText encodes the ID as lower hex, which is also its JSON form.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return Zero, ErrInvalidID
	}
	var id ID
	copy(id[:], b)
	return id, nil
}
