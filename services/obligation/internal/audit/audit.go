// Package audit mirrors every obligation transition into an append-only
// record stream. The mirror is purely observational: it is never consulted
// for a decision, and no sink failure ever reaches the orchestrator.
package audit

import (
	"context"
	"time"

	"github.com/accordsai/honorlane/pkg/wideid"
)

type Kind string

const (
	KindAttested           Kind = "ATTESTED"
	KindAdmitted           Kind = "ADMITTED"
	KindCleared            Kind = "CLEARED"
	KindClearingRejected   Kind = "CLEARING_REJECTED"
	KindRejected           Kind = "REJECTED"
	KindHonorAttempt       Kind = "HONOR_ATTEMPT"
	KindHonored            Kind = "HONORED"
	KindDispatchFailed     Kind = "DISPATCH_FAILED"
	KindSettlementRecorded Kind = "SETTLEMENT_RECORDED"
	KindSettlementFailed   Kind = "SETTLEMENT_FAILED"
)

// TransitionKinds are the state-machine transitions, as opposed to
// per-attempt and settlement observations.
var TransitionKinds = []Kind{
	KindAttested, KindAdmitted, KindCleared, KindClearingRejected,
	KindRejected, KindHonored, KindDispatchFailed,
}

type Record struct {
	Kind         Kind           `json:"kind"`
	ObligationID wideid.ID      `json:"obligation_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

type Filter struct {
	ObligationID wideid.ID
	Kinds        []Kind
	Limit        int
}

// Matches reports whether the record passes the filter.
func (f Filter) Matches(r Record) bool {
	if !f.ObligationID.IsZero() && r.ObligationID != f.ObligationID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if r.Kind == k {
			return true
		}
	}
	return false
}

// Sink is the durable backing store for audit records.
type Sink interface {
	Append(ctx context.Context, r Record) error
	Query(ctx context.Context, f Filter) ([]Record, error)
}
