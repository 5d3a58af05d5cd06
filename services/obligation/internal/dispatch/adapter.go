package dispatch

import (
	"context"

	"github.com/accordsai/honorlane/pkg/domain"
)

// Outcome is a single adapter call's result. Adapters classify their own
// failures; the dispatcher additionally promotes well-known terminal
// reasons so a misclassified auth failure is never retried.
type Outcome struct {
	Status      domain.AttemptOutcome
	Reason      string
	ExternalRef string
	Proof       string
}

// Adapter honors a cleared obligation on one external channel. Honoring is
// best effort and non-authoritative: an adapter can observe the obligation
// but never changes ledger state.
type Adapter interface {
	Honor(ctx context.Context, ob domain.ClearedObligation) Outcome
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, ob domain.ClearedObligation) Outcome

func (f AdapterFunc) Honor(ctx context.Context, ob domain.ClearedObligation) Outcome {
	return f(ctx, ob)
}

// terminalReasons short-circuit retries regardless of how the adapter
// classified the failure.
var terminalReasons = map[string]bool{
	domain.ReasonAuthFailed:         true,
	domain.ReasonInvalidDestination: true,
	domain.ReasonCompliance:         true,
	domain.ReasonProviderBalance:    true,
}

func classify(out Outcome) Outcome {
	if out.Status == domain.AttemptFailedRetry && terminalReasons[out.Reason] {
		out.Status = domain.AttemptFailedTerminal
	}
	return out
}
