// Package orchestrator sequences the obligation lifecycle:
//
//	RECEIVED → ATTESTED → ADMITTED → CLEARED → {DISPATCHED → HONORED | DISPATCH_FAILED}
//
// with REJECTED reachable before clearing and from a ledger rejection.
// Clearing happens at most once per intent; honoring failures never undo
// clearing, and no compensating reversal is ever synthesized.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/accordsai/honorlane/pkg/attestation"
	"github.com/accordsai/honorlane/pkg/domain"
	"github.com/accordsai/honorlane/pkg/wideid"
	"github.com/accordsai/honorlane/services/obligation/internal/audit"
	"github.com/accordsai/honorlane/services/obligation/internal/credit"
	"github.com/accordsai/honorlane/services/obligation/internal/dispatch"
	"github.com/accordsai/honorlane/services/obligation/internal/ledger"
)

// Status is the caller-facing outcome of a submission.
type Status string

const (
	StatusHonored             Status = "HONORED"
	StatusClearedPendingHonor Status = "CLEARED_PENDING_HONOR"
	StatusRejected            Status = "REJECTED"
)

// Submission is the synchronous answer to a submitted intent. Obligation
// is set whenever clearing committed, regardless of honoring outcome.
type Submission struct {
	Status      Status                    `json:"status"`
	Reason      string                    `json:"reason,omitempty"`
	Obligation  *domain.ClearedObligation `json:"obligation,omitempty"`
	ExternalRef string                    `json:"external_ref,omitempty"`
	Proof       string                    `json:"proof,omitempty"`
}

// ObligationStore is the orchestrator's persistence seam.
type ObligationStore interface {
	PutObligation(ctx context.Context, ob domain.ClearedObligation) (created bool, err error)
	GetObligation(ctx context.Context, id wideid.ID) (domain.ClearedObligation, error)
}

// ClearingPort is implemented by ledger.Port.
type ClearingPort interface {
	Clear(ctx context.Context, t ledger.Transfer) (ledger.Result, error)
}

// Dispatcher is implemented by dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, ob domain.ClearedObligation) dispatch.Result
}

type Recorder interface {
	Record(rec audit.Record)
}

type Orchestrator struct {
	verifier   *attestation.Verifier
	credit     *credit.Controller
	ledger     ClearingPort
	dispatcher Dispatcher
	store      ObligationStore
	recorder   Recorder
	logger     *slog.Logger
	clock      func() time.Time
}

func New(verifier *attestation.Verifier, controller *credit.Controller, port ClearingPort, dispatcher Dispatcher, store ObligationStore, recorder Recorder, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		verifier:   verifier,
		credit:     controller,
		ledger:     port,
		dispatcher: dispatcher,
		store:      store,
		recorder:   recorder,
		logger:     logger,
		clock:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Submit runs one intent through the full lifecycle. It is safe to call
// concurrently with itself for the same intent: the obligation ID is a
// pure function of the intent ID, the ledger dedupes on it, and dispatch
// single-flights on it.
func (o *Orchestrator) Submit(ctx context.Context, intent domain.Intent, env attestation.Envelope) (Submission, error) {
	obligationID := intent.ObligationID()

	// RECEIVED → ATTESTED
	if err := intent.Validate(); err != nil {
		return o.reject(obligationID, domain.ReasonBadIntent, nil), nil
	}
	if res := o.verifier.Verify(intent, env); !res.Valid {
		return o.reject(obligationID, domain.ReasonBadAttestation,
			map[string]any{"detail": res.Reason}), nil
	}
	o.record(audit.KindAttested, obligationID, map[string]any{
		"intent_id": intent.ID, "subject_id": intent.SubjectID,
	})

	// ATTESTED → ADMITTED
	if d := o.credit.Admit(intent.Category, intent.AmountMicros); !d.Admit {
		if d.Reason == domain.ReasonUnknownChannel {
			return o.reject(obligationID, domain.ReasonUnknownChannel, nil), nil
		}
		return o.reject(obligationID, domain.ReasonInsufficientCredit,
			map[string]any{"detail": d.Reason}), nil
	}
	o.record(audit.KindAdmitted, obligationID, map[string]any{
		"channel": string(intent.Category), "amount_micros": intent.AmountMicros,
	})

	// ADMITTED → CLEARED
	transfer := ledger.Transfer{
		DebitAccount:   wideid.AccountForSubject(intent.SubjectID),
		CreditAccount:  wideid.AccountForChannel(string(intent.Category)),
		AmountMicros:   intent.AmountMicros,
		IdempotencyKey: obligationID,
	}
	res, err := o.ledger.Clear(ctx, transfer)
	if err != nil {
		// Transport exhaustion: no decision was reached, so the admission
		// is returned and the caller may resubmit the same intent later.
		o.credit.Release(intent.Category, intent.AmountMicros)
		o.logger.Error("ledger unavailable", "intent_id", intent.ID, "err", err)
		return Submission{}, fmt.Errorf("%s: %w", domain.ReasonLedgerUnavailable, err)
	}
	switch res.Status {
	case ledger.StatusRejected:
		o.credit.Release(intent.Category, intent.AmountMicros)
		o.record(audit.KindClearingRejected, obligationID, map[string]any{
			"reason": res.Reason,
		})
		return Submission{
			Status: StatusRejected,
			Reason: domain.ReasonLedgerRejected,
		}, nil
	case ledger.StatusAlreadyExists:
		// Duplicate submission: the first clearing won. Its admission
		// already accounts for the exposure, so this one is returned.
		o.credit.Release(intent.Category, intent.AmountMicros)
	}

	ob := domain.ClearedObligation{
		ObligationID:     obligationID,
		IntentID:         intent.ID,
		SubjectID:        intent.SubjectID,
		Channel:          intent.Category,
		DebitAccount:     transfer.DebitAccount,
		CreditAccount:    transfer.CreditAccount,
		AmountMicros:     intent.AmountMicros,
		LedgerTransferID: obligationID,
		ClearedAt:        o.clock().UTC(),
		HonorState:       domain.HonorPending,
	}
	created, err := o.store.PutObligation(ctx, ob)
	if err != nil {
		// The ledger committed; surface the obligation even though local
		// persistence failed. Honoring can be replayed from the intent.
		o.logger.Error("obligation persistence failed after clearing",
			"obligation_id", obligationID.Hex(), "err", err)
		return Submission{}, err
	}
	if !created {
		stored, err := o.store.GetObligation(ctx, obligationID)
		if err == nil {
			ob = stored
		}
	} else {
		o.record(audit.KindCleared, obligationID, map[string]any{
			"ledger_transfer_id": obligationID.Hex(),
			"amount_micros":      ob.AmountMicros,
		})
	}

	// Short-circuit duplicates whose honoring already concluded.
	switch ob.HonorState {
	case domain.HonorHonored:
		return Submission{
			Status:      StatusHonored,
			Obligation:  &ob,
			ExternalRef: ob.ExternalRef,
			Proof:       ob.Proof,
		}, nil
	case domain.HonorFailed:
		return Submission{
			Status:     StatusClearedPendingHonor,
			Reason:     domain.ReasonRetriesExhausted,
			Obligation: &ob,
		}, nil
	}

	// CLEARED → {DISPATCHED → HONORED | DISPATCH_FAILED}
	// The dispatcher records the HONORED / DISPATCH_FAILED transition from
	// inside its single-flight body, so duplicates that share or replay a
	// concluded outcome never add a second conclusion to the trail.
	dres := o.dispatcher.Dispatch(ctx, ob)
	switch dres.Outcome {
	case domain.AttemptHonored:
		ob.HonorState = domain.HonorHonored
		ob.ExternalRef = dres.ExternalRef
		ob.Proof = dres.Proof
		return Submission{
			Status:      StatusHonored,
			Obligation:  &ob,
			ExternalRef: dres.ExternalRef,
			Proof:       dres.Proof,
		}, nil
	default:
		// The obligation stays cleared forever; remediation is a brand-new,
		// independently attested intent, never an automatic reversal.
		ob.HonorState = domain.HonorFailed
		return Submission{
			Status:     StatusClearedPendingHonor,
			Reason:     dres.Reason,
			Obligation: &ob,
		}, nil
	}
}

// Get looks up a cleared obligation.
func (o *Orchestrator) Get(ctx context.Context, id wideid.ID) (domain.ClearedObligation, error) {
	ob, err := o.store.GetObligation(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ClearedObligation{}, domain.ErrNotFound
		}
		return domain.ClearedObligation{}, err
	}
	return ob, nil
}

func (o *Orchestrator) reject(id wideid.ID, reason string, payload map[string]any) Submission {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["reason"] = reason
	o.record(audit.KindRejected, id, payload)
	return Submission{Status: StatusRejected, Reason: reason}
}

func (o *Orchestrator) record(kind audit.Kind, id wideid.ID, payload map[string]any) {
	o.recorder.Record(audit.Record{
		Kind:         kind,
		ObligationID: id,
		Timestamp:    o.clock().UTC(),
		Payload:      payload,
	})
}
