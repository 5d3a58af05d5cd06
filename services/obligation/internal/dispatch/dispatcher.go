// Package dispatch routes cleared obligations to honoring channel adapters
// with bounded, backed-off retries. Dispatch is single-flighted per
// obligation: a concurrent duplicate observes the in-flight call instead
// of issuing a second external request.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/accordsai/honorlane/pkg/backoff"
	"github.com/accordsai/honorlane/pkg/domain"
	"github.com/accordsai/honorlane/pkg/wideid"
	"github.com/accordsai/honorlane/services/obligation/internal/audit"
)

// AttemptStore persists honoring attempts and fulfillment state.
type AttemptStore interface {
	GetObligation(ctx context.Context, id wideid.ID) (domain.ClearedObligation, error)
	AppendAttempt(ctx context.Context, a domain.HonoringAttempt) error
	SetHonorState(ctx context.Context, id wideid.ID, state domain.HonorState, externalRef, proof string) error
}

// Recorder is the fire-and-forget audit hook; audit.Mirror implements it.
type Recorder interface {
	Record(rec audit.Record)
}

// Result is the dispatch outcome after routing, retries, and
// classification. FAILED_RETRYABLE means retries were exhausted; the
// obligation stays cleared either way.
type Result struct {
	Outcome     domain.AttemptOutcome
	Reason      string
	ExternalRef string
	Proof       string
	Attempts    int
	// Stored reports that the outcome was read back from an earlier
	// dispatch's persisted state; no adapter was called this time.
	Stored bool
}

type Dispatcher struct {
	adapters    map[domain.Channel]Adapter
	maxAttempts int
	schedule    backoff.Schedule
	store       AttemptStore
	recorder    Recorder
	logger      *slog.Logger

	sf    singleflight.Group
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds a dispatcher over an immutable adapter registry.
// The registry is copied; channels cannot be added after construction.
func NewDispatcher(adapters map[domain.Channel]Adapter, maxAttempts int, schedule backoff.Schedule, store AttemptStore, recorder Recorder, logger *slog.Logger) *Dispatcher {
	cloned := make(map[domain.Channel]Adapter, len(adapters))
	for ch, a := range adapters {
		cloned[ch] = a
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		adapters:    cloned,
		maxAttempts: maxAttempts,
		schedule:    schedule,
		store:       store,
		recorder:    recorder,
		logger:      logger,
		clock:       time.Now,
		sleep:       sleepCtx,
	}
}

// WithSleep replaces the inter-attempt wait. Tests use it to observe the
// retry schedule without waiting it out.
func (d *Dispatcher) WithSleep(sleep func(ctx context.Context, wait time.Duration) error) *Dispatcher {
	d.sleep = sleep
	return d
}

// Dispatch honors the obligation on its channel. Concurrent calls for the
// same obligation coalesce onto one execution and share its result.
func (d *Dispatcher) Dispatch(ctx context.Context, ob domain.ClearedObligation) Result {
	v, _, _ := d.sf.Do(ob.ObligationID.Hex(), func() (any, error) {
		return d.run(ctx, ob), nil
	})
	return v.(Result)
}

func (d *Dispatcher) run(ctx context.Context, ob domain.ClearedObligation) Result {
	// A duplicate submission can arrive after an earlier dispatch already
	// concluded; the single-flight group only coalesces overlapping calls.
	// Recheck persisted state so a concluded obligation never reaches the
	// adapter a second time.
	if cur, err := d.store.GetObligation(ctx, ob.ObligationID); err == nil {
		switch cur.HonorState {
		case domain.HonorHonored:
			return Result{
				Outcome:     domain.AttemptHonored,
				ExternalRef: cur.ExternalRef,
				Proof:       cur.Proof,
				Stored:      true,
			}
		case domain.HonorFailed:
			return Result{Outcome: domain.AttemptFailedRetry, Reason: domain.ReasonRetriesExhausted, Stored: true}
		}
	}

	adapter, ok := d.adapters[ob.Channel]
	if !ok {
		d.setState(ctx, ob.ObligationID, domain.HonorFailed, "", "")
		d.recordTransition(audit.KindDispatchFailed, ob.ObligationID, map[string]any{
			"reason": domain.ReasonNoAdapter, "attempts": 0,
		})
		return Result{Outcome: domain.AttemptFailedTerminal, Reason: domain.ReasonNoAdapter}
	}

	d.setState(ctx, ob.ObligationID, domain.HonorDispatched, "", "")

	var last Outcome
	for n := 1; n <= d.maxAttempts; n++ {
		started := d.clock().UTC()
		last = classify(adapter.Honor(ctx, ob))

		attempt := domain.HonoringAttempt{
			ObligationID:  ob.ObligationID,
			Channel:       ob.Channel,
			AttemptNumber: n,
			StartedAt:     started,
			Outcome:       last.Status,
			Reason:        last.Reason,
			ExternalRef:   last.ExternalRef,
			Proof:         last.Proof,
		}
		if err := d.store.AppendAttempt(ctx, attempt); err != nil {
			d.logger.Warn("failed to persist honoring attempt",
				"obligation_id", ob.ObligationID.Hex(), "attempt", n, "err", err)
		}
		d.recorder.Record(audit.Record{
			Kind:         audit.KindHonorAttempt,
			ObligationID: ob.ObligationID,
			Timestamp:    started,
			Payload: map[string]any{
				"channel":      string(ob.Channel),
				"attempt":      n,
				"outcome":      string(last.Status),
				"reason":       last.Reason,
				"external_ref": last.ExternalRef,
			},
		})

		switch last.Status {
		case domain.AttemptHonored:
			d.setState(ctx, ob.ObligationID, domain.HonorHonored, last.ExternalRef, last.Proof)
			d.recordTransition(audit.KindHonored, ob.ObligationID, map[string]any{
				"external_ref": last.ExternalRef, "attempts": n,
			})
			return Result{
				Outcome:     domain.AttemptHonored,
				ExternalRef: last.ExternalRef,
				Proof:       last.Proof,
				Attempts:    n,
			}
		case domain.AttemptFailedTerminal:
			d.setState(ctx, ob.ObligationID, domain.HonorFailed, "", "")
			d.recordTransition(audit.KindDispatchFailed, ob.ObligationID, map[string]any{
				"reason": last.Reason, "attempts": n,
			})
			return Result{Outcome: domain.AttemptFailedTerminal, Reason: last.Reason, Attempts: n}
		}

		if n == d.maxAttempts {
			break
		}
		// Once an external call is issued it cannot be recalled; a canceled
		// context only stops scheduling further retries.
		if err := d.sleep(ctx, d.schedule.Jittered(n)); err != nil {
			d.setState(ctx, ob.ObligationID, domain.HonorFailed, "", "")
			d.recordTransition(audit.KindDispatchFailed, ob.ObligationID, map[string]any{
				"reason": last.Reason, "attempts": n,
			})
			return Result{Outcome: domain.AttemptFailedRetry, Reason: last.Reason, Attempts: n}
		}
	}

	d.setState(ctx, ob.ObligationID, domain.HonorFailed, "", "")
	d.recordTransition(audit.KindDispatchFailed, ob.ObligationID, map[string]any{
		"reason": domain.ReasonRetriesExhausted, "attempts": d.maxAttempts,
	})
	return Result{
		Outcome:  domain.AttemptFailedRetry,
		Reason:   domain.ReasonRetriesExhausted,
		Attempts: d.maxAttempts,
	}
}

// recordTransition audits the conclusion of a dispatch. It runs inside the
// single-flight body, so each obligation gets at most one HONORED and the
// stored-outcome replay path never records a second conclusion.
func (d *Dispatcher) recordTransition(kind audit.Kind, id wideid.ID, payload map[string]any) {
	d.recorder.Record(audit.Record{
		Kind:         kind,
		ObligationID: id,
		Timestamp:    d.clock().UTC(),
		Payload:      payload,
	})
}

func (d *Dispatcher) setState(ctx context.Context, id wideid.ID, state domain.HonorState, ref, proof string) {
	if err := d.store.SetHonorState(ctx, id, state, ref, proof); err != nil {
		d.logger.Warn("failed to update honor state",
			"obligation_id", id.Hex(), "state", string(state), "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
