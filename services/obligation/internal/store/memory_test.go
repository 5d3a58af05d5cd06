package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/accordsai/honorlane/pkg/domain"
	"github.com/accordsai/honorlane/pkg/wideid"
	"github.com/accordsai/honorlane/services/obligation/internal/audit"
)

func testObligation(intentID string) domain.ClearedObligation {
	return domain.ClearedObligation{
		ObligationID:     wideid.ObligationID(intentID),
		IntentID:         intentID,
		SubjectID:        "sub_1",
		Channel:          "GIFT_CARD",
		DebitAccount:     wideid.AccountForSubject("sub_1"),
		CreditAccount:    wideid.AccountForChannel("GIFT_CARD"),
		AmountMicros:     50_000_000,
		LedgerTransferID: wideid.ObligationID(intentID),
		ClearedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		HonorState:       domain.HonorPending,
	}
}

func TestPutObligationExactlyOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ob := testObligation("int_1")

	created, err := m.PutObligation(ctx, ob)
	if err != nil || !created {
		t.Fatalf("first put: created=%v err=%v", created, err)
	}

	dup := ob
	dup.AmountMicros = 999 // a duplicate submission never overwrites
	created, err = m.PutObligation(ctx, dup)
	if err != nil || created {
		t.Fatalf("second put: created=%v err=%v", created, err)
	}

	got, err := m.GetObligation(ctx, ob.ObligationID)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if got.AmountMicros != 50_000_000 {
		t.Fatalf("stored obligation mutated: %d", got.AmountMicros)
	}
}

func TestSetHonorStatePreservesClearing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ob := testObligation("int_2")
	if _, err := m.PutObligation(ctx, ob); err != nil {
		t.Fatalf("put err: %v", err)
	}

	if err := m.SetHonorState(ctx, ob.ObligationID, domain.HonorHonored, "ext_1", "proof_1"); err != nil {
		t.Fatalf("set state err: %v", err)
	}
	got, _ := m.GetObligation(ctx, ob.ObligationID)
	if got.HonorState != domain.HonorHonored || got.ExternalRef != "ext_1" {
		t.Fatalf("honor state not applied: %+v", got)
	}
	if got.LedgerTransferID != ob.LedgerTransferID || got.AmountMicros != ob.AmountMicros {
		t.Fatalf("clearing fields changed: %+v", got)
	}

	if err := m.SetHonorState(ctx, wideid.ObligationID("missing"), domain.HonorFailed, "", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetObligationNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.GetObligation(context.Background(), wideid.ObligationID("nope")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttemptsOrdered(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := wideid.ObligationID("int_3")
	for n := 1; n <= 3; n++ {
		err := m.AppendAttempt(ctx, domain.HonoringAttempt{
			ObligationID:  id,
			Channel:       "GIFT_CARD",
			AttemptNumber: n,
			Outcome:       domain.AttemptFailedRetry,
		})
		if err != nil {
			t.Fatalf("append attempt %d: %v", n, err)
		}
	}
	attempts, err := m.ListAttempts(ctx, id)
	if err != nil {
		t.Fatalf("list err: %v", err)
	}
	if len(attempts) != 3 || attempts[0].AttemptNumber != 1 || attempts[2].AttemptNumber != 3 {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
}

func TestPutSettlementReceiptDedupes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	created, err := m.PutSettlementReceipt(ctx, "cardco", "evt_1")
	if err != nil || !created {
		t.Fatalf("first receipt: created=%v err=%v", created, err)
	}
	created, err = m.PutSettlementReceipt(ctx, "cardco", "evt_1")
	if err != nil || created {
		t.Fatalf("redelivered receipt: created=%v err=%v", created, err)
	}

	// The same event id from another provider is a distinct delivery.
	created, err = m.PutSettlementReceipt(ctx, "acqbank", "evt_1")
	if err != nil || !created {
		t.Fatalf("other provider: created=%v err=%v", created, err)
	}
}

func TestAuditSinkQueryFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := wideid.ObligationID("int_4")
	other := wideid.ObligationID("int_5")

	for _, r := range []audit.Record{
		{Kind: audit.KindAttested, ObligationID: id},
		{Kind: audit.KindHonorAttempt, ObligationID: id},
		{Kind: audit.KindAttested, ObligationID: other},
	} {
		if err := m.Append(ctx, r); err != nil {
			t.Fatalf("append err: %v", err)
		}
	}

	recs, err := m.Query(ctx, audit.Filter{ObligationID: id, Kinds: audit.TransitionKinds})
	if err != nil {
		t.Fatalf("query err: %v", err)
	}
	if len(recs) != 1 || recs[0].Kind != audit.KindAttested {
		t.Fatalf("unexpected records: %+v", recs)
	}
}
