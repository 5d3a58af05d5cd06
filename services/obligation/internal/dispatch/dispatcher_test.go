package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/accordsai/honorlane/pkg/backoff"
	"github.com/accordsai/honorlane/pkg/domain"
	"github.com/accordsai/honorlane/pkg/wideid"
	"github.com/accordsai/honorlane/services/obligation/internal/audit"
	"github.com/accordsai/honorlane/services/obligation/internal/store"
)

const giftCard = domain.Channel("GIFT_CARD")

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedAudit struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (r *recordedAudit) Record(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordedAudit) count(kind audit.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.recs {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

type scriptedAdapter struct {
	mu       sync.Mutex
	script   []Outcome
	calls    int
	inflight chan struct{}
}

func (a *scriptedAdapter) Honor(_ context.Context, _ domain.ClearedObligation) Outcome {
	a.mu.Lock()
	i := a.calls
	a.calls++
	a.mu.Unlock()
	if a.inflight != nil {
		<-a.inflight
	}
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	return a.script[i]
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func clearedObligation(intentID string) domain.ClearedObligation {
	return domain.ClearedObligation{
		ObligationID:     wideid.ObligationID(intentID),
		IntentID:         intentID,
		SubjectID:        "sub_1",
		Channel:          giftCard,
		DebitAccount:     wideid.AccountForSubject("sub_1"),
		CreditAccount:    wideid.AccountForChannel(string(giftCard)),
		AmountMicros:     50_000_000,
		LedgerTransferID: wideid.ObligationID(intentID),
		ClearedAt:        time.Now().UTC(),
		HonorState:       domain.HonorPending,
	}
}

func newTestDispatcher(st AttemptStore, rec Recorder, adapter Adapter) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(
		map[domain.Channel]Adapter{giftCard: adapter},
		3,
		backoff.New(10*time.Millisecond, 100*time.Millisecond),
		st, rec, discard())
	var waits []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		waits = append(waits, dur)
		return nil
	}
	return d, &waits
}

func TestDispatchHonorsAfterRetryableFailures(t *testing.T) {
	st := store.NewMemory()
	rec := &recordedAudit{}
	adapter := &scriptedAdapter{script: []Outcome{
		{Status: domain.AttemptFailedRetry, Reason: "provider 503"},
		{Status: domain.AttemptFailedRetry, Reason: "provider 503"},
		{Status: domain.AttemptHonored, ExternalRef: "ext_1", Proof: "proof_1"},
	}}
	d, waits := newTestDispatcher(st, rec, adapter)

	ob := clearedObligation("int_1")
	if _, err := st.PutObligation(context.Background(), ob); err != nil {
		t.Fatalf("put: %v", err)
	}

	res := d.Dispatch(context.Background(), ob)
	if res.Outcome != domain.AttemptHonored || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	attempts, _ := st.ListAttempts(context.Background(), ob.ObligationID)
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(attempts))
	}
	if rec.count(audit.KindHonorAttempt) != 3 {
		t.Fatalf("every attempt must be audited")
	}
	if rec.count(audit.KindHonored) != 1 {
		t.Fatalf("exactly one HONORED transition per obligation, got %d", rec.count(audit.KindHonored))
	}
	if len(*waits) != 2 || (*waits)[1] < (*waits)[0] {
		t.Fatalf("inter-attempt delays must not shrink: %v", *waits)
	}

	got, _ := st.GetObligation(context.Background(), ob.ObligationID)
	if got.HonorState != domain.HonorHonored || got.ExternalRef != "ext_1" {
		t.Fatalf("honor state not persisted: %+v", got)
	}
}

func TestDispatchTerminalShortCircuits(t *testing.T) {
	st := store.NewMemory()
	adapter := &scriptedAdapter{script: []Outcome{
		{Status: domain.AttemptFailedTerminal, Reason: domain.ReasonCompliance},
	}}
	d, waits := newTestDispatcher(st, &recordedAudit{}, adapter)

	ob := clearedObligation("int_2")
	if _, err := st.PutObligation(context.Background(), ob); err != nil {
		t.Fatalf("put: %v", err)
	}

	res := d.Dispatch(context.Background(), ob)
	if res.Outcome != domain.AttemptFailedTerminal || res.Reason != domain.ReasonCompliance {
		t.Fatalf("unexpected result: %+v", res)
	}
	if adapter.callCount() != 1 || len(*waits) != 0 {
		t.Fatalf("terminal failure must not retry: calls=%d waits=%v", adapter.callCount(), *waits)
	}
}

func TestDispatchPromotesKnownTerminalReasons(t *testing.T) {
	st := store.NewMemory()
	// Adapter misclassifies an auth failure as retryable.
	adapter := &scriptedAdapter{script: []Outcome{
		{Status: domain.AttemptFailedRetry, Reason: domain.ReasonAuthFailed},
	}}
	d, _ := newTestDispatcher(st, &recordedAudit{}, adapter)

	ob := clearedObligation("int_3")
	res := d.Dispatch(context.Background(), ob)
	if res.Outcome != domain.AttemptFailedTerminal {
		t.Fatalf("auth failure must be terminal, got %+v", res)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("promoted terminal failure must not retry")
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	st := store.NewMemory()
	adapter := &scriptedAdapter{script: []Outcome{
		{Status: domain.AttemptFailedRetry, Reason: "provider 503"},
	}}
	d, _ := newTestDispatcher(st, &recordedAudit{}, adapter)

	ob := clearedObligation("int_4")
	if _, err := st.PutObligation(context.Background(), ob); err != nil {
		t.Fatalf("put: %v", err)
	}
	res := d.Dispatch(context.Background(), ob)
	if res.Outcome != domain.AttemptFailedRetry || res.Reason != domain.ReasonRetriesExhausted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if adapter.callCount() != 3 {
		t.Fatalf("expected maxAttempts calls, got %d", adapter.callCount())
	}
	got, _ := st.GetObligation(context.Background(), ob.ObligationID)
	if got.HonorState != domain.HonorFailed {
		t.Fatalf("expected DISPATCH_FAILED state, got %s", got.HonorState)
	}
}

func TestDispatchNoAdapterTerminal(t *testing.T) {
	st := store.NewMemory()
	d := NewDispatcher(nil, 3, backoff.New(time.Millisecond, time.Millisecond), st, &recordedAudit{}, discard())

	res := d.Dispatch(context.Background(), clearedObligation("int_5"))
	if res.Outcome != domain.AttemptFailedTerminal || res.Reason != domain.ReasonNoAdapter {
		t.Fatalf("expected NO_ADAPTER terminal, got %+v", res)
	}
}

func TestDispatchSingleFlightPerObligation(t *testing.T) {
	st := store.NewMemory()
	adapter := &scriptedAdapter{
		script:   []Outcome{{Status: domain.AttemptHonored, ExternalRef: "ext_1"}},
		inflight: make(chan struct{}),
	}
	d, _ := newTestDispatcher(st, &recordedAudit{}, adapter)
	ob := clearedObligation("int_6")

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.Dispatch(context.Background(), ob)
		}(i)
	}
	// Let both goroutines reach the dispatcher before releasing the adapter.
	for adapter.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	close(adapter.inflight)
	wg.Wait()

	if adapter.callCount() != 1 {
		t.Fatalf("concurrent dispatch reached the adapter %d times", adapter.callCount())
	}
	for i, r := range results {
		if r.Outcome != domain.AttemptHonored || r.ExternalRef != "ext_1" {
			t.Fatalf("caller %d saw %+v", i, r)
		}
	}
}

func TestDispatchSkipsConcludedObligation(t *testing.T) {
	st := store.NewMemory()
	rec := &recordedAudit{}
	adapter := &scriptedAdapter{script: []Outcome{
		{Status: domain.AttemptHonored, ExternalRef: "ext_late"},
	}}
	d, _ := newTestDispatcher(st, rec, adapter)
	ob := clearedObligation("int_8")
	if _, err := st.PutObligation(context.Background(), ob); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.SetHonorState(context.Background(), ob.ObligationID, domain.HonorHonored, "ext_1", "proof_1"); err != nil {
		t.Fatalf("set state: %v", err)
	}

	res := d.Dispatch(context.Background(), ob)
	if res.Outcome != domain.AttemptHonored || res.ExternalRef != "ext_1" {
		t.Fatalf("expected stored outcome, got %+v", res)
	}
	if !res.Stored {
		t.Fatalf("stored outcome not flagged: %+v", res)
	}
	if adapter.callCount() != 0 {
		t.Fatalf("concluded obligation reached the adapter %d times", adapter.callCount())
	}
	// The original dispatch already recorded the conclusion; replaying the
	// stored outcome must not add another.
	if rec.count(audit.KindHonored) != 0 {
		t.Fatalf("stored outcome recorded a second HONORED transition")
	}
}

func TestDispatchStopsSchedulingOnCancel(t *testing.T) {
	st := store.NewMemory()
	adapter := &scriptedAdapter{script: []Outcome{
		{Status: domain.AttemptFailedRetry, Reason: "provider 503"},
	}}
	d := NewDispatcher(
		map[domain.Channel]Adapter{giftCard: adapter},
		5,
		backoff.New(time.Millisecond, time.Millisecond),
		st, &recordedAudit{}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res := d.Dispatch(ctx, clearedObligation("int_7"))
	if res.Outcome != domain.AttemptFailedRetry {
		t.Fatalf("unexpected result: %+v", res)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("cancel must stop future retries, got %d calls", adapter.callCount())
	}
}

func TestHTTPAdapterStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   domain.AttemptOutcome
		reason string
	}{
		{"honored", 200, `{"external_ref":"ext_9","proof":"p"}`, domain.AttemptHonored, ""},
		{"auth", 401, `{}`, domain.AttemptFailedTerminal, domain.ReasonAuthFailed},
		{"destination", 404, `{}`, domain.AttemptFailedTerminal, domain.ReasonInvalidDestination},
		{"compliance", 422, `{}`, domain.AttemptFailedTerminal, domain.ReasonCompliance},
		{"server error", 503, `{}`, domain.AttemptFailedRetry, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			out := NewHTTPAdapter(srv.URL).Honor(context.Background(), clearedObligation("int_8"))
			if out.Status != tc.want {
				t.Fatalf("want %s, got %+v", tc.want, out)
			}
			if tc.reason != "" && out.Reason != tc.reason {
				t.Fatalf("want reason %s, got %s", tc.reason, out.Reason)
			}
			if tc.want == domain.AttemptHonored && out.ExternalRef != "ext_9" {
				t.Fatalf("external ref not parsed: %+v", out)
			}
		})
	}
}
