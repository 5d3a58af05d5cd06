package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/accordsai/honorlane/pkg/wideid"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memSink struct {
	mu       sync.Mutex
	recs     []Record
	appendFn func(Record) error
	queryErr error
}

func (s *memSink) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendFn != nil {
		if err := s.appendFn(r); err != nil {
			return err
		}
	}
	s.recs = append(s.recs, r)
	return nil
}

func (s *memSink) Query(_ context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []Record
	for _, r := range s.recs {
		if f.Matches(r) {
			out = append(out, r)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestMirrorDeliversToSink(t *testing.T) {
	sink := &memSink{}
	m := NewMirror(sink, discard())
	defer m.Close()

	obID := wideid.ObligationID("int_1")
	m.Record(Record{Kind: KindAttested, ObligationID: obID})
	m.Record(Record{Kind: KindCleared, ObligationID: obID})

	waitFor(t, func() bool { return sink.len() == 2 })

	recs, err := m.Get(context.Background(), Filter{ObligationID: obID})
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if len(recs) != 2 || recs[0].Kind != KindAttested || recs[1].Kind != KindCleared {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if recs[0].Timestamp.IsZero() {
		t.Fatalf("mirror must stamp records")
	}
}

func TestMirrorSinkFailureFallsBackToRing(t *testing.T) {
	sink := &memSink{
		appendFn: func(Record) error { return errors.New("store down") },
		queryErr: errors.New("store down"),
	}
	m := NewMirror(sink, discard())
	defer m.Close()

	obID := wideid.ObligationID("int_2")
	m.Record(Record{Kind: KindHonored, ObligationID: obID})

	waitFor(t, func() bool {
		recs, _ := m.Get(context.Background(), Filter{ObligationID: obID})
		return len(recs) == 1 && recs[0].Kind == KindHonored
	})
}

func TestMirrorDropsOldestWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	sink := &memSink{appendFn: func(Record) error {
		<-block
		return nil
	}}
	m := NewMirror(sink, discard(), WithQueueSize(2))

	obID := wideid.ObligationID("int_3")
	// One record occupies the worker, two fill the queue, the rest displace.
	for i := 0; i < 6; i++ {
		m.Record(Record{Kind: KindHonorAttempt, ObligationID: obID, Payload: map[string]any{"n": i}})
	}
	if m.Dropped() == 0 {
		t.Fatalf("expected drops with full queue")
	}
	once.Do(func() { close(block) })
	m.Close()

	// Everything still queued at close time must have been drained.
	if sink.len() == 0 {
		t.Fatalf("expected drained records in sink")
	}
}

func TestFilterMatching(t *testing.T) {
	obID := wideid.ObligationID("int_4")
	rec := Record{Kind: KindAdmitted, ObligationID: obID}

	if !(Filter{}).Matches(rec) {
		t.Fatalf("empty filter must match")
	}
	if !(Filter{ObligationID: obID, Kinds: TransitionKinds}).Matches(rec) {
		t.Fatalf("transition filter must match ADMITTED")
	}
	if (Filter{Kinds: []Kind{KindHonorAttempt}}).Matches(rec) {
		t.Fatalf("kind filter must exclude other kinds")
	}
	if (Filter{ObligationID: wideid.ObligationID("other")}).Matches(rec) {
		t.Fatalf("obligation filter must exclude other obligations")
	}
}
