package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize = 1024
	defaultRingSize  = 4096
)

// Mirror decouples obligation processing from the audit sink with a
// bounded queue. Record never blocks and never fails: when the queue is
// full the oldest entry is dropped, and when the sink errors the record
// lands in the in-memory ring instead.
type Mirror struct {
	sink   Sink
	queue  chan Record
	ring   *ring
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	dropped uint64

	done chan struct{}
	stop context.CancelFunc
}

type MirrorOption func(*Mirror)

func WithQueueSize(n int) MirrorOption {
	return func(m *Mirror) {
		if n > 0 {
			m.queue = make(chan Record, n)
		}
	}
}

func WithRingSize(n int) MirrorOption {
	return func(m *Mirror) {
		if n > 0 {
			m.ring = newRing(n)
		}
	}
}

func WithClock(clock func() time.Time) MirrorOption {
	return func(m *Mirror) { m.clock = clock }
}

// NewMirror starts the drain worker; callers must Close on shutdown.
func NewMirror(sink Sink, logger *slog.Logger, opts ...MirrorOption) *Mirror {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		sink:   sink,
		queue:  make(chan Record, defaultQueueSize),
		ring:   newRing(defaultRingSize),
		logger: logger,
		clock:  time.Now,
		done:   make(chan struct{}),
		stop:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.drain(ctx)
	return m
}

// Record enqueues without blocking. Correctness of clearing and honoring
// never depends on this write landing.
func (m *Mirror) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.clock().UTC()
	}
	for {
		select {
		case m.queue <- rec:
			return
		default:
		}
		// Queue full: drop the oldest and retry once; if a concurrent
		// producer wins the slot, loop again.
		select {
		case old := <-m.queue:
			m.noteDrop(old)
		default:
		}
	}
}

func (m *Mirror) noteDrop(old Record) {
	m.mu.Lock()
	m.dropped++
	n := m.dropped
	m.mu.Unlock()
	m.ring.push(old)
	if n%100 == 1 {
		m.logger.Warn("audit queue full, dropping oldest to ring", "dropped_total", n)
	}
}

// Dropped reports how many records were displaced from the queue.
func (m *Mirror) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Mirror) drain(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case rec := <-m.queue:
			m.append(ctx, rec)
		case <-ctx.Done():
			// Final drain of whatever is queued.
			for {
				select {
				case rec := <-m.queue:
					m.append(context.Background(), rec)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) append(ctx context.Context, rec Record) {
	if err := m.sink.Append(ctx, rec); err != nil {
		m.ring.push(rec)
		m.logger.Warn("audit sink unavailable, buffering in memory",
			"kind", rec.Kind,
			"obligation_id", rec.ObligationID.Hex(),
			"err", err)
	}
}

// Get queries historical records. When the sink is unavailable it serves
// the in-memory ring so operators still see recent activity.
func (m *Mirror) Get(ctx context.Context, f Filter) ([]Record, error) {
	recs, err := m.sink.Query(ctx, f)
	if err == nil {
		return recs, nil
	}
	m.logger.Warn("audit sink query failed, serving ring buffer", "err", err)
	var out []Record
	for _, rec := range m.ring.snapshot() {
		if f.Matches(rec) {
			out = append(out, rec)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

// Close stops the worker after draining queued records.
func (m *Mirror) Close() {
	m.stop()
	<-m.done
}
