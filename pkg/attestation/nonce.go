package attestation

import (
	"sync"
	"time"
)

type nonceEntry struct {
	owner  string
	expiry time.Time
}

// NonceWindow is a bounded, time-evicted replay window. CheckAndInsert is a
// single atomic operation: concurrent submissions reusing a nonce across
// different intents cannot both pass. A nonce re-presented by the intent
// that first used it is a duplicate submission, not a replay, and passes so
// that ledger idempotency can converge the retry onto one clearing.
type NonceWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	seen    map[string]nonceEntry
	inserts int
}

const defaultNonceMax = 100_000

func NewNonceWindow(ttl time.Duration, max int) *NonceWindow {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if max <= 0 {
		max = defaultNonceMax
	}
	return &NonceWindow{
		ttl:  ttl,
		max:  max,
		seen: make(map[string]nonceEntry),
	}
}

// CheckAndInsert reports whether owner may use the nonce at now, recording
// the use when allowed. A nonce older than the window may be reused;
// intents themselves expire well before that in practice.
func (w *NonceWindow) CheckAndInsert(nonce, owner string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.seen[nonce]; ok && now.Before(e.expiry) && e.owner != owner {
		return false
	}
	w.inserts++
	if w.inserts >= 1024 || len(w.seen) >= w.max {
		w.sweep(now)
		w.inserts = 0
	}
	w.seen[nonce] = nonceEntry{owner: owner, expiry: now.Add(w.ttl)}
	return true
}

// sweep drops expired entries; caller holds the lock.
func (w *NonceWindow) sweep(now time.Time) {
	for n, e := range w.seen {
		if !now.Before(e.expiry) {
			delete(w.seen, n)
		}
	}
}

// Len reports the current number of tracked nonces.
func (w *NonceWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
