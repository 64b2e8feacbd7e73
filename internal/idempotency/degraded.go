package idempotency

import (
	"context"
	"log"
	"sync"
	"time"
)

// maxPendingWrites bounds the buffer so an extended Redis outage cannot
// grow it without limit. Adapted from the teacher's
// resilience/degraded_mode.go bounded pending-writes list.
const maxPendingWrites = 10000

// staleAfter drops a buffered write that is too old to be worth
// replaying — matches resilience/reconciliation.go's 5 minute staleness
// window.
const staleAfter = 5 * time.Minute

// Degraded tracks whether the idempotency cache's backend is reachable
// and buffers writes made while it is not, replaying them once it
// recovers (each buffered entry overwrites the backend's value; entries
// older than staleAfter are dropped instead). This is a distinct, smaller
// concept from internal/reconcile's mutation-outcome reconciliation: here
// "reconciliation" means replaying a local cache write to Redis, nothing
// about an external side-effect's outcome.
type Degraded struct {
	mu        sync.Mutex
	available bool
	pending   map[string]entry
	order     []string
}

func NewDegraded() *Degraded {
	return &Degraded{available: true, pending: make(map[string]entry)}
}

// MarkUnavailable flips the backend to unreachable and logs the
// transition once, not on every failed call.
func (d *Degraded) MarkUnavailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.available {
		log.Printf("[IDEMPOTENCY] backend unavailable, entering degraded mode")
		d.available = false
	}
}

// MarkAvailable flips the backend back to reachable and, on the
// transition, replays any buffered writes through store.
func (d *Degraded) MarkAvailable(ctx context.Context, store *Store) {
	d.mu.Lock()
	wasDown := !d.available
	d.available = true
	d.mu.Unlock()
	if wasDown {
		log.Printf("[IDEMPOTENCY] backend recovered, reconciling pending writes")
		d.Reconcile(ctx, store)
	}
}

// Buffer records a write made while the backend was unreachable,
// evicting the oldest buffered entry once the bound is hit.
func (d *Degraded) Buffer(key string, e entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pending[key]; !exists {
		if len(d.order) >= maxPendingWrites {
			oldest := d.order[0]
			d.order = d.order[1:]
			delete(d.pending, oldest)
			log.Printf("[IDEMPOTENCY] pending-write buffer full, dropped oldest key %s", oldest)
		}
		d.order = append(d.order, key)
	}
	d.pending[key] = e
}

// Reconcile replays buffered writes to the backend. Last-write-wins: it
// does not re-check the backend's current value before overwriting,
// since an idempotency cache entry is only ever written once (the
// mutation's terminal resolution) and never updated afterward — unlike
// the teacher's general-purpose versioned cache, there is no concurrent
// writer to race against once the key's terminal resolution lands.
func (d *Degraded) Reconcile(ctx context.Context, store *Store) {
	d.mu.Lock()
	keys := make([]string, len(d.order))
	copy(keys, d.order)
	d.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	reconciled, stale, failed := 0, 0, 0
	for _, key := range keys {
		d.mu.Lock()
		e, ok := d.pending[key]
		d.mu.Unlock()
		if !ok {
			continue
		}

		if time.Since(e.Timestamp) > staleAfter {
			stale++
			d.drop(key)
			continue
		}

		if err := store.writeBackend(ctx, key, e); err != nil {
			log.Printf("[IDEMPOTENCY] failed to reconcile %s: %v", key, err)
			failed++
			continue
		}
		reconciled++
		d.drop(key)
	}
	log.Printf("[IDEMPOTENCY] reconciliation complete: %d reconciled, %d stale, %d failed", reconciled, stale, failed)
}

func (d *Degraded) drop(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// PendingCount reports how many writes await reconciliation.
func (d *Degraded) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
