// Package idempotency caches resolved mutation outcomes keyed by
// idempotency_key, so a reconciliation probe that already resolved a
// mutation via an external search doesn't need to re-search on every
// sweep, and a mutation's idempotency_key can be checked before a tool
// call fires a second time after a crash. Adapted almost unchanged from
// the teacher's idempotency/store.go, repurposed from HTTP-response
// caching to probe-resolution caching.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Resolution is the cached outcome of resolving one idempotency key:
// either a definite Applied/Failed verdict and, for Applied, the result
// payload a probe or tool call produced.
type Resolution struct {
	Applied   bool            `json:"applied"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Backend matches what the Redis implementation offers: a plain
// string-keyed TTL cache. The Store falls back to an in-memory map when
// no Backend is wired, the same shape as the teacher's Store.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Store caches resolved mutation outcomes. With no backend it degrades to
// a process-local map (lost on restart, which is acceptable: the
// authoritative record is always the mutation row itself — this is a
// cache to avoid redundant probe calls, never a substitute for the
// mutation log).
type Store struct {
	backend Backend
	cache   sync.Map

	// degraded is nil unless a backend was supplied; it buffers writes
	// made while the backend is unreachable so they can be replayed once
	// it recovers (see degraded.go).
	degraded *Degraded
}

type entry struct {
	Res       Resolution
	Timestamp time.Time
}

// DefaultTTL mirrors the teacher's 24h idempotency-result retention.
const DefaultTTL = 24 * time.Hour

func NewStore(backend Backend) *Store {
	s := &Store{backend: backend}
	if backend != nil {
		s.degraded = NewDegraded()
	}
	return s
}

// Get returns the cached resolution for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Resolution, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			log.Printf("[IDEMPOTENCY] backend error getting %s: %v, falling back to local cache", key, err)
			s.degraded.MarkUnavailable()
			return s.getLocal(key)
		}
		s.degraded.MarkAvailable(ctx, s)
		if val == "" {
			return s.getLocal(key)
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Resolution{}, false
		}
		return e.Res, true
	}
	return s.getLocal(key)
}

func (s *Store) getLocal(key string) (Resolution, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Resolution{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > DefaultTTL {
		s.cache.Delete(key)
		return Resolution{}, false
	}
	return e.Res, true
}

// Set caches a resolved outcome for key. If the backend is unreachable,
// the write lands in the local cache and the degraded-mode pending-write
// buffer for later reconciliation.
func (s *Store) Set(ctx context.Context, key string, res Resolution) {
	res.Timestamp = time.Now()
	e := entry{Res: res, Timestamp: res.Timestamp}
	s.cache.Store(key, e)

	if s.backend == nil {
		return
	}
	if err := s.writeBackend(ctx, key, e); err != nil {
		log.Printf("[IDEMPOTENCY] backend error setting %s: %v, buffering for reconciliation", key, err)
		s.degraded.MarkUnavailable()
		s.degraded.Buffer(key, e)
		return
	}
	s.degraded.MarkAvailable(ctx, s)
}

func (s *Store) writeBackend(ctx context.Context, key string, e entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, key, string(raw), DefaultTTL)
}
