package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStoreMemoryFallbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	if _, ok := s.Get(ctx, "k1"); ok {
		t.Fatalf("expected miss on empty store")
	}

	s.Set(ctx, "k1", Resolution{Applied: true, Result: json.RawMessage(`{"id":"m-7"}`)})

	got, ok := s.Get(ctx, "k1")
	if !ok {
		t.Fatalf("expected hit after Set")
	}
	if !got.Applied || string(got.Result) != `{"id":"m-7"}` {
		t.Fatalf("unexpected resolution: %+v", got)
	}
}

// failingBackend implements Backend, failing Get/Set while err is set and
// recording writes in data once it is cleared.
type failingBackend struct {
	err  error
	data map[string]string
}

func newFailingBackend(err error) *failingBackend {
	return &failingBackend{err: err, data: map[string]string{}}
}

func (f *failingBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.data[key] = value
	return nil
}

func (f *failingBackend) Get(ctx context.Context, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.data[key], nil
}

func TestStoreDegradesToLocalCacheOnBackendFailure(t *testing.T) {
	ctx := context.Background()
	b := newFailingBackend(errors.New("connection refused"))
	s := NewStore(b)

	s.Set(ctx, "k1", Resolution{Applied: false, Error: "boom"})

	got, ok := s.Get(ctx, "k1")
	if !ok {
		t.Fatalf("expected local-cache hit despite backend failure")
	}
	if got.Applied || got.Error != "boom" {
		t.Fatalf("unexpected resolution: %+v", got)
	}
	if s.degraded.PendingCount() != 1 {
		t.Fatalf("expected 1 pending write, got %d", s.degraded.PendingCount())
	}
}

func TestDegradedReconcilesOnRecovery(t *testing.T) {
	ctx := context.Background()
	b := newFailingBackend(errors.New("down"))
	s := NewStore(b)

	s.Set(ctx, "k1", Resolution{Applied: true, Result: json.RawMessage(`{}`)})
	if s.degraded.PendingCount() != 1 {
		t.Fatalf("expected buffered write while backend is down")
	}

	b.err = nil
	// A subsequent Get that succeeds flips the backend back to available
	// and replays the buffered write.
	if _, ok := s.Get(ctx, "some-other-key"); ok {
		t.Fatalf("unexpected hit for unrelated key")
	}

	if s.degraded.PendingCount() != 0 {
		t.Fatalf("expected pending writes drained after recovery, got %d", s.degraded.PendingCount())
	}
	if _, ok := b.data["k1"]; !ok {
		t.Fatalf("expected k1 reconciled into backend")
	}
}
