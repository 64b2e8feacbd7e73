// Command execd wires the durable execution model's components into a
// running process: the Store, EMM, Reconciliation Engine, Scheduler, and
// the startup Recovery pass, plus a bare health/metrics HTTP surface.
// Grounded on control_plane/main.go's env-var config and startup
// sequencing, stripped of leader election, sharding, JWT auth, CORS, and
// the web/websocket UI surface — all out of scope per spec §1.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nostrband/keepai-exec/internal/emm"
	"github.com/nostrband/keepai-exec/internal/idempotency"
	"github.com/nostrband/keepai-exec/internal/reconcile"
	"github.com/nostrband/keepai-exec/internal/recovery"
	"github.com/nostrband/keepai-exec/internal/scheduler"
	"github.com/nostrband/keepai-exec/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, closeStore := mustStore(ctx)
	defer closeStore()

	cache := mustIdempotencyCache()

	e := emm.New(s)

	r := recovery.New(s, e)
	maintWorkflows, err := r.Run(ctx)
	if err != nil {
		log.Fatalf("[EXECD] recovery pass failed: %v", err)
	}
	for _, m := range maintWorkflows {
		log.Printf("[EXECD] workflow %s awaiting maintenance fix: %s", m.WorkflowID, m.Error)
	}

	registry := reconcile.NewRegistry()
	// Probes are registered by the surrounding system at startup (§4.2
	// "Probes are provided by the surrounding system"); this binary owns
	// only the registry's lifecycle, not its contents.

	reconcileCfg := reconcile.DefaultConfig()
	if v := os.Getenv("RECONCILE_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			reconcileCfg.CheckInterval = d
		}
	}
	engine := reconcile.New(s, e, registry, reconcileCfg).WithCache(cache)

	schedCfg := scheduler.DefaultConfig()
	if v := os.Getenv("SCHEDULER_CONCURRENCY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			schedCfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			schedCfg.CircuitBreakerThreshold = n
		}
	}

	sched := scheduler.New(s, e, noopExecutor{}, schedCfg)

	go engine.Run(ctx)
	go sched.Run(ctx)
	go janitorLoop(ctx, r)

	addr := os.Getenv("HEALTH_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: healthMux(e)}
	go func() {
		log.Printf("[EXECD] health/metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[EXECD] health server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[EXECD] shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// healthMux is the bare ops surface this binary carries (health check,
// Prometheus scrape target, and the two operator-assert actions from
// §4.1.7/§4.1.8's resolvedBy=user_assert_*): none of it is the dashboard
// or multi-tenant API described in §1's UI Non-goal, just raw endpoints
// an operator's curl or runbook can hit directly.
func healthMux(e *emm.EMM) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /admin/mutations/assert-applied", assertHandler(e, true))
	mux.HandleFunc("POST /admin/mutations/assert-failed", assertHandler(e, false))
	return mux
}

type assertRequest struct {
	MutationID string          `json:"mutation_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
}

// assertHandler lets an operator who has confirmed a mutation's real
// external outcome by hand record it, for the indeterminate mutations
// reconciliation itself could not resolve (no probe registered, or
// reconciliation attempts exhausted).
func assertHandler(e *emm.EMM, applied bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req assertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.MutationID == "" {
			http.Error(w, "mutation_id is required", http.StatusBadRequest)
			return
		}
		if req.ObservedAt.IsZero() {
			req.ObservedAt = time.Now()
		}

		var err error
		if applied {
			err = e.AssertMutationApplied(r.Context(), req.MutationID, req.Result, req.ObservedAt)
		} else {
			err = e.AssertMutationFailed(r.Context(), req.MutationID, req.Reason, req.ObservedAt)
		}
		if err != nil {
			log.Printf("[EXECD] operator assert (applied=%t) failed for mutation %s: %v", applied, req.MutationID, err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// janitorLoop re-runs the orphaned-reservation diagnostic periodically
// (SPEC_FULL §12), independent of the one-time startup recovery pass.
func janitorLoop(ctx context.Context, r *recovery.Recovery) {
	interval := 5 * time.Minute
	if v := os.Getenv("JANITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Janitor(ctx); err != nil {
				log.Printf("[EXECD] janitor pass failed: %v", err)
			}
		}
	}
}

func mustStore(ctx context.Context) (store.Store, func()) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Printf("[EXECD] DATABASE_URL unset, running against an in-memory store (dev mode only)")
		ms := store.NewMemoryStore()
		return ms, func() { ms.Close() }
	}
	pg, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		log.Fatalf("[EXECD] failed to connect to Postgres: %v", err)
	}
	log.Printf("[EXECD] connected to Postgres")
	return pg, func() { pg.Close() }
}

func mustIdempotencyCache() *idempotency.Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Printf("[EXECD] REDIS_ADDR unset, idempotency cache is process-local only")
		return idempotency.NewStore(nil)
	}
	backend, err := idempotency.NewRedisBackend(addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		log.Printf("[EXECD] failed to connect to Redis at %s: %v, falling back to process-local cache", addr, err)
		return idempotency.NewStore(nil)
	}
	log.Printf("[EXECD] connected to Redis at %s for idempotency cache", addr)
	return idempotency.NewStore(backend)
}

// noopExecutor is the default HandlerExecutor wired when no domain-
// specific executor is supplied. Driving an actual handler's script body
// through its phases is the surrounding system's domain code (§1: the
// JavaScript sandbox that executes user scripts is out of scope); execd
// only needs a concrete HandlerExecutor to satisfy scheduler.New.
type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, run *store.HandlerRun) {
	log.Printf("[EXECD] no handler executor wired; run %s dispatched but not driven", run.ID)
}
