package reconcile

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/nostrband/keepai-exec/internal/emm"
	"github.com/nostrband/keepai-exec/internal/idempotency"
	"github.com/nostrband/keepai-exec/internal/observability"
	"github.com/nostrband/keepai-exec/internal/store"
)

// Config tunes the engine away from the §4.2 defaults.
type Config struct {
	Base         time.Duration
	Max          time.Duration
	MaxAttempts  int
	CheckInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Base:          DefaultBaseBackoff,
		Max:           DefaultMaxBackoff,
		MaxAttempts:   DefaultMaxAttempts,
		CheckInterval: DefaultCheckInterval,
	}
}

// Engine runs the sweep loop described in §4.2.
type Engine struct {
	store    store.Store
	emm      *emm.EMM
	registry *Registry
	cache    *idempotency.Store
	cfg      Config

	running int32 // single-flight guard (§5)
}

func New(s store.Store, e *emm.EMM, registry *Registry, cfg Config) *Engine {
	return &Engine{store: s, emm: e, registry: registry, cfg: cfg, cache: idempotency.NewStore(nil)}
}

// WithCache wires a backed idempotency cache (typically Redis-backed) in
// place of the default in-process one, so a resolved idempotency key
// survives process restarts.
func (e *Engine) WithCache(c *idempotency.Store) *Engine {
	e.cache = c
	return e
}

// Run drives the sweep loop until ctx is cancelled. It honors
// process-wide shutdown by returning as soon as the context is done,
// without waiting for an in-flight sweep beyond its own probe timeouts.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	log.Printf("[RECONCILE] engine started, check_interval=%s", e.cfg.CheckInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[RECONCILE] engine stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs exactly one pass, skipping it entirely if a previous
// sweep is still running (single-flight, §5).
func (e *Engine) sweepOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		log.Printf("[RECONCILE] sweep skipped: previous sweep still running")
		return
	}
	defer atomic.StoreInt32(&e.running, 0)

	var due []*store.Mutation
	err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d, err := tx.GetDueForReconciliation(ctx, time.Now())
		if err != nil {
			return err
		}
		due = d
		return nil
	})
	if err != nil {
		log.Printf("[RECONCILE] failed to fetch due mutations: %v", err)
		return
	}
	observability.ReconcileQueueDepth.Set(float64(len(due)))
	if len(due) == 0 {
		return
	}

	log.Printf("[RECONCILE] sweeping %d due mutations", len(due))
	for _, m := range due {
		e.resolveOne(ctx, m)
	}
}

// resolveOne implements §4.2 step 2-3 for a single mutation. Before
// invoking a probe it checks the idempotency cache for a prior
// resolution of the same idempotency_key: a probe that already resolved
// this key (e.g. on an earlier sweep whose ApplyMutation/FailMutation call
// returned an error after the probe answered) need not search externally
// again.
func (e *Engine) resolveOne(ctx context.Context, m *store.Mutation) {
	if m.ReconcileAttempts >= e.cfg.MaxAttempts {
		e.markIndeterminate(ctx, m, "max reconciliation attempts exhausted")
		return
	}

	if m.IdempotencyKey != "" {
		if cached, ok := e.cache.Get(ctx, m.IdempotencyKey); ok {
			e.applyCached(ctx, m, cached)
			return
		}
	}

	probe, ok := e.registry.Lookup(m.ToolNamespace, m.ToolMethod)
	if !ok {
		e.markIndeterminate(ctx, m, "no probe registered for "+m.ToolNamespace+"/"+m.ToolMethod)
		return
	}

	result, err := e.invokeProbe(ctx, probe, m)
	if err != nil {
		log.Printf("[RECONCILE] probe error or panic for mutation %s, treating as retry: %v", m.ID, err)
		e.scheduleRetry(ctx, m)
		observability.ReconcileAttempts.WithLabelValues(m.ToolNamespace, m.ToolMethod, "retry").Inc()
		return
	}

	switch result.Result {
	case ResultApplied:
		if err := e.emm.ApplyMutation(ctx, m.ID, json.RawMessage(result.Value), emm.ResolutionOpts{}); err != nil {
			log.Printf("[RECONCILE] applyMutation failed for %s: %v", m.ID, err)
		}
		if m.IdempotencyKey != "" {
			e.cache.Set(ctx, m.IdempotencyKey, idempotency.Resolution{Applied: true, Result: json.RawMessage(result.Value)})
		}
		observability.ReconcileAttempts.WithLabelValues(m.ToolNamespace, m.ToolMethod, "applied").Inc()

	case ResultFailed:
		if err := e.emm.FailMutation(ctx, m.ID, result.Error, emm.ResolutionOpts{}); err != nil {
			log.Printf("[RECONCILE] failMutation failed for %s: %v", m.ID, err)
		}
		if m.IdempotencyKey != "" {
			e.cache.Set(ctx, m.IdempotencyKey, idempotency.Resolution{Applied: false, Error: result.Error})
		}
		observability.ReconcileAttempts.WithLabelValues(m.ToolNamespace, m.ToolMethod, "failed").Inc()

	default: // ResultRetry
		e.scheduleRetry(ctx, m)
		observability.ReconcileAttempts.WithLabelValues(m.ToolNamespace, m.ToolMethod, "retry").Inc()
	}
}

// applyCached resolves a mutation from a previously cached resolution of
// the same idempotency_key without invoking the probe again.
func (e *Engine) applyCached(ctx context.Context, m *store.Mutation, cached idempotency.Resolution) {
	if cached.Applied {
		if err := e.emm.ApplyMutation(ctx, m.ID, cached.Result, emm.ResolutionOpts{}); err != nil {
			log.Printf("[RECONCILE] applyMutation (from cache) failed for %s: %v", m.ID, err)
		}
		observability.ReconcileAttempts.WithLabelValues(m.ToolNamespace, m.ToolMethod, "applied_cached").Inc()
		return
	}
	if err := e.emm.FailMutation(ctx, m.ID, cached.Error, emm.ResolutionOpts{}); err != nil {
		log.Printf("[RECONCILE] failMutation (from cache) failed for %s: %v", m.ID, err)
	}
	observability.ReconcileAttempts.WithLabelValues(m.ToolNamespace, m.ToolMethod, "failed_cached").Inc()
}

// invokeProbe recovers from a probe panic and folds it into the normal
// error path, per §4.2: "probe throws -> treat as retry".
func (e *Engine) invokeProbe(ctx context.Context, p Probe, m *store.Mutation) (res ProbeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicErr{r}
		}
	}()
	return p(ctx, ProbeParams{
		ToolNamespace:  m.ToolNamespace,
		ToolMethod:     m.ToolMethod,
		ParamsJSON:     m.Params,
		IdempotencyKey: m.IdempotencyKey,
	})
}

type panicErr struct{ v interface{} }

func (p panicErr) Error() string { return "probe panic" }

func (e *Engine) scheduleRetry(ctx context.Context, m *store.Mutation) {
	attempts := m.ReconcileAttempts + 1
	next := time.Now().Add(Backoff(e.cfg.Base, e.cfg.Max, attempts))
	err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.ScheduleNextReconcile(ctx, m.ID, attempts, next)
	})
	if err != nil {
		log.Printf("[RECONCILE] failed to schedule next attempt for %s: %v", m.ID, err)
	}
}

func (e *Engine) markIndeterminate(ctx context.Context, m *store.Mutation, reason string) {
	log.Printf("[RECONCILE] marking mutation %s indeterminate: %s", m.ID, reason)
	if err := e.emm.UpdateMutationStatus(ctx, m.ID, store.MutationIndeterminate); err != nil {
		log.Printf("[RECONCILE] UpdateMutationStatus(indeterminate) failed for %s: %v", m.ID, err)
	}
}
