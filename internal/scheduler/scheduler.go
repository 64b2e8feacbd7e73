package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/nostrband/keepai-exec/internal/emm"
	"github.com/nostrband/keepai-exec/internal/observability"
	"github.com/nostrband/keepai-exec/internal/store"
)

// HandlerExecutor runs one handler run's body to completion, driving it
// through EMM phase/status calls itself. The scheduler's job ends at
// dispatch: admission control, retry creation, and routing the run to
// an executor. What the handler body does with its phase transitions is
// outside this package (it is the surrounding system's domain code).
type HandlerExecutor interface {
	Execute(ctx context.Context, run *store.HandlerRun)
}

// Scheduler implements the contract in §4.3.
type Scheduler struct {
	store    store.Store
	emm      *emm.EMM
	executor HandlerExecutor

	queue     *Queue
	sem       chan struct{} // caps concurrent in-flight handler runs at cfg.MaxConcurrency
	limiter   *ToolLimiter
	breakers  *Breakers
	pollEvery time.Duration
}

func New(s store.Store, e *emm.EMM, executor HandlerExecutor, cfg Config) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Scheduler{
		store:     s,
		emm:       e,
		executor:  executor,
		queue:     NewQueue(),
		sem:       make(chan struct{}, cfg.MaxConcurrency),
		limiter:   NewToolLimiter(cfg.RateLimit, cfg.RateBurst),
		breakers:  NewBreakers(cfg.CircuitBreakerThreshold),
		pollEvery: 2 * time.Second,
	}
}

// Run drives the dispatch loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	log.Printf("[SCHEDULER] started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[SCHEDULER] stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans workflows per §4.3: it skips workflow.status==paused and
// non-empty workflow.error, and creates retry runs for a
// pending_retry_run_id through EMM. Workflows needing a retry dispatch
// are queued through the aging priority queue rather than run inline, so
// a backlog of retries is admitted oldest/most-urgent first instead of
// in arbitrary ListWorkflows order. Pending retries are the only runs
// tick creates; it does not start fresh handler runs.
func (s *Scheduler) tick(ctx context.Context) {
	var workflows []*store.Workflow
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.ListWorkflows(ctx)
		if err != nil {
			return err
		}
		workflows = w
		return nil
	})
	if err != nil {
		log.Printf("[SCHEDULER] ListWorkflows failed: %v", err)
		return
	}

	byID := make(map[string]*store.Workflow, len(workflows))
	for _, wf := range workflows {
		byID[wf.ID] = wf
		s.admitWorkflow(ctx, wf)
	}

	observability.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	s.drainQueue(ctx, byID)
}

// admitWorkflow applies the eligibility rules and enqueues a workflow
// with a pending retry. An eligible workflow without a pending retry is
// only counted under the "dispatched" admission label; no run is created
// for it here.
func (s *Scheduler) admitWorkflow(ctx context.Context, wf *store.Workflow) {
	if wf.Status == "paused" {
		return
	}
	if wf.Error != "" {
		observability.SchedulerAdmissions.WithLabelValues("blocked_workflow").Inc()
		return
	}

	if wf.PendingRetryRunID != "" {
		s.queue.Push(&DispatchTask{WorkflowID: wf.ID, Priority: 0, SubmitTime: time.Now()})
		return
	}

	observability.SchedulerAdmissions.WithLabelValues("dispatched").Inc()
}

// drainQueue pops queued retry dispatches up to the available
// concurrency budget (cfg.MaxConcurrency, enforced by s.sem) and runs
// each one on its own goroutine so a slow handler body cannot stall
// admission of the rest of the backlog.
func (s *Scheduler) drainQueue(ctx context.Context, byID map[string]*store.Workflow) {
	for {
		select {
		case s.sem <- struct{}{}:
		default:
			return // at MaxConcurrency; remaining tasks wait for the next tick
		}

		task := s.queue.Pop()
		if task == nil {
			<-s.sem
			return
		}
		wf, ok := byID[task.WorkflowID]
		if !ok {
			<-s.sem
			continue
		}
		go func(wf *store.Workflow) {
			defer func() { <-s.sem }()
			s.dispatchRetry(ctx, wf)
		}(wf)
	}
}

// dispatchRetry implements the §4.3 retry rule: when
// pending_retry_run_id is set and workflow.error is empty, call
// EMM.CreateRetryRun and drive the new run from phase emitting.
func (s *Scheduler) dispatchRetry(ctx context.Context, wf *store.Workflow) {
	failedRunID := wf.PendingRetryRunID
	sess := &store.Session{WorkflowID: wf.ID}
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetHandlerRun(ctx, failedRunID); err != nil {
			return err
		}
		return tx.StartSession(ctx, sess)
	})
	if err != nil {
		log.Printf("[SCHEDULER] failed to prepare retry session for %s: %v", failedRunID, err)
		return
	}

	retry, err := s.emm.CreateRetryRun(ctx, failedRunID, sess.ID)
	if err != nil {
		log.Printf("[SCHEDULER] CreateRetryRun failed for %s: %v", failedRunID, err)
		return
	}
	observability.SchedulerAdmissions.WithLabelValues("dispatched").Inc()
	s.executor.Execute(ctx, retry)
}

// AllowTool is consulted by handler executors before making an external
// tool call: it composes the per-tool rate limiter and circuit breaker
// so one overloaded or failing integration cannot starve the rest.
func (s *Scheduler) AllowTool(namespace, method string) bool {
	key := namespace + "\x00" + method
	if !s.limiter.Allow(key) {
		observability.SchedulerAdmissions.WithLabelValues("rejected_rate_limit").Inc()
		return false
	}
	cb := s.breakers.For(namespace, method)
	if !cb.Allow() {
		observability.SchedulerAdmissions.WithLabelValues("rejected_circuit_open").Inc()
		return false
	}
	observability.SchedulerCircuitState.WithLabelValues(namespace, method).Set(float64(cb.State()))
	return true
}

// RecordToolOutcome feeds a tool call's result back into its circuit
// breaker.
func (s *Scheduler) RecordToolOutcome(namespace, method string, ok bool) {
	cb := s.breakers.For(namespace, method)
	if ok {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
}
