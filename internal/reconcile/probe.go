// Package reconcile is the background loop that resolves mutations whose
// outcome could not be determined synchronously (§4.2). It owns a
// process-wide probe registry, exponential backoff, and a single-flight
// sweep loop.
package reconcile

import (
	"context"
	"sync"
)

// Result is a probe's verdict on an uncertain mutation.
type Result int

const (
	ResultApplied Result = iota
	ResultFailed
	ResultRetry
)

// ProbeResult carries the probe's result plus whatever payload an
// Applied verdict produced.
type ProbeResult struct {
	Result Result
	Value  []byte
	Error  string
}

// Probe resolves one mutation's outcome out-of-band, e.g. "search the
// Sent folder for the idempotency key". Probes may perform I/O; they
// must not touch the database and must not throw to signal retry —
// returning ResultRetry is the contract. A probe that does throw is
// treated as Retry by the engine (§4.2 step 3).
type Probe func(ctx context.Context, params ProbeParams) (ProbeResult, error)

// ProbeParams is the typed envelope a probe receives. The engine never
// interprets ParamsJSON beyond forwarding it.
type ProbeParams struct {
	ToolNamespace  string
	ToolMethod     string
	ParamsJSON     []byte
	IdempotencyKey string
}

// Registry is the process-wide (tool_namespace, tool_method) -> Probe
// map. It is populated at startup and read-only thereafter (§9).
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

func registryKey(namespace, method string) string {
	return namespace + "\x00" + method
}

// Register binds a probe to (namespace, method). Intended for startup
// wiring only; calling it after the engine starts sweeping is safe but
// unusual.
func (r *Registry) Register(namespace, method string, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[registryKey(namespace, method)] = p
}

// Lookup returns the probe for (namespace, method), if any.
func (r *Registry) Lookup(namespace, method string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[registryKey(namespace, method)]
	return p, ok
}
