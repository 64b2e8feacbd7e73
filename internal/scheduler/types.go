// Package scheduler drives handler run dispatch per the contract in
// §4.3: it decides which workflow's pending retry run is dispatched next,
// honors workflow.status and workflow.error, and routes retry creation
// through EMM. It never writes handler-run, mutation, event, or
// workflow-invariant fields directly.
package scheduler

import "time"

// DispatchTask is one candidate workflow waiting for a handler run.
type DispatchTask struct {
	WorkflowID string
	Priority   int // 0 (critical) to 10 (background)
	SubmitTime time.Time
}

// Config tunes admission control away from defaults.
type Config struct {
	MaxConcurrency          int
	CircuitBreakerThreshold int
	RateLimit               float64 // tokens/sec per tool
	RateBurst               int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:          10,
		CircuitBreakerThreshold: 1000,
		RateLimit:               5,
		RateBurst:               10,
	}
}
