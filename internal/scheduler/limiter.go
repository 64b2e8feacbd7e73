package scheduler

import (
	"sync"

	"golang.org/x/time/rate"
)

// ToolLimiter rate-limits dispatch per (tool_namespace, tool_method) key
// so one misbehaving tool cannot starve the rest of the workflow's
// handler runs.
type ToolLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func NewToolLimiter(r float64, b int) *ToolLimiter {
	return &ToolLimiter{limiters: make(map[string]*rate.Limiter), r: rate.Limit(r), b: b}
}

func (l *ToolLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim.Allow()
}
