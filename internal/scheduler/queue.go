package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// taskHeap implements heap.Interface over DispatchTask. Anti-starvation:
// effective priority drops as a task ages, so a long-waiting background
// workflow eventually outranks a freshly submitted critical one.
type taskHeap []*DispatchTask

const agingFactorSeconds = 10.0

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	now := time.Now()
	effI := float64(h[i].Priority) - now.Sub(h[i].SubmitTime).Seconds()/agingFactorSeconds
	effJ := float64(h[j].Priority) - now.Sub(h[j].SubmitTime).Seconds()/agingFactorSeconds
	if int(effI) == int(effJ) {
		return h[i].SubmitTime.Before(h[j].SubmitTime)
	}
	return effI < effJ
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*DispatchTask)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe aging priority queue of workflows waiting for a
// handler run dispatch.
type Queue struct {
	mu sync.Mutex
	h  taskHeap
}

func NewQueue() *Queue {
	return &Queue{h: make(taskHeap, 0)}
}

func (q *Queue) Push(t *DispatchTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, t)
}

func (q *Queue) Pop() *DispatchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*DispatchTask)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
