package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jcu-dc24/ingester"
)

// queue is an unbounded FIFO of tasks whose Pop waits a bounded time, so a
// worker looping on it notices shutdown promptly.
type queue struct {
	mu     sync.Mutex
	tasks  []*ingester.IngestTask
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) Push(t *ingester.IngestTask) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) tryPop() (*ingester.IngestTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t, true
}

// Pop removes the oldest task, waiting at most timeout for one to arrive.
// It returns false if none arrived or ctx was cancelled.
func (q *queue) Pop(ctx context.Context, timeout time.Duration) (*ingester.IngestTask, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if t, ok := q.tryPop(); ok {
			return t, true
		}
		select {
		case <-q.signal:
		case <-timer.C:
			return q.tryPop()
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
