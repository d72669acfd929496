package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester"
)

func TestQueueOrder(t *testing.T) {
	q := newQueue()
	for i := int64(1); i <= 3; i++ {
		q.Push(&ingester.IngestTask{ID: i})
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 tasks, got %d", q.Len())
	}
	for i := int64(1); i <= 3; i++ {
		task, ok := q.Pop(context.Background(), time.Millisecond)
		if !ok || task.ID != i {
			t.Fatalf("expected task %d, got %v", i, task)
		}
	}
}

func TestQueuePopWaits(t *testing.T) {
	q := newQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(&ingester.IngestTask{ID: 7})
	}()
	task, ok := q.Pop(context.Background(), 5*time.Second)
	if !ok || task.ID != 7 {
		t.Fatalf("expected pushed task, got %v", task)
	}
}

func TestQueuePopTimeout(t *testing.T) {
	q := newQueue()
	start := time.Now()
	if _, ok := q.Pop(context.Background(), 20*time.Millisecond); ok {
		t.Fatalf("expected empty queue")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("pop returned before its timeout")
	}
}

func TestQueuePopCancelled(t *testing.T) {
	q := newQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Pop(ctx, time.Minute); ok {
		t.Fatalf("expected cancelled pop to return nothing")
	}
}
