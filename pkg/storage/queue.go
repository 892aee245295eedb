package storage

import (
	"context"
	"sync"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
)

const defaultQueueDepth = 10

// task is one deferred write. Critical tasks (decisions, sessions) are never
// dropped; when the queue is full they displace the oldest droppable task or,
// if everything queued is critical, block until there is room.
type task struct {
	name     string
	critical bool
	run      func(context.Context) error
}

// Queue decouples the coordinator tick from storage latency. A single worker
// drains writes in order; the bounded buffer sheds the oldest non-critical
// entries under backpressure so a slow disk can only cost telemetry, never
// audit records.
type Queue struct {
	provider Provider
	depth    int

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []task
	closed  bool
	dropped int

	done chan struct{}
}

// NewQueue starts the worker goroutine. Close drains outstanding writes.
func NewQueue(provider Provider, depth int) *Queue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	q := &Queue{
		provider: provider,
		depth:    depth,
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Enqueue adds a write task. Returns false if the task was rejected because
// the queue is closed.
func (q *Queue) Enqueue(name string, critical bool, run func(context.Context) error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return false
		}
		if len(q.buf) < q.depth {
			break
		}
		if idx := q.oldestDroppable(); idx >= 0 {
			dropped := q.buf[idx]
			q.buf = append(q.buf[:idx], q.buf[idx+1:]...)
			q.dropped++
			log.Ctx(context.Background()).Warn("storage queue full, dropped oldest non-critical write",
				"op", dropped.name, "total_dropped", q.dropped)
			break
		}
		// all queued tasks are critical; wait for the worker
		q.cond.Wait()
	}
	q.buf = append(q.buf, task{name: name, critical: critical, run: run})
	q.cond.Signal()
	return true
}

// Dropped returns how many writes have been shed since startup.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Depth returns the number of writes currently waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Queue) oldestDroppable() int {
	for i, t := range q.buf {
		if !t.critical {
			return i
		}
	}
	return -1
}

func (q *Queue) worker() {
	defer close(q.done)
	ctx := context.Background()
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.buf) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		t := q.buf[0]
		q.buf = q.buf[1:]
		q.cond.Broadcast()
		q.mu.Unlock()

		if err := t.run(ctx); err != nil {
			log.Ctx(ctx).Error("deferred storage write failed", "op", t.name, "error", err)
		}
	}
}

// Close stops accepting writes, waits for the worker to drain the buffer and
// closes the underlying provider.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
	return q.provider.Close()
}
