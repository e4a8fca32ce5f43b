package orchestrator

import (
	"sync"

	"agentcore/internal/domain"
)

// taskQueue is a bounded FIFO of task ids. A popped id keeps its slot until
// it is requeued or settled with done, so new submissions cannot take the
// room a task needs to go back on the queue.
type taskQueue struct {
	mu       sync.Mutex
	ids      []string
	held     int
	capacity int
}

func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{capacity: capacity}
}

func (q *taskQueue) push(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids)+q.held >= q.capacity {
		return domain.ErrQueueFull
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *taskQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids[0] = ""
	q.ids = q.ids[1:]
	q.held++
	return id, true
}

// requeue puts a popped id back, at the head when front is set.
func (q *taskQueue) requeue(id string, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release()
	if front {
		q.ids = append([]string{id}, q.ids...)
		return
	}
	q.ids = append(q.ids, id)
}

// done frees the slot of a popped id that will not come back.
func (q *taskQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release()
}

func (q *taskQueue) release() {
	if q.held > 0 {
		q.held--
	}
}

func (q *taskQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, queued := range q.ids {
		if queued == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func (q *taskQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}
