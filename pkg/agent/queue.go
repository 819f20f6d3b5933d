package agent

import "sync"

// taskQueue is a bounded FIFO backlog of task ids held per agent. Unlike an
// output buffer, queued tasks are never silently evicted: a full queue
// rejects the push and the caller routes the task elsewhere.
type taskQueue struct {
	mu    sync.Mutex
	tasks []string
	cap   int
}

func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{
		tasks: make([]string, 0, capacity),
		cap:   capacity,
	}
}

// push appends a task id, reporting false when the queue is full.
func (q *taskQueue) push(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) >= q.cap {
		return false
	}
	q.tasks = append(q.tasks, taskID)
	return true
}

// pop removes and returns the oldest task id.
func (q *taskQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return "", false
	}
	taskID := q.tasks[0]
	copy(q.tasks, q.tasks[1:])
	q.tasks = q.tasks[:len(q.tasks)-1]
	return taskID, true
}

// stealHalf removes the newest half of the queue for transfer to another
// agent, leaving the older half in place so FIFO order is preserved for work
// the owner is about to reach.
func (q *taskQueue) stealHalf() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	if n < 2 {
		return nil
	}
	keep := n / 2
	stolen := make([]string, n-keep)
	copy(stolen, q.tasks[keep:])
	q.tasks = q.tasks[:keep]
	return stolen
}

// drain removes and returns everything queued.
func (q *taskQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	out := make([]string, len(q.tasks))
	copy(out, q.tasks)
	q.tasks = q.tasks[:0]
	return out
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
