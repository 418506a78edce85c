package engine

import (
	"sync"
	"time"
)

// QueueStats is a point-in-time snapshot of queue occupancy.
type QueueStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Errored int `json:"errored"`
}

// taskTable is the in-memory task registry plus FIFO queue. All access
// goes through the mutex; workers and HTTP readers share it.
type taskTable struct {
	mu      sync.Mutex
	pending []string // FIFO of queued task IDs
	tasks   map[string]*Task
}

func newTaskTable() *taskTable {
	return &taskTable{tasks: make(map[string]*Task)}
}

// enqueue registers the task and appends it to the FIFO with no depth
// cap. Never blocks.
func (q *taskTable) enqueue(t *Task) {
	_ = q.enqueueAll([]*Task{t}, 0)
}

// enqueueAll registers every task and appends them to the FIFO, or does
// nothing at all when the batch would push the queue past maxDepth
// (0 = unlimited). The capacity check and the appends happen under one
// lock, so a batch can never half-enqueue.
func (q *taskTable) enqueueAll(tasks []*Task, maxDepth int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxDepth > 0 && len(q.pending)+len(tasks) > maxDepth {
		return ErrQueueSaturated
	}
	for _, t := range tasks {
		q.tasks[t.ID] = t
		q.pending = append(q.pending, t.ID)
	}
	return nil
}

// depth returns the number of queued (not yet running) tasks.
func (q *taskTable) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// dequeue pops the oldest queued task, marks it running and returns a
// snapshot. Returns nil when the queue is empty.
func (q *taskTable) dequeue(workerID int, now time.Time) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		t, ok := q.tasks[id]
		if !ok || t.Status != TaskStatusQueued {
			// Aborted while queued; skip.
			continue
		}
		t.Status = TaskStatusRunning
		t.WorkerID = workerID
		started := now
		t.StartedAt = &started
		snap := *t
		return &snap
	}
	return nil
}

// get returns a snapshot of the task, or nil when unknown.
func (q *taskTable) get(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil
	}
	snap := *t
	return &snap
}

// update applies fn to the stored task under the lock. Terminal tasks
// are immutable; update is a no-op for them. Returns the old status and
// whether the task existed and was mutated.
func (q *taskTable) update(id string, fn func(*Task)) (TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return "", false
	}
	if t.Status.terminal() {
		return t.Status, false
	}
	old := t.Status
	fn(t)
	return old, true
}

// abortQueuedRun marks every still-queued task of runID as Error with
// the given reason. Running and terminal tasks are untouched. Returns
// the IDs that were aborted.
func (q *taskTable) abortQueuedRun(runID, reason string, now time.Time) []string {
	if runID == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var aborted []string
	for _, t := range q.tasks {
		if t.RunID != runID || t.Status != TaskStatusQueued {
			continue
		}
		t.Status = TaskStatusError
		t.Error = reason
		finished := now
		t.FinishedAt = &finished
		aborted = append(aborted, t.ID)
	}
	return aborted
}

// stats counts tasks by status.
func (q *taskTable) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s QueueStats
	for _, t := range q.tasks {
		switch t.Status {
		case TaskStatusQueued:
			s.Queued++
		case TaskStatusRunning:
			s.Running++
		case TaskStatusDone:
			s.Done++
		case TaskStatusError:
			s.Errored++
		}
	}
	return s
}

// evictTerminalBefore removes terminal tasks that finished before the
// cutoff. Returns the number evicted.
func (q *taskTable) evictTerminalBefore(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := 0
	for id, t := range q.tasks {
		if !t.Status.terminal() || t.FinishedAt == nil {
			continue
		}
		if t.FinishedAt.Before(cutoff) {
			delete(q.tasks, id)
			evicted++
		}
	}
	return evicted
}
