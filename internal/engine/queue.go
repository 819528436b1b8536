package engine

import (
	"sync"

	"github.com/roach88/ccmrt/internal/ir"
)

// task is a nested instantiation waiting for its turn.
type task struct {
	ref    ir.IRValue
	config ir.IRValue
	render bool
	parent *Instance
	slot   slot
	path   string
}

// taskQueue is the FIFO of pending nested instantiations of one flow.
// Tasks are pushed while a level's dependencies are collected and popped
// once they are all resolved, which yields breadth-first construction.
type taskQueue struct {
	mu    sync.Mutex
	tasks []task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{tasks: make([]task, 0, 16)}
}

// Push adds a task to the back of the queue.
func (q *taskQueue) Push(t task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

// Pop removes and returns the front task.
func (q *taskQueue) Pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return task{}, false
	}
	t := q.tasks[0]
	// release the slot's references
	q.tasks[0] = task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
