package htclow

import (
	"fmt"
	"sync"

	"github.com/rs/xid"
)

// TaskState is the lifecycle state of a Task.
type TaskState int32

const (
	TaskInProgress TaskState = iota
	TaskComplete
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskInProgress:
		return "in_progress"
	case TaskComplete:
		return "complete"
	case TaskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Task is a single in-flight unit of work minted by a begin_* call and
// consumed by its matching end_*. The waiter channel is closed exactly once,
// when the task transitions out of InProgress.
type Task struct {
	ID       string
	Priority uint8

	mu     sync.Mutex
	state  TaskState
	result any
	err    error
	waiter chan struct{}
}

func newTask(priority uint8) *Task {
	return &Task{
		ID:       xid.New().String(),
		Priority: priority,
		state:    TaskInProgress,
		waiter:   make(chan struct{}),
	}
}

// Wait blocks until the task completes or is canceled.
func (t *Task) Wait() {
	<-t.waiter
}

// Done returns the task's wait channel, for use in a select alongside a
// context's Done() channel.
func (t *Task) Done() <-chan struct{} {
	return t.waiter
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Complete transitions the task to Complete, recording its result. Callers
// outside this package use it to resolve a task minted by BeginTask once
// their own async work (e.g. an HTCS two-phase _results round trip)
// finishes. A no-op if the task was already finalized (e.g. canceled
// concurrently by Finalize).
func (t *Task) Complete(result any, err error) {
	t.complete(result, err)
}

// complete transitions the task to Complete, recording its result. A no-op
// if the task was already finalized (e.g. canceled concurrently).
func (t *Task) complete(result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskInProgress {
		return
	}
	t.state = TaskComplete
	t.result = result
	t.err = err
	close(t.waiter)
}

// cancel transitions the task to Canceled.
func (t *Task) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskInProgress {
		return
	}
	t.state = TaskCanceled
	t.err = ErrTaskCanceled
	close(t.waiter)
}

// Result returns the task's outcome. Only meaningful after Wait returns.
func (t *Task) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// ErrTaskCanceled is the error recorded on a task canceled by manager
// finalization.
var ErrTaskCanceled = fmt.Errorf("htclow: task canceled")

// taskTable tracks every in-flight task so exactly one task exists per
// task_id at a time, and so manager shutdown can cancel every task still
// in progress.
type taskTable struct {
	mu      sync.Mutex
	maxSize int
	tasks   map[string]*Task
}

func newTaskTable(maxSize int) *taskTable {
	return &taskTable{
		maxSize: maxSize,
		tasks:   make(map[string]*Task),
	}
}

// begin allocates a new task, returning ErrNoTaskSlots if the table is
// already at its configured capacity.
func (tt *taskTable) begin(priority uint8) (*Task, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if len(tt.tasks) >= tt.maxSize {
		return nil, ErrNoTaskSlots
	}

	task := newTask(priority)
	tt.tasks[task.ID] = task
	return task, nil
}

// end removes a completed or canceled task from the table, freeing its slot.
func (tt *taskTable) end(id string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	delete(tt.tasks, id)
}

// cancelAll cancels every task currently in the table, on manager
// shutdown.
func (tt *taskTable) cancelAll() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for _, task := range tt.tasks {
		task.cancel()
	}
}

// len reports how many tasks currently occupy a slot.
func (tt *taskTable) len() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.tasks)
}

// list returns every task currently occupying a slot, for read-only
// inspection (a dashboard snapshot, e.g.); iteration order is unspecified.
func (tt *taskTable) list() []*Task {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	out := make([]*Task, 0, len(tt.tasks))
	for _, task := range tt.tasks {
		out = append(out, task)
	}
	return out
}

// ErrNoTaskSlots is returned by begin when the task table is at capacity.
var ErrNoTaskSlots = fmt.Errorf("htclow: no task slots available")
