package processor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/mapprint/pkg/types"
)

// Task is a node of the fork/join tree. A parent keeps an explicit list of
// its children so Cancel can reach tasks that have not started yet.
type Task struct {
	name   string
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error

	started atomic.Bool

	mu       sync.Mutex
	children []*Task
}

// NewTask creates a root task bound to ctx.
func NewTask(ctx context.Context, name string) *Task {
	tctx, cancel := context.WithCancelCause(ctx)
	return &Task{name: name, ctx: tctx, cancel: cancel, done: make(chan struct{})}
}

// Context is cancelled when the task or one of its ancestors is cancelled.
func (t *Task) Context() context.Context { return t.ctx }

// Name of the task.
func (t *Task) Name() string { return t.name }

// Fork registers a child task. It does not run until Start is called.
func (t *Task) Fork(name string) *Task {
	child := NewTask(t.ctx, name)
	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()
	return child
}

// Start runs fn on a new goroutine. A task cancelled before it starts
// finishes with the cancellation error and fn is never called.
func (t *Task) Start(fn func(ctx context.Context) error) {
	go func() {
		defer t.cancel(nil)
		defer close(t.done)
		if err := types.CheckCancelled(t.ctx); err != nil {
			t.err = err
			return
		}
		t.started.Store(true)
		t.err = fn(t.ctx)
	}()
}

// Started reports whether fn began running.
func (t *Task) Started() bool { return t.started.Load() }

// Done is closed when the task finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is the task result. Only valid after Done.
func (t *Task) Err() error { return t.err }

// Join waits for the task.
func (t *Task) Join() error {
	<-t.done
	return t.err
}

// Cancel cancels the task and every outstanding child. Finished children are
// left untouched.
func (t *Task) Cancel(cause error) {
	t.cancel(cause)
	t.mu.Lock()
	children := append([]*Task(nil), t.children...)
	t.mu.Unlock()
	for _, c := range children {
		select {
		case <-c.done:
		default:
			c.Cancel(cause)
		}
	}
}

// Children returns a snapshot of the forked children.
func (t *Task) Children() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Task(nil), t.children...)
}
