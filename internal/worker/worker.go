// ============================================================================
// mapprint Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes print jobs, each Worker runs in its own goroutine
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Worker Goroutine                    │
//   │  ┌───────────────────────────────┐   │
//   │  │ for {                         │   │
//   │  │   task := source.Poll(ctx)    │   │
//   │  │   ├─ future.markStarted()     │   │
//   │  │   ├─ run(task.Ctx) + recover  │   │
//   │  │   └─ future.Complete(result)  │   │
//   │  │ }                             │   │
//   │  └───────────────────────────────┘   │
//   └──────────────────────────────────────┘
//
// Error Handling:
//   - Errors and panics are captured into Result and never escape the worker
//   - Cancellation is cooperative: task.Ctx is cancelled by the scheduler and
//     Run is expected to observe it at safe points
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/mapprint/pkg/types"
	"go.uber.org/zap"
)

// Worker represents a work execution unit
type Worker struct {
	id     int
	source Source
	active func(delta int)
	log    *zap.Logger
}

func newWorker(id int, source Source, active func(int), log *zap.Logger) *Worker {
	return &Worker{
		id:     id,
		source: source,
		active: active,
		log:    log.With(zap.Int("worker", id)),
	}
}

// Run polls the source until ctx is done or the source is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return
			}
			w.log.Warn("poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if task == nil {
			continue
		}

		w.active(1)
		w.execute(task)
		w.active(-1)
	}
}

// execute runs one task and completes its future.
func (w *Worker) execute(task *Task) {
	task.Future.markStarted()
	start := time.Now()

	ctx := task.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	output, err := w.safeRun(ctx, task)
	result := Result{
		ID:       task.ID,
		Output:   output,
		Error:    err,
		Started:  start,
		Duration: time.Since(start),
	}
	if err != nil {
		w.log.Debug("task failed", zap.String("job", string(task.ID)), zap.Error(err))
	}
	task.Future.Complete(result)
}

func (w *Worker) safeRun(ctx context.Context, task *Task) (out types.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task panicked",
				zap.String("job", string(task.ID)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}
