// ============================================================================
// mapprint Task Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the worker pool from where runnable tasks come from.
//
//   - The scheduler implements Source over its priority queue.
//   - Tests implement it over a channel.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by a Source that will never yield another task.
var ErrSourceClosed = errors.New("task source closed")

// Source hands out runnable tasks to workers.
type Source interface {
	// Poll blocks until a task is available or ctx is done. It returns
	// ErrSourceClosed once the source is drained for good.
	Poll(ctx context.Context) (*Task, error)
}

// ChanSource adapts a channel to Source.
type ChanSource <-chan *Task

// Poll implements Source.
func (c ChanSource) Poll(ctx context.Context) (*Task, error) {
	select {
	case t, ok := <-c:
		if !ok {
			return nil, ErrSourceClosed
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
