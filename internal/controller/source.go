package controller

import (
	"context"
	"time"

	"github.com/ChuLiYu/mapprint/internal/registry"
	"github.com/ChuLiYu/mapprint/internal/worker"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"go.uber.org/zap"
)

// ============================================================================
// worker.Source 實作
// ============================================================================

// Poll 取出下一個等待中的任務交給 worker。沒有任務時阻塞，直到有新提交、
// 後備輪詢逾時或 ctx 結束。任務狀態維持 Waiting，由 sweeper 在 future
// 開始後提升為 Running。
func (c *Controller) Poll(ctx context.Context) (*worker.Task, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return nil, worker.ErrSourceClosed
		}
		job, ok := c.jobManager.PopWaiting()
		if ok {
			task := c.newTask(job.Entry)
			more := c.jobManager.WaitingCount() > 0
			c.mu.Unlock()
			if more {
				// 交棒給下一個閒置的 worker
				c.signal()
			}
			return task, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stopCh:
			return nil, worker.ErrSourceClosed
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// newTask 建立任務的 context 與 future；需持有 c.mu
func (c *Controller) newTask(entry types.Entry) *worker.Task {
	ctx, cancel := context.WithCancelCause(c.baseCtx)
	exec := &execution{ctx: ctx, cancel: cancel, future: worker.NewFuture()}
	c.executions[entry.ReferenceID] = exec

	return &worker.Task{
		ID:     entry.ReferenceID,
		Ctx:    ctx,
		Future: exec.future,
		Run: func(ctx context.Context) (types.Result, error) {
			if err := types.CheckCancelled(ctx); err != nil {
				return types.Result{}, err
			}
			if _, err := c.registry.Increment(context.WithoutCancel(ctx), registry.KeyStarted, 1); err != nil {
				c.log.Warn("failed to count started job", zap.Error(err))
			}
			return c.runner.Run(ctx, entry)
		},
	}
}
