package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/mapprint/internal/registry"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"go.uber.org/zap"
)

// sweepLoop 週期性執行 sweep
func (c *Controller) sweepLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("sweep loop stopped")
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep 提升、逾時、放棄與收集，參見檔頭說明
func (c *Controller) sweep() {
	now := c.now()
	var finals []final

	c.mu.Lock()
	for _, job := range c.jobManager.Jobs() {
		ref := job.Entry.ReferenceID
		exec := c.executions[ref]

		if job.Status.Kind == types.StatusWaiting && exec != nil && exec.future.Started() {
			c.transition(ref, types.Running(), now)
			job.Status = types.Running()
		}

		if exec != nil && exec.future.Done() {
			if job.Status.IsTerminal() {
				// already persisted when it was cancelled
				c.jobManager.Remove(ref)
				c.release(ref)
				continue
			}
			res, _ := exec.future.Result()
			status := c.outcome(job.Status, exec, res.Error)
			c.transition(ref, status, now)
			finals = append(finals, final{
				job:      job,
				status:   status,
				duration: res.Duration,
				ran:      true,
				at:       now,
			})
			continue
		}

		if job.Status.IsTerminal() {
			continue
		}

		if c.config.Timeout > 0 && job.Status.Kind == types.StatusRunning &&
			now.Sub(job.Entry.StartTime) > c.config.Timeout {
			c.log.Info("job timed out", zap.String("job", string(ref)), zap.Duration("timeout", c.config.Timeout))
			c.transition(ref, types.Canceling(), now)
			if exec != nil {
				exec.cancel(fmt.Errorf("%w after %s", types.ErrTimeout, c.config.Timeout))
			}
			continue
		}

		if c.config.AbandonedTimeout > 0 && now.Sub(job.LastPolled) > c.config.AbandonedTimeout {
			c.log.Info("job abandoned", zap.String("job", string(ref)), zap.Time("last_polled", job.LastPolled))
			cause := fmt.Errorf("%w: no status request for %s", types.ErrAbandoned, c.config.AbandonedTimeout)
			if f := c.cancelLocked(job, cause, cause.Error()); f != nil {
				finals = append(finals, *f)
			}
		}
	}

	stats := c.jobManager.Stats()
	c.mu.Unlock()

	c.finalize(finals)

	if c.metrics != nil {
		c.metrics.UpdateQueueStats(stats[string(types.StatusWaiting)],
			stats[string(types.StatusRunning)]+stats[string(types.StatusCanceling)])
	}
}

// outcome 決定已完成任務的終止狀態
func (c *Controller) outcome(current types.Status, exec *execution, err error) types.Status {
	switch {
	case current.Kind == types.StatusCanceling:
		cause := context.Cause(exec.ctx)
		if cause == nil {
			cause = err
		}
		if cause == nil {
			return types.Cancelled(types.ErrCancelled.Error())
		}
		return types.Cancelled(cause.Error())
	case err == nil:
		res, _ := exec.future.Result()
		return types.Finished(res.Output)
	default:
		return types.Failed(err.Error())
	}
}

// finalize 持久化終止紀錄、記錄指標，最後移出任務表。任務在持久化完成前
// 仍以終止狀態留在表中，查詢不會落空。
func (c *Controller) finalize(finals []final) {
	if len(finals) == 0 {
		return
	}
	ctx := context.WithoutCancel(c.baseCtx)

	for _, f := range finals {
		entry := f.job.Entry
		if err := registry.PutRecord(ctx, c.registry, record(entry, f.status, f.at)); err != nil {
			c.log.Error("failed to persist terminal job", zap.String("job", string(entry.ReferenceID)), zap.Error(err))
		}

		if f.ran {
			if _, err := c.registry.Increment(ctx, registry.KeyDone, 1); err != nil {
				c.log.Warn("failed to count finished job", zap.Error(err))
			}
			if _, err := c.registry.Increment(ctx, registry.KeyTotalTimeMs, f.duration.Milliseconds()); err != nil {
				c.log.Warn("failed to count job duration", zap.Error(err))
			}
		}

		if c.metrics != nil {
			switch f.status.Kind {
			case types.StatusFinished:
				c.metrics.RecordSuccess(entry.AppID, f.duration.Seconds(), f.status.Result.Size)
			case types.StatusCancelled:
				c.metrics.RecordCancelled(entry.AppID)
			case types.StatusError:
				c.metrics.RecordError(entry.AppID)
			}
		}

		c.log.Info("job done",
			zap.String("job", string(entry.ReferenceID)),
			zap.String("status", string(f.status.Kind)),
			zap.String("message", f.status.Message),
			zap.Duration("duration", f.duration))
	}

	c.mu.Lock()
	for _, f := range finals {
		ref := f.job.Entry.ReferenceID
		c.jobManager.Remove(ref)
		c.release(ref)
	}
	c.mu.Unlock()
}

// release 釋放任務 context；需持有 c.mu
func (c *Controller) release(ref types.ReferenceID) {
	if exec, ok := c.executions[ref]; ok {
		exec.cancel(nil)
		delete(c.executions, ref)
	}
}
