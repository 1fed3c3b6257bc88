// ============================================================================
// mapprint 控制器 - 列印任務排程器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 接受、排隊、限流、逾時與統計列印任務
//
// 架構設計:
//   - JobManager: 任務表與等待佇列（單一粗粒度鎖 c.mu 保護所有變更）
//   - Registry:   持久化任務紀錄與全域計數器，讓其他實例也能回答查詢
//   - WorkerPool: 固定 MaxRunning 個 worker，透過 Poll() 向控制器拉取任務
//   - Runner:     實際執行一個任務（處理器圖 + 模板輸出）
//
// 任務生命週期:
//
//	Submit ──> Waiting ──Poll──> (future started) ──sweep──> Running ──> Finished / Error
//	             │                                              │
//	             └──Cancel / abandoned──> Cancelled             └──Cancel / timeout / abandoned
//	                                                                 ──> Canceling ──> Cancelled
//
// Sweeper (單一 ticker，不使用每任務計時器):
//   1. 已開始執行的 Waiting 任務提升為 Running
//   2. Running 超過 Timeout（自提交起算）-> Canceling + cancel(ErrTimeout)
//   3. 超過 AbandonedTimeout 未查詢狀態 -> 放棄
//   4. 收集已完成的 future -> 持久化終止紀錄 + 指標（恰好一次）-> 移出任務表
//
// 取消為協作式：設定 context cause，Runner 在節點/圖磚邊界檢查。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/mapprint/internal/auth"
	"github.com/ChuLiYu/mapprint/internal/jobmanager"
	"github.com/ChuLiYu/mapprint/internal/metrics"
	"github.com/ChuLiYu/mapprint/internal/registry"
	"github.com/ChuLiYu/mapprint/internal/worker"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ErrStopped 控制器已停止，不再接受任務
var ErrStopped = errors.New("controller stopped")

// errShutdown 關機時取消執行中任務的原因
var errShutdown = fmt.Errorf("%w: server shutting down", types.ErrCancelled)

// ============================================================================
// 資料結構定義
// ============================================================================

// Runner 執行單一列印任務
type Runner interface {
	Run(ctx context.Context, entry types.Entry) (types.Result, error)
}

// RunnerFunc 將函式轉為 Runner
type RunnerFunc func(ctx context.Context, entry types.Entry) (types.Result, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, entry types.Entry) (types.Result, error) {
	return f(ctx, entry)
}

// Config Controller 配置
type Config struct {
	MaxRunning       int           // 同時執行的任務數（outer pool 大小）
	MaxWaiting       int           // 等待佇列上限
	Timeout          time.Duration // 自提交起算的硬性逾時；0 代表不限
	AbandonedTimeout time.Duration // 多久未查詢狀態視為放棄；0 代表不限
	SweepInterval    time.Duration // sweeper 週期
	PollInterval     time.Duration // worker 無任務時的後備輪詢週期
	Comparator       jobmanager.Comparator
}

func (c Config) withDefaults() Config {
	if c.MaxRunning <= 0 {
		c.MaxRunning = 4
	}
	if c.MaxWaiting <= 0 {
		c.MaxWaiting = 5000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// execution 已被 worker 取走的任務
type execution struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	future *worker.Future
}

// final 待持久化的終止狀態
type final struct {
	job      jobmanager.Job
	status   types.Status
	duration time.Duration
	ran      bool
	at       time.Time
}

// Controller 核心控制器
type Controller struct {
	mu         sync.Mutex
	jobManager *jobmanager.JobManager
	executions map[types.ReferenceID]*execution
	pending    map[types.ReferenceID]bool // 已預留、尚未放入任務表的 Submit
	registry   registry.Registry
	runner     Runner
	pool       *worker.Pool
	metrics    *metrics.Collector
	log        *zap.Logger
	now        func() time.Time
	config     Config

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wake       chan struct{}
	stopCh     chan struct{}
	started    bool
	stopped    bool
	loopWg     sync.WaitGroup
}

// Option 自訂 Controller
type Option func(*Controller)

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger 設定 logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock 替換時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, runner Runner, reg registry.Registry, opts ...Option) *Controller {
	config = config.withDefaults()
	c := &Controller{
		jobManager: jobmanager.NewJobManager(config.Comparator),
		executions: make(map[types.ReferenceID]*execution),
		pending:    make(map[types.ReferenceID]bool),
		registry:   reg,
		runner:     runner,
		log:        zap.NewNop(),
		now:        time.Now,
		config:     config,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	c.pool = worker.NewPool(c, worker.WithLogger(c.log))
	return c
}

// Start 啟動 Worker Pool 與 sweeper
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return errors.New("controller already started")
	}

	if err := c.pool.Start(c.config.MaxRunning); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.started = true

	c.loopWg.Add(1)
	go c.sweepLoop()

	c.log.Info("controller started",
		zap.Int("max_running", c.config.MaxRunning),
		zap.Int("max_waiting", c.config.MaxWaiting))
	return nil
}

// Submit 提交任務。等待佇列已滿時回傳 ErrCapacityExceeded。
// entry.ReferenceID 為空時自動產生。
//
// 流程：持鎖預留名額與 reference → 不持鎖計數並寫入 Waiting 紀錄 →
// 持鎖放入任務表。任務在 Waiting 紀錄寫入後才可見，之後只有 finalize 會寫紀錄。
func (c *Controller) Submit(ctx context.Context, entry types.Entry) (types.ReferenceID, error) {
	if entry.ReferenceID == "" {
		entry.ReferenceID = types.ReferenceID(ulid.Make().String())
	}
	if entry.AppID == "" {
		entry.AppID = "default"
	}
	ref := entry.ReferenceID

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", ErrStopped
	}
	if _, exists := c.jobManager.GetJob(ref); exists || c.pending[ref] {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", jobmanager.ErrDuplicateJob, ref)
	}
	if c.jobManager.WaitingCount()+len(c.pending) >= c.config.MaxWaiting {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordRejected(entry.AppID)
		}
		return "", types.ErrCapacityExceeded
	}
	c.pending[ref] = true
	now := c.now()
	c.mu.Unlock()

	if entry.StartTime.IsZero() {
		entry.StartTime = now
	}
	requestCount, err := c.registry.Increment(ctx, registry.KeyNewRequests, 1)
	if err != nil {
		c.log.Warn("failed to count request", zap.Error(err))
	}
	status := types.Waiting(requestCount)
	if err := registry.PutRecord(ctx, c.registry, record(entry, status, time.Time{})); err != nil {
		c.log.Warn("failed to persist waiting job", zap.String("job", string(ref)), zap.Error(err))
	}

	c.mu.Lock()
	delete(c.pending, ref)
	if c.stopped {
		c.mu.Unlock()
		// Stop 已經結束，這筆紀錄不會再有人更新
		shutdown := types.Cancelled("server shutting down")
		if err := registry.PutRecord(context.WithoutCancel(ctx), c.registry, record(entry, shutdown, now)); err != nil {
			c.log.Warn("failed to persist rejected job", zap.String("job", string(ref)), zap.Error(err))
		}
		return "", ErrStopped
	}
	err = c.jobManager.Enqueue(entry, status, now)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	if c.metrics != nil {
		c.metrics.RecordSubmitted(entry.AppID)
	}
	c.signal()

	c.log.Debug("job submitted",
		zap.String("job", string(ref)),
		zap.String("app", entry.AppID),
		zap.Int64("request_count", requestCount))
	return ref, nil
}

// Cancel 取消任務
//
//   - Waiting（尚未執行）: 直接 Cancelled
//   - Running: Canceling，並協作式取消
//   - 終止狀態: 不變，回傳 nil
//   - 未知: ErrNoSuchReference
//
// context 中帶有 principal 時檢查存取斷言。
func (c *Controller) Cancel(ctx context.Context, ref types.ReferenceID) error {
	principal := auth.FromContext(ctx)

	c.mu.Lock()
	job, ok := c.jobManager.GetJob(ref)
	if !ok {
		c.mu.Unlock()
		rec, found, err := registry.GetRecord(ctx, c.registry, ref)
		if err != nil {
			return err
		}
		if !found || !rec.Status.IsTerminal() {
			// 非終止的外部紀錄屬於其他實例，無法在此取消
			return types.ErrNoSuchReference
		}
		if principal != nil && !rec.Assertion.Permits(principal) {
			return types.ErrAccessDenied
		}
		return nil
	}
	if principal != nil && !job.Entry.Assertion.Permits(principal) {
		c.mu.Unlock()
		return types.ErrAccessDenied
	}

	f := c.cancelLocked(job, types.ErrCancelled, "cancelled by user")
	c.mu.Unlock()

	if f != nil {
		c.finalize([]final{*f})
	}
	c.log.Info("job cancel requested", zap.String("job", string(ref)), zap.String("status", string(job.Status.Kind)))
	return nil
}

// cancelLocked 依目前狀態取消任務；需持有 c.mu。若任務直接進入終止狀態，
// 回傳待持久化的 final。
func (c *Controller) cancelLocked(job jobmanager.Job, cause error, message string) *final {
	ref := job.Entry.ReferenceID
	exec := c.executions[ref]
	now := c.now()

	switch job.Status.Kind {
	case types.StatusWaiting:
		if exec != nil && exec.future.Started() {
			c.transition(ref, types.Running(), now)
			c.transition(ref, types.Canceling(), now)
			exec.cancel(cause)
			return nil
		}
		status := types.Cancelled(message)
		c.transition(ref, status, now)
		if exec != nil {
			exec.cancel(cause)
		}
		return &final{job: job, status: status, at: now}

	case types.StatusRunning:
		c.transition(ref, types.Canceling(), now)
		if exec != nil {
			exec.cancel(cause)
		}
	}
	return nil
}

// GetStatus 取得任務狀態並刷新最後查詢時間
func (c *Controller) GetStatus(ctx context.Context, ref types.ReferenceID) (types.StatusReport, error) {
	principal := auth.FromContext(ctx)
	now := c.now()

	c.mu.Lock()
	job, ok := c.jobManager.GetJob(ref)
	if ok {
		if principal != nil && !job.Entry.Assertion.Permits(principal) {
			c.mu.Unlock()
			return types.StatusReport{}, types.ErrAccessDenied
		}
		c.jobManager.Touch(ref, now)
	}
	c.mu.Unlock()

	if !ok {
		rec, found, err := registry.GetRecord(ctx, c.registry, ref)
		if err != nil {
			return types.StatusReport{}, err
		}
		if !found {
			return types.StatusReport{}, types.ErrNoSuchReference
		}
		if principal != nil && !rec.Assertion.Permits(principal) {
			return types.StatusReport{}, types.ErrAccessDenied
		}
		end := now.UnixMilli()
		if rec.CompletedAt != 0 {
			end = rec.CompletedAt
		}
		return report(ref, rec.Status, end-rec.StartTime, 0), nil
	}

	var waiting int64
	if job.Status.Kind == types.StatusWaiting {
		waiting = c.estimateWait(ctx, job.Status.RequestCount)
	}
	return report(ref, job.Status, now.Sub(job.Entry.StartTime).Milliseconds(), waiting), nil
}

// estimateWait 以吞吐量估計等待時間：前面的任務數 / MaxRunning × 平均執行時間
func (c *Controller) estimateWait(ctx context.Context, requestCount int64) int64 {
	started, err1 := registry.Counter(ctx, c.registry, registry.KeyStarted)
	done, err2 := registry.Counter(ctx, c.registry, registry.KeyDone)
	total, err3 := registry.Counter(ctx, c.registry, registry.KeyTotalTimeMs)
	if err := errors.Join(err1, err2, err3); err != nil {
		c.log.Debug("failed to read counters", zap.Error(err))
		return 0
	}
	return estimate(requestCount, started, done, total, c.config.MaxRunning)
}

func estimate(requestCount, started, done, totalMs int64, maxRunning int) int64 {
	ahead := requestCount - started
	if ahead <= 0 || done <= 0 || maxRunning <= 0 {
		return 0
	}
	return ahead * (totalMs / done) / int64(maxRunning)
}

func report(ref types.ReferenceID, s types.Status, elapsedMs, waitingMs int64) types.StatusReport {
	r := types.StatusReport{
		ReferenceID: ref,
		Done:        s.IsTerminal(),
		Status:      s,
		Cancelled:   s.Kind == types.StatusCancelled || s.Kind == types.StatusCanceling,
		ElapsedMs:   elapsedMs,
		WaitingMs:   waitingMs,
	}
	if s.Kind == types.StatusError {
		r.Error = s.Message
	}
	return r
}

// Stats 取得系統狀態
func (c *Controller) Stats() map[string]int {
	stats := c.jobManager.Stats()
	stats["workers"] = c.pool.GetWorkerCount()
	stats["active"] = c.pool.Active()
	return stats
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. 標記 stopped，取消所有執行中任務（Canceling）
//  2. 停止 sweeper
//  3. pool.Stop() 等待 worker 結束目前任務
//  4. 最後一次 sweep，持久化已完成任務
//  5. 從未開始的 Waiting 任務標記為 Cancelled
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true

	var finals []final
	for _, job := range c.jobManager.Jobs() {
		if job.Status.IsTerminal() {
			continue
		}
		if f := c.cancelLocked(job, errShutdown, "server shutting down"); f != nil {
			finals = append(finals, *f)
		}
	}
	c.mu.Unlock()

	c.log.Info("stopping controller...")
	close(c.stopCh)
	c.loopWg.Wait()
	c.pool.Stop()

	c.finalize(finals)
	c.sweep()
	c.baseCancel()
	c.log.Info("controller stopped")
}

// signal 喚醒一個等待任務的 worker
func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) transition(ref types.ReferenceID, next types.Status, now time.Time) {
	if _, err := c.jobManager.Transition(ref, next, now); err != nil {
		c.log.Error("illegal status transition", zap.String("job", string(ref)), zap.Error(err))
	}
}

func record(entry types.Entry, s types.Status, completed time.Time) types.JobRecord {
	rec := types.JobRecord{
		ReferenceID: entry.ReferenceID,
		AppID:       entry.AppID,
		Status:      s,
		StartTime:   entry.StartTime.UnixMilli(),
		Assertion:   entry.Assertion,
	}
	if !completed.IsZero() {
		rec.CompletedAt = completed.UnixMilli()
	}
	return rec
}
