// ============================================================================
// mapprint Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量 (maxRunning) 的 Worker goroutine 持續運行
//   2. 每個 Worker 自行向 Source 拉取任務（pull 模型）
//   3. 結果寫入任務的 Future，由排程器的 sweeper 收集
//
// 架構組件:
//   ┌─────────────┐
//   │ Scheduler   │ ──implements──> Source
//   └─────────────┘                   ↑ Poll(ctx)
//   ┌─────────────┐                   │
//   │   Pool      │                   │
//   │  ┌────────┐ │                   │
//   │  │Worker 1│─────────────────────┤
//   │  │Worker 2│─────────────────────┤
//   │  │Worker N│─────────────────────┘
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool(source) - 創建 Pool
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Stop() - 取消 poll context，等待所有 Worker 完成當前任務
//
// 並發控制:
//   - context: 通知 Worker 停止拉取
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - Mutex: 保護 started/stopped 狀態
//   - active: 正在執行任務的 Worker 數
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	source  Source
	workers []*Worker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64
	started bool
	stopped bool
	mu      sync.Mutex
	log     *zap.Logger
}

// PoolOption 自訂 Pool
type PoolOption func(*Pool)

// WithLogger 設定 logger
func WithLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立從 source 拉取任務的 Worker Pool
func NewPool(source Source, opts ...PoolOption) *Pool {
	p := &Pool{
		source:  source,
		workers: make([]*Worker, 0),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.source, p.addActive, p.log)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	p.started = true
	p.log.Info("worker pool started", zap.Int("workers", workerCount))
	return nil
}

// Stop 優雅地關閉 Worker Pool
//  1. 取消 poll context，Worker 不再拉取新任務
//  2. 等待所有 Worker 完成當前任務
//
// 正在執行的任務由擁有者取消其 Task.Ctx。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		p.cancel()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) addActive(delta int) {
	p.active.Add(int64(delta))
}

// Active 返回正在執行任務的 Worker 數量
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
