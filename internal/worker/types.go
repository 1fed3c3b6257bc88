package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/mapprint/pkg/types"
)

// RunFunc 任務實際執行邏輯
type RunFunc func(ctx context.Context) (types.Result, error)

// Task 代表要執行的任務
type Task struct {
	ID     types.ReferenceID // 任務唯一識別碼
	Ctx    context.Context   // 任務自己的 context，取消時由 Run 協作結束
	Run    RunFunc           // 執行邏輯
	Future *Future           // 執行狀態與結果
}

// Result 代表任務執行結果
type Result struct {
	ID       types.ReferenceID // 任務 ID
	Output   types.Result      // 產出檔案（成功時）
	Error    error             // 錯誤訊息（如果有）
	Started  time.Time         // 開始執行時間
	Duration time.Duration     // 實際執行時間
}

// Future 任務的非同步結果，worker 開始與結束時更新
type Future struct {
	started atomic.Bool
	done    chan struct{}
	once    sync.Once
	result  Result
}

// NewFuture 建立尚未開始的 Future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Started 是否已被 worker 取走開始執行
func (f *Future) Started() bool { return f.started.Load() }

// Done 是否已完成（成功、失敗或取消）
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait 等待完成
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result 回傳結果；尚未完成時 ok 為 false
func (f *Future) Result() (Result, bool) {
	if !f.Done() {
		return Result{}, false
	}
	return f.result, true
}

// DoneCh 完成時關閉的 channel
func (f *Future) DoneCh() <-chan struct{} { return f.done }

func (f *Future) markStarted() { f.started.Store(true) }

// Complete 寫入結果；只有第一次有效
func (f *Future) Complete(r Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}
