// ============================================================================
// mapprint 任務管理器 - 任務表與優先佇列
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理列印任務的狀態與等待佇列
//
// 設計理念:
//   1. jobs map - 單一真實來源，保存每個任務的 Entry 與目前狀態
//   2. queue    - 優先佇列 (gods priorityqueue)，預設依建立時間 FIFO
//   3. 被取消的等待任務不從佇列中刪除，PopWaiting() 取出時略過 (lazy delete)
//
// 任務狀態轉換 (State Machine):
//
//	Waiting ──> Running ──> Finished
//	   │           │  └───> Error
//	   │           └──> Canceling ──> Cancelled
//	   ├──> Cancelled
//	   └──> Error
//
//   終止狀態 (Finished / Cancelled / Error) 不可再轉換。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 回傳值一律為複本，呼叫端不會持有內部指標
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/emirpasic/gods/queues/priorityqueue"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 非法的狀態轉換
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Job 任務表中的一筆任務
type Job struct {
	Entry      types.Entry
	Status     types.Status
	CreatedAt  time.Time // 加入佇列的時間
	LastPolled time.Time // 最後一次查詢狀態的時間，用於放棄偵測
	RunningAt  time.Time // 轉為 Running 的時間
	Seq        int64     // 加入順序，FIFO 的次要排序鍵
}

// Comparator 決定等待佇列的優先順序，回傳負數代表 a 優先
type Comparator func(a, b *Job) int

// FIFO 預設比較器：建立時間較早者優先，相同時依加入順序
func FIFO(a, b *Job) int {
	switch {
	case a.CreatedAt.Before(b.CreatedAt):
		return -1
	case a.CreatedAt.After(b.CreatedAt):
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// JobManager 任務管理器
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.ReferenceID]*Job // 所有未移除的任務
	queue   *priorityqueue.Queue       // 等待中的任務（可能含已取消者）
	seq     int64
	waiting int // Waiting 狀態的任務數
}

// ============================================================================
// 核心方法
// ============================================================================

// NewJobManager 建立新的任務管理器實例
//
// 參數說明：
//   - cmp: 等待佇列的比較器，nil 時使用 FIFO
//
// 使用範例：
//
//	jm := NewJobManager(nil)
//	err := jm.Enqueue(entry, types.Waiting(1), time.Now())
func NewJobManager(cmp Comparator) *JobManager {
	if cmp == nil {
		cmp = FIFO
	}
	return &JobManager{
		jobs: make(map[types.ReferenceID]*Job),
		queue: priorityqueue.NewWith(func(a, b interface{}) int {
			return cmp(a.(*Job), b.(*Job))
		}),
	}
}

// Enqueue 將新任務加入任務表與等待佇列
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
//   - ErrInvalidTransition: status 不是 Waiting
func (jm *JobManager) Enqueue(entry types.Entry, status types.Status, now time.Time) error {
	if status.Kind != types.StatusWaiting {
		return fmt.Errorf("%w: new job must be waiting, got %s", ErrInvalidTransition, status.Kind)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[entry.ReferenceID]; exists {
		return ErrDuplicateJob
	}

	jm.seq++
	job := &Job{
		Entry:      entry,
		Status:     status,
		CreatedAt:  now,
		LastPolled: now,
		Seq:        jm.seq,
	}
	jm.jobs[entry.ReferenceID] = job
	jm.queue.Enqueue(job)
	jm.waiting++
	return nil
}

// PopWaiting 取出優先權最高且仍在等待的任務，不改變其狀態
//
// 已離開 Waiting 或已從任務表移除的項目會被略過。
func (jm *JobManager) PopWaiting() (Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for {
		v, ok := jm.queue.Dequeue()
		if !ok {
			return Job{}, false
		}
		job := v.(*Job)
		if current, exists := jm.jobs[job.Entry.ReferenceID]; !exists || current != job {
			continue
		}
		if job.Status.Kind != types.StatusWaiting {
			continue
		}
		return *job, true
	}
}

// Transition 將任務轉換到 next 狀態，回傳先前的狀態
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrInvalidTransition: 轉換不合法（例如覆寫終止狀態）
func (jm *JobManager) Transition(ref types.ReferenceID, next types.Status, now time.Time) (types.Status, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[ref]
	if !exists {
		return types.Status{}, ErrJobNotFound
	}
	prev := job.Status
	if !prev.CanTransitionTo(next.Kind) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Kind, next.Kind)
	}

	if prev.Kind == types.StatusWaiting {
		jm.waiting--
	}
	if next.Kind == types.StatusRunning {
		job.RunningAt = now
	}
	job.Status = next
	return prev, nil
}

// Touch 更新最後查詢時間
func (jm *JobManager) Touch(ref types.ReferenceID, now time.Time) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[ref]
	if !exists {
		return ErrJobNotFound
	}
	job.LastPolled = now
	return nil
}

// Remove 從任務表移除任務；佇列中的殘留項目由 PopWaiting 略過
func (jm *JobManager) Remove(ref types.ReferenceID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if job, exists := jm.jobs[ref]; exists {
		if job.Status.Kind == types.StatusWaiting {
			jm.waiting--
		}
		delete(jm.jobs, ref)
	}
}

// GetJob 取得任務複本
func (jm *JobManager) GetJob(ref types.ReferenceID) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[ref]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// WaitingCount 回傳 Waiting 狀態的任務數
func (jm *JobManager) WaitingCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.waiting
}

// Jobs 回傳所有任務的複本，依加入順序排列
func (jm *JobManager) Jobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Stats 取得各狀態任務的統計資訊
//
// 使用範例：
//
//	stats := jm.Stats()
//	log.Info("queue", zap.Int("waiting", stats["waiting"]), zap.Int("running", stats["running"]))
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.StatusWaiting):   0,
		string(types.StatusRunning):   0,
		string(types.StatusCanceling): 0,
		string(types.StatusFinished):  0,
		string(types.StatusCancelled): 0,
		string(types.StatusError):     0,
	}
	for _, job := range jm.jobs {
		stats[string(job.Status.Kind)]++
	}
	return stats
}
