// ============================================================================
// mapprint Registry - 跨實例共享的任務狀態
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 窄介面 key/value 儲存，存放任務終止紀錄與全域計數器
//
// 介面:
//   Get(key)             讀取並刷新 TTL
//   Put(key, value)      覆寫並刷新 TTL
//   Increment(key, n)    原子累加計數器並回傳新值
//
// TTL 從最後一次存取起算；過期的 key 視同不存在。
//
// 實作:
//   - Memory: theine 快取（單實例、測試）
//   - File: append-only 日誌檔（單實例、重啟後保留）
//   - SQL: sqlite / PostgreSQL（多實例共享）
//   - Retrying: 以指數退避重試暫時性錯誤
//
// ============================================================================

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/mapprint/pkg/types"
)

// ErrClosed registry 已關閉
var ErrClosed = errors.New("registry closed")

// 全域計數器 key
const (
	KeyNewRequests = "print:new"
	KeyStarted     = "print:started"
	KeyDone        = "print:done"
	KeyTotalTimeMs = "print:totalTimeMs"
)

// Registry 任務狀態儲存
type Registry interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Increment(ctx context.Context, key string, delta int64) (int64, error)
}

func recordKey(ref types.ReferenceID) string {
	return "job:" + string(ref)
}

// PutRecord 寫入任務紀錄
func PutRecord(ctx context.Context, r Registry, rec types.JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ReferenceID, err)
	}
	return r.Put(ctx, recordKey(rec.ReferenceID), data)
}

// GetRecord 讀取任務紀錄
func GetRecord(ctx context.Context, r Registry, ref types.ReferenceID) (types.JobRecord, bool, error) {
	data, ok, err := r.Get(ctx, recordKey(ref))
	if err != nil || !ok {
		return types.JobRecord{}, false, err
	}
	var rec types.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.JobRecord{}, false, fmt.Errorf("failed to decode record %s: %w", ref, err)
	}
	return rec, true, nil
}

// Counter 讀取計數器目前值
func Counter(ctx context.Context, r Registry, key string) (int64, error) {
	return r.Increment(ctx, key, 0)
}
