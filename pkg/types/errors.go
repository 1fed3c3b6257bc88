package types

import (
	"context"
	"errors"
	"fmt"
)

// 錯誤分類
var (
	// ErrCapacityExceeded 等待佇列已滿，提交被拒絕
	ErrCapacityExceeded = errors.New("waiting queue is full")
	// ErrNoSuchReference 未知的任務 ID
	ErrNoSuchReference = errors.New("no such reference")
	// ErrCancelled 使用者取消
	ErrCancelled = errors.New("job cancelled")
	// ErrTimeout 任務執行超過 timeout
	ErrTimeout = errors.New("job timeout")
	// ErrAbandoned 客戶端在 abandoned timeout 內未查詢狀態
	ErrAbandoned = errors.New("job abandoned timeout")
	// ErrAccessDenied 呼叫者不符合任務的存取斷言
	ErrAccessDenied = errors.New("access denied")
)

// ValidationError 任務設定不合法，在執行前偵測
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// CheckCancelled 在安全點檢查是否已取消，回傳帶原因的 ErrCancelled
func CheckCancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// IsCancellation 判斷錯誤是否屬於取消類（使用者、逾時、放棄、context）
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrAbandoned) ||
		errors.Is(err, context.Canceled)
}
