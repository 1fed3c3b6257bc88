// Package types 定義了 mapprint 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"slices"
	"time"
)

// ReferenceID 列印任務唯一識別碼
type ReferenceID string

// StatusKind 任務狀態種類
type StatusKind string

// 定義任務狀態常數
const (
	StatusWaiting   StatusKind = "waiting"   // 等待中：已提交，尚未被 worker 取走
	StatusRunning   StatusKind = "running"   // 執行中：worker 已開始執行
	StatusCanceling StatusKind = "canceling" // 取消中：已要求取消，等待 worker 結束
	StatusFinished  StatusKind = "finished"  // 完成：成功產出檔案
	StatusCancelled StatusKind = "cancelled" // 已取消：使用者取消、逾時或被放棄
	StatusError     StatusKind = "error"     // 錯誤：執行失敗
)

// Status 任務狀態（sum type），只有對應種類的欄位有意義
type Status struct {
	Kind StatusKind `json:"kind"`

	// Waiting: 提交當下的請求序號，用於估計等待時間
	RequestCount int64 `json:"request_count,omitempty"`

	// Finished: 產出結果
	Result *Result `json:"result,omitempty"`

	// Cancelled / Error: 人類可讀訊息
	Message string `json:"message,omitempty"`
}

// Waiting 建立等待狀態
func Waiting(requestCount int64) Status {
	return Status{Kind: StatusWaiting, RequestCount: requestCount}
}

// Running 建立執行中狀態
func Running() Status { return Status{Kind: StatusRunning} }

// Canceling 建立取消中狀態
func Canceling() Status { return Status{Kind: StatusCanceling} }

// Finished 建立完成狀態
func Finished(result Result) Status {
	return Status{Kind: StatusFinished, Result: &result}
}

// Cancelled 建立已取消狀態
func Cancelled(message string) Status {
	return Status{Kind: StatusCancelled, Message: message}
}

// Failed 建立錯誤狀態
func Failed(message string) Status {
	return Status{Kind: StatusError, Message: message}
}

// IsTerminal 判斷是否為終止狀態
func (s Status) IsTerminal() bool {
	switch s.Kind {
	case StatusFinished, StatusCancelled, StatusError:
		return true
	}
	return false
}

// allowed 合法的狀態轉換表
//
//	Waiting   → Running | Cancelled | Error
//	Running   → Canceling | Finished | Error
//	Canceling → Cancelled
var allowed = map[StatusKind][]StatusKind{
	StatusWaiting:   {StatusRunning, StatusCancelled, StatusError},
	StatusRunning:   {StatusCanceling, StatusFinished, StatusError},
	StatusCanceling: {StatusCancelled},
}

// CanTransitionTo 檢查狀態轉換是否合法（單調，終止狀態不可覆寫）
func (s Status) CanTransitionTo(next StatusKind) bool {
	return slices.Contains(allowed[s.Kind], next)
}

// Result 任務產出
type Result struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// Principal 呼叫者身分（由傳輸層解析，例如 JWT）
type Principal struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// AccessAssertion 任務存取控制斷言；空斷言代表任何人皆可存取
type AccessAssertion struct {
	Subject string   `json:"subject,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Permits 檢查 principal 是否符合斷言
func (a AccessAssertion) Permits(p *Principal) bool {
	if a.Subject == "" && len(a.Roles) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	if a.Subject != "" && a.Subject == p.Subject {
		return true
	}
	for _, role := range a.Roles {
		if slices.Contains(p.Roles, role) {
			return true
		}
	}
	return false
}

// Entry 提交的列印任務，除狀態外建立後不可變
type Entry struct {
	ReferenceID ReferenceID     `json:"reference_id"`
	AppID       string          `json:"app_id"`
	RequestData json.RawMessage `json:"request_data"`
	StartTime   time.Time       `json:"start_time"`
	Assertion   AccessAssertion `json:"assertion"`
}

// JobRecord 持久化至 registry 的任務資料（供水平擴展的其他實例查詢）
type JobRecord struct {
	ReferenceID ReferenceID     `json:"reference_id"`
	AppID       string          `json:"app_id"`
	Status      Status          `json:"status"`
	StartTime   int64           `json:"start_time"`             // Unix 毫秒
	CompletedAt int64           `json:"completed_at,omitempty"` // Unix 毫秒
	Assertion   AccessAssertion `json:"assertion"`
}

// StatusReport getStatus 的回應
type StatusReport struct {
	ReferenceID ReferenceID `json:"reference_id"`
	Done        bool        `json:"done"`
	Status      Status      `json:"status"`
	Error       string      `json:"error,omitempty"`
	Cancelled   bool        `json:"cancelled"`
	ElapsedMs   int64       `json:"elapsed_ms"`
	WaitingMs   int64       `json:"waiting_ms"`
}
