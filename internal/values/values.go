// Package values 實作每個列印任務在處理器圖中傳遞的鍵值袋
//
// 兩層結構:
//
//	Required  不可變，建構時設定一次 (任務目錄、擷取工廠、模板、任務 ID)
//	mutable   sync.Map，處理器輸出寫入此層，可被覆寫
//
// Fork() 產生 copy-on-write 子袋：讀取穿透至父袋，寫入只留在子袋。
package values

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/mapprint/internal/fetch"
	"github.com/ChuLiYu/mapprint/pkg/types"
)

// 受保護的鍵名
const (
	KeyTaskDir  = "tempTaskDirectory"
	KeyFetcher  = "clientHttpRequestFactory"
	KeyTemplate = "template"
	KeyJobID    = "jobId"
)

var protected = map[string]struct{}{
	KeyTaskDir:  {},
	KeyFetcher:  {},
	KeyTemplate: {},
	KeyJobID:    {},
}

// ErrProtectedKey 嘗試覆寫必要鍵
var ErrProtectedKey = errors.New("values: key is write-once")

// IsProtected 判斷 key 是否為必要鍵
func IsProtected(key string) bool {
	_, ok := protected[key]
	return ok
}

// Required 建構時設定一次的必要欄位
type Required struct {
	TaskDir  string
	Fetcher  fetch.Fetcher
	Template string
	JobID    types.ReferenceID
}

// Values 單一任務的鍵值袋，並發安全
type Values struct {
	required *Required
	parent   *Values
	data     sync.Map
}

// New 建立新的鍵值袋
func New(req Required) *Values {
	return &Values{required: &req}
}

// Required 回傳必要欄位
func (v *Values) Required() Required {
	return *v.required
}

// Put 寫入一個值；必要鍵會回傳 ErrProtectedKey
func (v *Values) Put(key string, value any) error {
	if IsProtected(key) {
		return fmt.Errorf("%w: %s", ErrProtectedKey, key)
	}
	v.data.Store(key, value)
	return nil
}

// PutAll 依序寫入 m 中的所有值，遇到第一個錯誤即停止
func (v *Values) PutAll(m map[string]any) error {
	for k, val := range m {
		if err := v.Put(k, val); err != nil {
			return err
		}
	}
	return nil
}

// Get 讀取值，找不到時往父袋查詢
func (v *Values) Get(key string) (any, bool) {
	switch key {
	case KeyTaskDir:
		return v.required.TaskDir, true
	case KeyFetcher:
		return v.required.Fetcher, true
	case KeyTemplate:
		return v.required.Template, true
	case KeyJobID:
		return v.required.JobID, true
	}
	for cur := v; cur != nil; cur = cur.parent {
		if val, ok := cur.data.Load(key); ok {
			return val, true
		}
	}
	return nil, false
}

// Has 判斷 key 是否存在（必要鍵永遠存在）
func (v *Values) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Lookup 以型別讀取值
func Lookup[T any](v *Values, key string) (T, bool) {
	var zero T
	raw, ok := v.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Keys 回傳所有可見的可變鍵（含父袋），已排序
func (v *Values) Keys() []string {
	seen := make(map[string]struct{})
	for cur := v; cur != nil; cur = cur.parent {
		cur.data.Range(func(k, _ any) bool {
			seen[k.(string)] = struct{}{}
			return true
		})
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fork 建立 copy-on-write 子袋，與父袋共用必要欄位
func (v *Values) Fork() *Values {
	return &Values{required: v.required, parent: v}
}
