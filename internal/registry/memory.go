package registry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"
)

// Memory 以 theine 快取實作的單實例 registry
type Memory struct {
	mu    sync.Mutex // 保護 Increment 的讀-改-寫
	cache *theine.Cache[string, []byte]
	ttl   time.Duration
}

// NewMemory 建立最多 size 個 key、存取後 ttl 過期的 registry
func NewMemory(size int64, ttl time.Duration) (*Memory, error) {
	cache, err := theine.NewBuilder[string, []byte](size).Build()
	if err != nil {
		return nil, err
	}
	return &Memory{cache: cache, ttl: ttl}, nil
}

// Get 讀取並刷新 TTL
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	m.cache.SetWithTTL(key, v, 1, m.ttl)
	return v, true, nil
}

// Put 覆寫
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.SetWithTTL(key, value, 1, m.ttl)
	return nil
}

// Increment 原子累加
func (m *Memory) Increment(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if v, ok := m.cache.Get(key); ok {
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n += delta
	m.cache.SetWithTTL(key, []byte(strconv.FormatInt(n, 10)), 1, m.ttl)
	return n, nil
}

// Close 釋放快取
func (m *Memory) Close() error {
	m.cache.Close()
	return nil
}
