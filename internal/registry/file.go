package registry

// ============================================================================
// File Registry - 單機持久化的 append-only 日誌
// 職責：
// 1. 每次 Put / Increment 追加一筆紀錄到日誌檔（JSON lines）
// 2. 開啟時重放日誌重建記憶體狀態；尾端殘缺或校驗失敗的紀錄會被截斷
// 3. 紀錄數遠大於存活 key 數時壓縮：存活項目寫入 .tmp，fsync 後 rename 覆蓋
//
// TTL 從最後一次存取起算。讀取不寫日誌，所以重啟後以最後一次寫入時間計算。
// 計數器以十進位字串存放，紀錄內容為累加後的值而非差值，重放結果與順序無關。
// ============================================================================

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// 預設壓縮門檻（紀錄數）
const defaultCompactThreshold = 4096

// journalRecord 日誌中的一行
type journalRecord struct {
	Seq      uint64 `json:"seq"`
	Key      string `json:"key"`
	Value    []byte `json:"value"`
	Time     int64  `json:"time"` // 寫入時間 (Unix ms)
	Checksum uint64 `json:"checksum"`
}

// sum 以 xxhash 計算 seq、key、time、value 的校驗和
func (r *journalRecord) sum() uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, n := range []uint64{r.Seq, uint64(r.Time)} {
		for i := range buf {
			buf[i] = byte(n >> (8 * i))
		}
		d.Write(buf[:])
	}
	d.WriteString(r.Key)
	d.Write([]byte{0})
	d.Write(r.Value)
	return d.Sum64()
}

type fileEntry struct {
	value     []byte
	expiresAt time.Time
}

// File 以本地日誌檔實作的 registry，適合單實例部署
type File struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	w       *bufio.Writer
	entries map[string]*fileEntry
	ttl     time.Duration
	now     func() time.Time

	seq              uint64
	records          int // 日誌中的紀錄數
	compactThreshold int
	syncWrites       bool
	closed           bool
}

// FileOption 自訂 File registry
type FileOption func(*File)

// WithFileClock 替換時鐘（測試用）
func WithFileClock(now func() time.Time) FileOption {
	return func(f *File) { f.now = now }
}

// WithCompactThreshold 設定觸發壓縮的紀錄數，<= 0 停用自動壓縮
func WithCompactThreshold(n int) FileOption {
	return func(f *File) { f.compactThreshold = n }
}

// WithSyncWrites 每次寫入後 fsync
func WithSyncWrites(enabled bool) FileOption {
	return func(f *File) { f.syncWrites = enabled }
}

// NewFile 開啟（或建立）path 的日誌並重放
func NewFile(path string, ttl time.Duration, opts ...FileOption) (*File, error) {
	if path == "" {
		return nil, errors.New("file registry requires a path")
	}
	f := &File{
		path:             path,
		entries:          make(map[string]*fileEntry),
		ttl:              ttl,
		now:              time.Now,
		compactThreshold: defaultCompactThreshold,
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	if err := f.open(); err != nil {
		return nil, err
	}
	return f, nil
}

// open 開檔、重放並截斷殘缺尾端
func (f *File) open() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open registry journal: %w", err)
	}

	good, err := f.replay(file)
	if err != nil {
		file.Close()
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat registry journal: %w", err)
	}
	if info.Size() > good {
		if err := file.Truncate(good); err != nil {
			file.Close()
			return fmt.Errorf("truncate registry journal: %w", err)
		}
	}

	f.file = file
	f.w = bufio.NewWriter(file)
	return nil
}

// replay 逐行套用紀錄，回傳最後一筆完整紀錄的結尾 offset
func (f *File) replay(r io.Reader) (int64, error) {
	f.entries = make(map[string]*fileEntry)
	f.records = 0

	br := bufio.NewReader(r)
	var offset int64
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// 沒有換行結尾的最後一行視為寫入中斷
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read registry journal: %w", err)
		}

		var rec journalRecord
		if err := json.Unmarshal(bytes.TrimSpace(line), &rec); err != nil || rec.Checksum != rec.sum() {
			break
		}
		f.apply(rec)
		offset += int64(len(line))
	}

	now := f.now()
	for k, e := range f.entries {
		if !now.Before(e.expiresAt) {
			delete(f.entries, k)
		}
	}
	return offset, nil
}

func (f *File) apply(rec journalRecord) {
	f.entries[rec.Key] = &fileEntry{
		value:     rec.Value,
		expiresAt: time.UnixMilli(rec.Time).Add(f.ttl),
	}
	if rec.Seq > f.seq {
		f.seq = rec.Seq
	}
	f.records++
}

// live 回傳未過期的項目；過期的順便移除
func (f *File) live(key string, now time.Time) *fileEntry {
	e, ok := f.entries[key]
	if !ok {
		return nil
	}
	if !now.Before(e.expiresAt) {
		delete(f.entries, key)
		return nil
	}
	return e
}

// append 寫入一筆紀錄並更新記憶體狀態
func (f *File) append(key string, value []byte, now time.Time) error {
	rec := journalRecord{
		Seq:   f.seq + 1,
		Key:   key,
		Value: value,
		Time:  now.UnixMilli(),
	}
	rec.Checksum = rec.sum()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode registry record %s: %w", key, err)
	}
	line = append(line, '\n')
	if _, err := f.w.Write(line); err != nil {
		return fmt.Errorf("write registry record %s: %w", key, err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("flush registry journal: %w", err)
	}
	if f.syncWrites {
		if err := f.file.Sync(); err != nil {
			return fmt.Errorf("sync registry journal: %w", err)
		}
	}

	f.seq = rec.Seq
	f.records++
	f.entries[key] = &fileEntry{value: value, expiresAt: now.Add(f.ttl)}

	if f.compactThreshold > 0 && f.records >= f.compactThreshold && f.records > 2*len(f.entries) {
		return f.compactLocked()
	}
	return nil
}

// Get 讀取並刷新 TTL
func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, ErrClosed
	}

	now := f.now()
	e := f.live(key, now)
	if e == nil {
		return nil, false, nil
	}
	e.expiresAt = now.Add(f.ttl)
	return e.value, true, nil
}

// Put 覆寫並刷新 TTL
func (f *File) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.append(key, bytes.Clone(value), f.now())
}

// Increment 原子累加；delta 為 0 時只讀取並刷新 TTL，不寫日誌
func (f *File) Increment(_ context.Context, key string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}

	now := f.now()
	var n int64
	e := f.live(key, now)
	if e != nil {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("registry key %s is not a counter: %w", key, err)
		}
		n = parsed
	}
	if delta == 0 {
		if e != nil {
			e.expiresAt = now.Add(f.ttl)
		}
		return n, nil
	}

	n += delta
	if err := f.append(key, []byte(strconv.FormatInt(n, 10)), now); err != nil {
		return 0, err
	}
	return n, nil
}

// Compact 以存活項目重寫日誌
func (f *File) Compact() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.compactLocked()
}

// compactLocked 先寫 .tmp 再 rename，任何一步失敗原日誌保持不變
func (f *File) compactLocked() error {
	tmpPath := f.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create compacted journal: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	now := f.now()
	w := bufio.NewWriter(tmp)
	var seq uint64
	for key, e := range f.entries {
		if !now.Before(e.expiresAt) {
			continue
		}
		seq++
		// 保留剩餘壽命：重放時 time + ttl 等於目前的到期時間
		rec := journalRecord{
			Seq:   seq,
			Key:   key,
			Value: e.value,
			Time:  e.expiresAt.Add(-f.ttl).UnixMilli(),
		}
		rec.Checksum = rec.sum()
		line, err := json.Marshal(rec)
		if err != nil {
			cleanup()
			return fmt.Errorf("encode registry record %s: %w", key, err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("write compacted journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync compacted journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close compacted journal: %w", err)
	}

	if err := f.file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close registry journal: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		// 原日誌仍完整，重新開啟繼續使用
		if reopenErr := f.open(); reopenErr != nil {
			f.closed = true
			return errors.Join(err, reopenErr)
		}
		return fmt.Errorf("replace registry journal: %w", err)
	}

	f.seq = 0
	if err := f.open(); err != nil {
		f.closed = true
		return err
	}
	return nil
}

// Len 目前存活的 key 數
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	n := 0
	for _, e := range f.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Close 寫出緩衝並關閉日誌檔
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	if err := f.w.Flush(); err != nil {
		f.file.Close()
		return fmt.Errorf("flush registry journal: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		f.file.Close()
		return fmt.Errorf("sync registry journal: %w", err)
	}
	return f.file.Close()
}
