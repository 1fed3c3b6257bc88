package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSQLite(t *testing.T, ttl time.Duration, c *clock) *SQL {
	t.Helper()
	var opts []SQLOption
	if c != nil {
		opts = append(opts, WithClock(c.Now))
	}
	s, err := NewSQL(context.Background(), "sqlite", ":memory:", ttl, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFile(t *testing.T, path string, ttl time.Duration, c *clock, opts ...FileOption) *File {
	t.Helper()
	if c != nil {
		opts = append(opts, WithFileClock(c.Now))
	}
	f, err := NewFile(path, ttl, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func newMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory(1000, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// ============================================================================
// Shared behaviour
// ============================================================================

func TestBackends(t *testing.T) {
	backends := map[string]func(t *testing.T) Registry{
		"memory": func(t *testing.T) Registry { return newMemory(t) },
		"sqlite": func(t *testing.T) Registry { return newSQLite(t, time.Hour, nil) },
		"file": func(t *testing.T) Registry {
			return newFile(t, filepath.Join(t.TempDir(), "registry.log"), time.Hour, nil)
		},
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				r := build(t)
				_, ok, err := r.Get(ctx, "nope")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("put overwrites", func(t *testing.T) {
				r := build(t)
				require.NoError(t, r.Put(ctx, "k", []byte("one")))
				require.NoError(t, r.Put(ctx, "k", []byte("two")))

				v, ok, err := r.Get(ctx, "k")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "two", string(v))
			})

			t.Run("increment", func(t *testing.T) {
				r := build(t)
				n, err := r.Increment(ctx, KeyDone, 1)
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)

				n, err = r.Increment(ctx, KeyDone, 41)
				require.NoError(t, err)
				assert.Equal(t, int64(42), n)

				n, err = Counter(ctx, r, KeyDone)
				require.NoError(t, err)
				assert.Equal(t, int64(42), n)

				n, err = Counter(ctx, r, KeyStarted)
				require.NoError(t, err)
				assert.Equal(t, int64(0), n)
			})

			t.Run("concurrent increments", func(t *testing.T) {
				r := build(t)
				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := r.Increment(ctx, KeyNewRequests, 1)
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				n, err := Counter(ctx, r, KeyNewRequests)
				require.NoError(t, err)
				assert.Equal(t, int64(20), n)
			})

			t.Run("job records", func(t *testing.T) {
				r := build(t)
				rec := types.JobRecord{
					ReferenceID: "ref-1",
					AppID:       "default",
					Status:      types.Cancelled("timeout"),
					StartTime:   1000,
					CompletedAt: 2000,
					Assertion:   types.AccessAssertion{Subject: "alice"},
				}
				require.NoError(t, PutRecord(ctx, r, rec))

				got, ok, err := GetRecord(ctx, r, "ref-1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, rec, got)

				_, ok, err = GetRecord(ctx, r, "ref-2")
				require.NoError(t, err)
				assert.False(t, ok)
			})
		})
	}
}

// ============================================================================
// SQL specifics
// ============================================================================

func TestSQLTTLFromLastAccess(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s := newSQLite(t, time.Minute, c)

	require.NoError(t, s.Put(ctx, "k", []byte("v")))

	c.Advance(50 * time.Second)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "read within ttl")

	// the read above extended the expiry
	c.Advance(50 * time.Second)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "ttl counts from last access")

	c.Advance(61 * time.Second)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired")
}

func TestSQLExpiredCounterRestarts(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s := newSQLite(t, time.Minute, c)

	_, err := s.Increment(ctx, KeyTotalTimeMs, 500)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	n, err := s.Increment(ctx, KeyTotalTimeMs, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestSQLPurge(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s := newSQLite(t, time.Minute, c)

	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	require.NoError(t, s.Put(ctx, "b", []byte("2")))
	c.Advance(2 * time.Minute)
	require.NoError(t, s.Put(ctx, "c", []byte("3")))

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLUnsupportedDriver(t *testing.T) {
	_, err := NewSQL(context.Background(), "mysql", "", time.Minute)
	assert.Error(t, err)
}

// ============================================================================
// File specifics
// ============================================================================

func TestFileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.log")

	f, err := NewFile(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.Put(ctx, "k", []byte("v1")))
	require.NoError(t, f.Put(ctx, "k", []byte("v2")))
	_, err = f.Increment(ctx, KeyDone, 5)
	require.NoError(t, err)
	_, err = f.Increment(ctx, KeyDone, 2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = f.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)

	g := newFile(t, path, time.Hour, nil)
	v, ok, err := g.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", string(v))

	n, err := Counter(ctx, g, KeyDone)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestFileTruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.log")

	f, err := NewFile(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.Put(ctx, "a", []byte("1")))
	require.NoError(t, f.Put(ctx, "b", []byte("2")))
	require.NoError(t, f.Close())

	intact, err := os.ReadFile(path)
	require.NoError(t, err)

	// a half-written record after the last newline
	out, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = out.WriteString(`{"seq":3,"key":"c","val`)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	g := newFile(t, path, time.Hour, nil)
	_, ok, err := g.Get(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, g.Len())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, intact, data, "torn tail removed")

	require.NoError(t, g.Put(ctx, "c", []byte("3")))
	v, ok, err := g.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", string(v))
}

func TestFileStopsAtChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.log")

	f, err := NewFile(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.Put(ctx, "a", []byte("1")))
	require.NoError(t, f.Put(ctx, "b", []byte("2")))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.Len(t, lines, 3) // two records and the empty remainder
	lines[1] = strings.Replace(lines[1], `"key":"b"`, `"key":"x"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644))

	g := newFile(t, path, time.Hour, nil)
	_, ok, err := g.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = g.Get(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, g.Len())
}

func TestFileTTL(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	path := filepath.Join(t.TempDir(), "registry.log")
	f := newFile(t, path, time.Minute, c)

	require.NoError(t, f.Put(ctx, "k", []byte("v")))
	c.Advance(50 * time.Second)
	_, ok, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	c.Advance(50 * time.Second)
	_, ok, err = f.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "ttl counts from last access")

	_, err = f.Increment(ctx, KeyTotalTimeMs, 500)
	require.NoError(t, err)
	c.Advance(2 * time.Minute)
	n, err := f.Increment(ctx, KeyTotalTimeMs, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n, "expired counter restarts")

	_, ok, err = f.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileExpiredEntriesDroppedOnReopen(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	path := filepath.Join(t.TempDir(), "registry.log")

	f, err := NewFile(path, time.Minute, WithFileClock(c.Now))
	require.NoError(t, err)
	require.NoError(t, f.Put(ctx, "old", []byte("1")))
	c.Advance(45 * time.Second)
	require.NoError(t, f.Put(ctx, "new", []byte("2")))
	require.NoError(t, f.Close())

	c.Advance(30 * time.Second)
	g := newFile(t, path, time.Minute, c)
	assert.Equal(t, 1, g.Len())
	_, ok, err := g.Get(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileCompact(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	path := filepath.Join(t.TempDir(), "registry.log")
	f := newFile(t, path, time.Minute, c, WithCompactThreshold(0))

	for i := 0; i < 50; i++ {
		_, err := f.Increment(ctx, KeyNewRequests, 1)
		require.NoError(t, err)
	}
	require.NoError(t, f.Put(ctx, "gone", []byte("x")))
	c.Advance(30 * time.Second)
	require.NoError(t, f.Put(ctx, "kept", []byte("y")))
	c.Advance(45 * time.Second)

	before, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, f.Compact())
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// counter and "gone" expired, "kept" has 15s left
	assert.Equal(t, 1, f.Len())
	require.NoError(t, f.Close())

	c.Advance(10 * time.Second)
	g := newFile(t, path, time.Minute, c)
	v, ok, err := g.Get(ctx, "kept")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "y", string(v))

	c.Advance(61 * time.Second)
	_, ok, err = g.Get(ctx, "kept")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileAutoCompact(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.log")
	f := newFile(t, path, time.Hour, nil, WithCompactThreshold(10))

	for i := 0; i < 25; i++ {
		_, err := f.Increment(ctx, KeyStarted, 1)
		require.NoError(t, err)
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Less(t, strings.Count(string(data), "\n"), 10)

	n, err := Counter(ctx, f, KeyStarted)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
}

func TestFileRequiresPath(t *testing.T) {
	_, err := NewFile("", time.Minute)
	assert.Error(t, err)
}

// ============================================================================
// Retrying
// ============================================================================

type flaky struct {
	Registry
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flaky) Put(ctx context.Context, key string, value []byte) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Registry.Put(ctx, key, value)
}

func TestRetryingRecoversTransientErrors(t *testing.T) {
	f := &flaky{Registry: newMemory(t)}
	f.failures.Store(2)

	r := WithRetry(f, 3, time.Millisecond, nil)
	require.NoError(t, r.Put(context.Background(), "k", []byte("v")))
	assert.Equal(t, int32(3), f.calls.Load())

	v, ok, err := r.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestRetryingGivesUp(t *testing.T) {
	f := &flaky{Registry: newMemory(t)}
	f.failures.Store(100)

	r := WithRetry(f, 2, time.Millisecond, nil)
	assert.Error(t, r.Put(context.Background(), "k", []byte("v")))
	assert.Equal(t, int32(3), f.calls.Load())
}
