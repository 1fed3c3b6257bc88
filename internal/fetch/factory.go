// ============================================================================
// mapprint HTTP Fetch/Cache Layer
// ============================================================================
//
// Package: internal/fetch
// File: factory.go
// Purpose: Deferred, deduplicated, retrying HTTP fetches whose bodies are
//          snapshotted to bounded temporary storage.
//
// Flow:
//   Register(req)  ──> entry exists in cache? ──yes──> new Handle on shared entry
//        │                     │no
//        │                     └─> new entry, goroutine waits for an inner pool
//        │                         slot, fetches with retries, writes temp file
//        └─> returns Handle immediately
//
//   Handle.Execute(ctx) joins the entry and opens a private body stream.
//
// Schemes:
//   http/https go to the network; data:, file: and asset: resolve synchronously
//   through the same Handle so callers never special-case them.
//
// ============================================================================

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/mapprint/internal/logger"
	"github.com/ChuLiYu/mapprint/internal/metrics"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/Yiling-J/theine-go"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrConsumed is returned when a handle is executed a second time.
	ErrConsumed = errors.New("fetch: response already consumed")
	// ErrBodyTooLarge is returned when a body exceeds Config.MaxBodyBytes.
	ErrBodyTooLarge = errors.New("fetch: response body too large")
	// ErrClosed is returned by handles registered after Close.
	ErrClosed = errors.New("fetch: factory closed")
)

// Fetcher is the part of the Factory used by processors.
type Fetcher interface {
	Register(ctx context.Context, req *http.Request) *Handle
}

// Factory issues requests on a shared inner pool and caches their responses.
type Factory struct {
	cfg     Config
	client  *retryablehttp.Client
	entries *theine.Cache[uint64, *entry]
	mu      sync.Mutex // serialises get-or-create on entries
	sem     *semaphore.Weighted
	tempDir string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	networkFetches atomic.Int64

	metrics *metrics.Collector
	log     *zap.Logger
}

// Option customises a Factory.
type Option func(*Factory)

// WithMetrics records per-host timers and counters into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(f *Factory) { f.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) { f.log = l }
}

// NewFactory creates a factory and its private temp directory.
func NewFactory(cfg Config, opts ...Option) (*Factory, error) {
	cfg = cfg.withDefaults()

	f := &Factory{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.Concurrency)),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	dir, err := os.MkdirTemp(cfg.TempDir, "mapprint-fetch-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	f.tempDir = dir

	proxy, err := cfg.proxyFunc()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("invalid proxy rule: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxy
	transport.MaxIdleConnsPerHost = cfg.Concurrency

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   cfg.Timeout,
	}
	client.RetryMax = cfg.MaxAttempts - 1
	client.RetryWaitMin = cfg.RetryInterval
	client.RetryWaitMax = cfg.RetryInterval
	client.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return cfg.RetryInterval
	}
	client.ErrorHandler = surfaceLastResponse
	client.Logger = logger.NewLeveled(f.log)
	f.client = client

	entries, err := theine.NewBuilder[uint64, *entry](cfg.CacheSize).
		RemovalListener(func(_ uint64, e *entry, _ theine.RemoveReason) {
			e.evict()
		}).
		Build()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to build response cache: %w", err)
	}
	f.entries = entries

	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f, nil
}

// Register wraps req as a deferred task, schedules it immediately and returns a
// handle. Identical GET/HEAD requests share one network call.
func (f *Factory) Register(ctx context.Context, req *http.Request) *Handle {
	if f.closed.Load() {
		return &Handle{req: req, e: completed(nil, ErrClosed)}
	}

	switch req.URL.Scheme {
	case "http", "https":
	default:
		snap, err := f.resolveLocal(req.URL)
		return newHandle(req, completed(snap, err))
	}

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		e := newEntry()
		h := newHandle(req, e)
		f.schedule(req, e, nil)
		return h
	}

	key := cacheKey(req)

	f.mu.Lock()
	if e, ok := f.entries.Get(key); ok {
		h := newHandle(req, e)
		f.mu.Unlock()
		if f.metrics != nil {
			f.metrics.RecordCacheHit()
		}
		return h
	}
	e := newEntry()
	h := newHandle(req, e)
	f.entries.SetWithTTL(key, e, 1, f.cfg.CacheTTL)
	f.mu.Unlock()

	f.schedule(req, e, func() { f.forget(key, e) })
	return h
}

// forget drops a failed entry from the cache so the next request goes back to
// the network. Handles already holding e still see its result.
func (f *Factory) forget(key uint64, e *entry) {
	f.mu.Lock()
	cur, ok := f.entries.Get(key)
	if ok && cur == e {
		f.entries.Delete(key)
	}
	f.mu.Unlock()
	if ok && cur == e {
		e.evict()
	}
}

// Get registers a GET for rawURL and joins it.
func (f *Factory) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return f.Register(ctx, req).Execute(ctx)
}

// NetworkFetches is the number of requests that actually went to the network.
func (f *Factory) NetworkFetches() int64 {
	return f.networkFetches.Load()
}

// Close stops pending fetches and removes every snapshot.
func (f *Factory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.cancel()
	f.wg.Wait()
	f.entries.Close()
	return os.RemoveAll(f.tempDir)
}

// schedule runs req on the inner pool. onFailure runs after e is resolved
// with a transport error or a 5xx response.
func (f *Factory) schedule(req *http.Request, e *entry, onFailure func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		e.snap, e.err = f.acquireAndFetch(req)
		close(e.done)

		if onFailure != nil && !e.shareable() {
			onFailure()
		}
	}()
}

func (f *Factory) acquireAndFetch(req *http.Request) (*snapshot, error) {
	if err := f.sem.Acquire(f.ctx, 1); err != nil {
		return nil, ErrClosed
	}
	defer f.sem.Release(1)
	return f.fetch(req)
}

// fetch performs the network call with retries and snapshots the body. The
// call runs on the factory context: a cancelled job only stops waiting for it.
func (f *Factory) fetch(req *http.Request) (*snapshot, error) {
	f.networkFetches.Add(1)
	host := req.URL.Hostname()
	start := time.Now()

	rreq, err := retryablehttp.FromRequest(req.Clone(f.ctx))
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(rreq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		f.record(host, "error", start)
		f.log.Warn("fetch failed", zap.String("url", req.URL.Redacted()), zap.Error(err))
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	snap, err := f.materialise(resp)
	f.record(host, statusClass(resp.StatusCode), start)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	return snap, nil
}

// materialise writes the body into a temp file so memory does not scale with
// the number of concurrent fetches.
func (f *Factory) materialise(resp *http.Response) (*snapshot, error) {
	path := filepath.Join(f.tempDir, uuid.NewString())
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	n, err := io.Copy(file, io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > f.cfg.MaxBodyBytes {
		err = ErrBodyTooLarge
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	return &snapshot{
		statusCode: resp.StatusCode,
		header:     resp.Header.Clone(),
		size:       n,
		path:       path,
		owned:      true,
	}, nil
}

func (f *Factory) record(host, outcome string, start time.Time) {
	if f.metrics != nil {
		f.metrics.RecordFetch(host, outcome, time.Since(start).Seconds())
	}
}

// surfaceLastResponse hands the final 5xx response to the caller instead of
// turning exhausted retries into an error. Transport failures stay errors.
func surfaceLastResponse(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

func cacheKey(req *http.Request) uint64 {
	d := xxhash.New()
	d.WriteString(req.Method)
	d.WriteString(" ")
	d.WriteString(req.URL.String())
	d.WriteString("\x00")
	d.WriteString(req.Header.Get("Authorization"))
	return d.Sum64()
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// Handle is one caller's claim on a registered request.
type Handle struct {
	req      *http.Request
	e        *entry
	consumed atomic.Bool
}

func newHandle(req *http.Request, e *entry) *Handle {
	e.acquire()
	return &Handle{req: req, e: e}
}

// Request returns the registered request.
func (h *Handle) Request() *http.Request {
	return h.req
}

// Execute blocks until the deferred task completes and returns its response.
// It returns the response at most once; later calls fail with ErrConsumed.
func (h *Handle) Execute(ctx context.Context) (*Response, error) {
	if !h.consumed.CompareAndSwap(false, true) {
		return nil, ErrConsumed
	}
	defer h.e.release()

	select {
	case <-h.e.done:
	case <-ctx.Done():
		return nil, types.CheckCancelled(ctx)
	}
	if h.e.err != nil {
		return nil, h.e.err
	}
	return h.e.snap.open()
}

// Discard releases a handle that will never be executed.
func (h *Handle) Discard() {
	if h.consumed.CompareAndSwap(false, true) {
		h.e.release()
	}
}
