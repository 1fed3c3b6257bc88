package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/mapprint/internal/auth"
	"github.com/ChuLiYu/mapprint/internal/metrics"
	"github.com/ChuLiYu/mapprint/internal/registry"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// mapRegistry is a goroutine-free Registry for tests.
type mapRegistry struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int64
}

func newMapRegistry() *mapRegistry {
	return &mapRegistry{values: map[string][]byte{}, counters: map[string]int64{}}
}

func (r *mapRegistry) Get(_ context.Context, key string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok, nil
}

func (r *mapRegistry) Put(_ context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	return nil
}

func (r *mapRegistry) Increment(_ context.Context, key string, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key] += delta
	return r.counters[key], nil
}

// gatedRegistry blocks the first Put (or Increment) of key until release is closed.
type gatedRegistry struct {
	*mapRegistry
	op      string // "put" or "increment"
	key     string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedRegistry(op, key string) *gatedRegistry {
	return &gatedRegistry{
		mapRegistry: newMapRegistry(),
		op:          op,
		key:         key,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedRegistry) gate(op, key string) {
	if op == g.op && key == g.key {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
}

func (g *gatedRegistry) Put(ctx context.Context, key string, value []byte) error {
	g.gate("put", key)
	return g.mapRegistry.Put(ctx, key, value)
}

func (g *gatedRegistry) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	g.gate("increment", key)
	return g.mapRegistry.Increment(ctx, key, delta)
}

// within fails the test if fn does not return in time.
func within(t *testing.T, name string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s blocked", name)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// blockingRunner runs until its context is cancelled or release is closed.
type blockingRunner struct {
	mu      sync.Mutex
	started []types.ReferenceID
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, entry types.Entry) (types.Result, error) {
	b.mu.Lock()
	b.started = append(b.started, entry.ReferenceID)
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return types.Result{}, types.CheckCancelled(ctx)
	case <-b.release:
		return types.Result{FileName: string(entry.ReferenceID) + ".png", Size: 10}, nil
	}
}

func (b *blockingRunner) Started() []types.ReferenceID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.ReferenceID(nil), b.started...)
}

type harness struct {
	c     *Controller
	reg   *mapRegistry
	clock *fakeClock
	prom  *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config, runner Runner) *harness {
	t.Helper()
	if cfg.SweepInterval == 0 {
		// tests drive the sweeper by hand
		cfg.SweepInterval = time.Hour
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	h := &harness{
		reg:   newMapRegistry(),
		clock: &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		prom:  prometheus.NewRegistry(),
	}
	h.c = NewController(cfg, runner, h.reg,
		WithClock(h.clock.Now),
		WithMetrics(metrics.NewCollector(h.prom)))
	t.Cleanup(h.c.Stop)
	return h
}

func (h *harness) submit(t *testing.T, ref string) types.ReferenceID {
	t.Helper()
	id, err := h.c.Submit(context.Background(), types.Entry{ReferenceID: types.ReferenceID(ref), RequestData: []byte(`{}`)})
	require.NoError(t, err)
	return id
}

func (h *harness) status(t *testing.T, ref types.ReferenceID) types.StatusReport {
	t.Helper()
	r, err := h.c.GetStatus(context.Background(), ref)
	require.NoError(t, err)
	return r
}

// waitFor sweeps until ref reaches kind.
func (h *harness) waitFor(t *testing.T, ref types.ReferenceID, kind types.StatusKind) types.StatusReport {
	t.Helper()
	var last types.StatusReport
	ok := assert.Eventually(t, func() bool {
		h.c.sweep()
		r, err := h.c.GetStatus(context.Background(), ref)
		if err != nil {
			return false
		}
		last = r
		return r.Status.Kind == kind
	}, 2*time.Second, 5*time.Millisecond)
	if !ok {
		t.Fatalf("job %s: want %s, last status %s", ref, kind, last.Status.Kind)
	}
	return last
}

// ============================================================================
// Submission
// ============================================================================

func TestSubmitCapacity(t *testing.T) {
	h := newHarness(t, Config{MaxRunning: 1, MaxWaiting: 2}, newBlockingRunner())

	h.submit(t, "a")
	h.submit(t, "b")

	_, err := h.c.Submit(context.Background(), types.Entry{ReferenceID: "c"})
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)

	n, err := testutil.GatherAndCount(h.prom, "print_jobs_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// waiting jobs carry the global request count at submission
	assert.Equal(t, int64(1), h.status(t, "a").Status.RequestCount)
	assert.Equal(t, int64(2), h.status(t, "b").Status.RequestCount)
}

func TestSubmitGeneratesReference(t *testing.T) {
	h := newHarness(t, Config{}, newBlockingRunner())

	ref, err := h.c.Submit(context.Background(), types.Entry{})
	require.NoError(t, err)
	assert.Len(t, string(ref), 26)

	rec, ok, err := registry.GetRecord(context.Background(), h.reg, ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusWaiting, rec.Status.Kind)
	assert.Equal(t, "default", rec.AppID)
}

func TestSubmitDuplicate(t *testing.T) {
	h := newHarness(t, Config{}, newBlockingRunner())
	h.submit(t, "dup")
	_, err := h.c.Submit(context.Background(), types.Entry{ReferenceID: "dup"})
	assert.Error(t, err)
}

func TestSubmitWaitingRecordNeverOverwritesCancel(t *testing.T) {
	reg := newGatedRegistry("put", "job:r1")
	c := NewController(Config{}, newBlockingRunner(), reg)
	t.Cleanup(c.Stop)
	ctx := context.Background()

	submitted := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, types.Entry{ReferenceID: "r1"})
		submitted <- err
	}()
	<-reg.entered

	// the job is not visible until its Waiting record is stored
	assert.ErrorIs(t, c.Cancel(ctx, "r1"), types.ErrNoSuchReference)
	_, err := c.GetStatus(ctx, "r1")
	assert.ErrorIs(t, err, types.ErrNoSuchReference)

	close(reg.release)
	require.NoError(t, <-submitted)

	require.NoError(t, c.Cancel(ctx, "r1"))
	r, err := c.GetStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, r.Status.Kind)
	assert.True(t, r.Done)

	rec, ok, err := registry.GetRecord(ctx, reg, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, rec.Status.Kind)
}

func TestSlowRegistryDoesNotBlockScheduler(t *testing.T) {
	reg := newGatedRegistry("increment", registry.KeyNewRequests)
	c := NewController(Config{MaxWaiting: 1}, newBlockingRunner(), reg)
	t.Cleanup(c.Stop)
	ctx := context.Background()

	submitted := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, types.Entry{ReferenceID: "slow"})
		submitted <- err
	}()
	<-reg.entered

	within(t, "Stats", func() { c.Stats() })
	within(t, "GetStatus", func() {
		_, err := c.GetStatus(ctx, "other")
		assert.ErrorIs(t, err, types.ErrNoSuchReference)
	})
	// the reserved slot counts against capacity
	within(t, "Submit", func() {
		_, err := c.Submit(ctx, types.Entry{ReferenceID: "second"})
		assert.ErrorIs(t, err, types.ErrCapacityExceeded)
	})
	within(t, "duplicate Submit", func() {
		_, err := c.Submit(ctx, types.Entry{ReferenceID: "slow"})
		assert.Error(t, err)
	})

	close(reg.release)
	require.NoError(t, <-submitted)
	r, err := c.GetStatus(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, r.Status.Kind)
	assert.Equal(t, int64(1), r.Status.RequestCount)
}

func TestStopDuringSubmitPersistsCancelled(t *testing.T) {
	reg := newGatedRegistry("put", "job:late")
	c := NewController(Config{}, newBlockingRunner(), reg)
	ctx := context.Background()

	submitted := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, types.Entry{ReferenceID: "late"})
		submitted <- err
	}()
	<-reg.entered
	c.Stop()
	close(reg.release)

	assert.ErrorIs(t, <-submitted, ErrStopped)
	rec, ok, err := registry.GetRecord(ctx, reg, "late")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, rec.Status.Kind)
}

func TestSubmitAfterStop(t *testing.T) {
	h := newHarness(t, Config{}, newBlockingRunner())
	h.c.Stop()
	_, err := h.c.Submit(context.Background(), types.Entry{ReferenceID: "late"})
	assert.ErrorIs(t, err, ErrStopped)
}

// ============================================================================
// Execution
// ============================================================================

func TestRunsToCompletionInOrder(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	h := newHarness(t, Config{MaxRunning: 1}, runner)

	// queue everything before any worker exists
	refs := []types.ReferenceID{h.submit(t, "j1"), h.submit(t, "j2"), h.submit(t, "j3")}
	require.NoError(t, h.c.Start())

	for _, ref := range refs {
		r := h.waitFor(t, ref, types.StatusFinished)
		assert.True(t, r.Done)
		assert.False(t, r.Cancelled)
		require.NotNil(t, r.Status.Result)
		assert.Equal(t, string(ref)+".png", r.Status.Result.FileName)
	}
	assert.Equal(t, refs, runner.Started())

	done, err := registry.Counter(context.Background(), h.reg, registry.KeyDone)
	require.NoError(t, err)
	assert.Equal(t, int64(3), done)
	started, err := registry.Counter(context.Background(), h.reg, registry.KeyStarted)
	require.NoError(t, err)
	assert.Equal(t, int64(3), started)
}

func TestRunningNeverExceedsMaxRunning(t *testing.T) {
	runner := newBlockingRunner()
	h := newHarness(t, Config{MaxRunning: 2}, runner)
	require.NoError(t, h.c.Start())

	refs := make([]types.ReferenceID, 5)
	for i := range refs {
		refs[i] = h.submit(t, fmt.Sprintf("j%d", i))
	}

	require.Eventually(t, func() bool { return len(runner.Started()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, runner.Started(), 2)

	h.c.sweep()
	stats := h.c.Stats()
	assert.Equal(t, 2, stats["running"])
	assert.Equal(t, 3, stats["waiting"])

	close(runner.release)
	for _, ref := range refs {
		h.waitFor(t, ref, types.StatusFinished)
	}
}

func TestRunnerError(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, entry types.Entry) (types.Result, error) {
		return types.Result{}, errors.New("tile server exploded")
	})
	h := newHarness(t, Config{MaxRunning: 1}, runner)
	require.NoError(t, h.c.Start())

	ref := h.submit(t, "boom")
	r := h.waitFor(t, ref, types.StatusError)
	assert.True(t, r.Done)
	assert.False(t, r.Cancelled)
	assert.Contains(t, r.Error, "tile server exploded")
}

func TestRunnerPanic(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, entry types.Entry) (types.Result, error) {
		panic("nil map")
	})
	h := newHarness(t, Config{MaxRunning: 1}, runner)
	require.NoError(t, h.c.Start())

	ref := h.submit(t, "panic")
	r := h.waitFor(t, ref, types.StatusError)
	assert.Contains(t, r.Error, "nil map")
}

// ============================================================================
// Cancellation
// ============================================================================

func TestCancelWaitingNeverRuns(t *testing.T) {
	runner := newBlockingRunner()
	h := newHarness(t, Config{MaxRunning: 1}, runner)

	ref := h.submit(t, "w")
	require.NoError(t, h.c.Cancel(context.Background(), ref))

	// terminal record is served from the registry once removed from the table
	r := h.status(t, ref)
	assert.True(t, r.Done)
	assert.True(t, r.Cancelled)
	assert.Equal(t, types.StatusCancelled, r.Status.Kind)
	assert.Equal(t, 0, h.c.jobManager.WaitingCount())

	require.NoError(t, h.c.Start())
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, runner.Started())

	// cancelling a terminal job is a no-op
	assert.NoError(t, h.c.Cancel(context.Background(), ref))
}

func TestCancelRunning(t *testing.T) {
	runner := newBlockingRunner()
	h := newHarness(t, Config{MaxRunning: 1}, runner)
	require.NoError(t, h.c.Start())

	ref := h.submit(t, "r")
	h.waitFor(t, ref, types.StatusRunning)

	require.NoError(t, h.c.Cancel(context.Background(), ref))
	r := h.status(t, ref)
	assert.Contains(t, []types.StatusKind{types.StatusCanceling, types.StatusCancelled}, r.Status.Kind)
	assert.True(t, r.Cancelled)

	r = h.waitFor(t, ref, types.StatusCancelled)
	assert.Contains(t, r.Status.Message, "cancelled")
}

func TestCancelUnknown(t *testing.T) {
	h := newHarness(t, Config{}, newBlockingRunner())
	ctx := context.Background()

	assert.ErrorIs(t, h.c.Cancel(ctx, "nope"), types.ErrNoSuchReference)
	_, err := h.c.GetStatus(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrNoSuchReference)

	// terminal job finished by another instance
	require.NoError(t, registry.PutRecord(ctx, h.reg, types.JobRecord{ReferenceID: "done-elsewhere", Status: types.Failed("x")}))
	assert.NoError(t, h.c.Cancel(ctx, "done-elsewhere"))

	// still running on another instance: cannot be cancelled here
	require.NoError(t, registry.PutRecord(ctx, h.reg, types.JobRecord{ReferenceID: "running-elsewhere", Status: types.Running()}))
	assert.ErrorIs(t, h.c.Cancel(ctx, "running-elsewhere"), types.ErrNoSuchReference)
}

func TestAccessAssertion(t *testing.T) {
	h := newHarness(t, Config{}, newBlockingRunner())
	_, err := h.c.Submit(context.Background(), types.Entry{
		ReferenceID: "owned",
		Assertion:   types.AccessAssertion{Subject: "alice"},
	})
	require.NoError(t, err)

	bob := auth.NewContext(context.Background(), &types.Principal{Subject: "bob"})
	alice := auth.NewContext(context.Background(), &types.Principal{Subject: "alice"})

	_, err = h.c.GetStatus(bob, "owned")
	assert.ErrorIs(t, err, types.ErrAccessDenied)
	assert.ErrorIs(t, h.c.Cancel(bob, "owned"), types.ErrAccessDenied)

	_, err = h.c.GetStatus(alice, "owned")
	assert.NoError(t, err)
	require.NoError(t, h.c.Cancel(alice, "owned"))

	// the persisted record keeps the assertion
	_, err = h.c.GetStatus(bob, "owned")
	assert.ErrorIs(t, err, types.ErrAccessDenied)
}

// ============================================================================
// Sweeper: timeout and abandonment
// ============================================================================

func TestTimeoutCancelsRunningJob(t *testing.T) {
	runner := newBlockingRunner()
	h := newHarness(t, Config{MaxRunning: 1, Timeout: time.Minute}, runner)
	require.NoError(t, h.c.Start())

	ref := h.submit(t, "slow")
	h.waitFor(t, ref, types.StatusRunning)

	h.clock.Advance(2 * time.Minute)
	h.c.sweep()
	assert.Equal(t, types.StatusCanceling, h.status(t, ref).Status.Kind)

	r := h.waitFor(t, ref, types.StatusCancelled)
	assert.Contains(t, r.Status.Message, "timeout")
}

func TestAbandonedWaitingJob(t *testing.T) {
	runner := newBlockingRunner()
	h := newHarness(t, Config{MaxRunning: 1, AbandonedTimeout: 30 * time.Second}, runner)

	ref := h.submit(t, "forgotten")
	polled := h.submit(t, "watched")

	h.clock.Advance(20 * time.Second)
	h.status(t, polled)
	h.clock.Advance(20 * time.Second)
	h.c.sweep()

	r := h.status(t, ref)
	assert.Equal(t, types.StatusCancelled, r.Status.Kind)
	assert.Contains(t, r.Status.Message, "timeout")

	assert.Equal(t, types.StatusWaiting, h.status(t, polled).Status.Kind)
}

func TestAbandonedRunningJob(t *testing.T) {
	runner := newBlockingRunner()
	h := newHarness(t, Config{MaxRunning: 1, AbandonedTimeout: 30 * time.Second}, runner)
	require.NoError(t, h.c.Start())

	ref := h.submit(t, "orphan")
	h.waitFor(t, ref, types.StatusRunning)

	h.clock.Advance(time.Minute)
	h.c.sweep()

	r := h.waitFor(t, ref, types.StatusCancelled)
	assert.Contains(t, r.Status.Message, "timeout")
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	runner := newBlockingRunner()
	h := newHarness(t, Config{MaxRunning: 1}, runner)
	require.NoError(t, h.c.Start())

	ref := h.submit(t, "m")
	order := map[types.StatusKind]int{
		types.StatusWaiting:   0,
		types.StatusRunning:   1,
		types.StatusCanceling: 2,
		types.StatusCancelled: 3,
	}

	var seen []types.StatusKind
	observe := func() {
		h.c.sweep()
		seen = append(seen, h.status(t, ref).Status.Kind)
	}
	observe()
	h.waitFor(t, ref, types.StatusRunning)
	observe()
	require.NoError(t, h.c.Cancel(context.Background(), ref))
	observe()
	h.waitFor(t, ref, types.StatusCancelled)
	for i := 0; i < 3; i++ {
		observe()
	}

	for i := 1; i < len(seen); i++ {
		assert.LessOrEqual(t, order[seen[i-1]], order[seen[i]], "status went %s -> %s", seen[i-1], seen[i])
	}
}

// ============================================================================
// Waiting estimate
// ============================================================================

func TestEstimate(t *testing.T) {
	tests := []struct {
		name                        string
		requestCount, started, done int64
		totalMs                     int64
		maxRunning                  int
		want                        int64
	}{
		{"nothing ahead", 5, 5, 4, 4000, 2, 0},
		{"no history", 5, 0, 0, 0, 2, 0},
		{"six ahead, two slots, one second each", 10, 4, 2, 2000, 2, 3000},
		{"single slot", 3, 1, 1, 500, 1, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, estimate(tt.requestCount, tt.started, tt.done, tt.totalMs, tt.maxRunning))
		})
	}
}

func TestWaitingEstimateReported(t *testing.T) {
	h := newHarness(t, Config{MaxRunning: 1}, newBlockingRunner())
	ctx := context.Background()
	h.reg.Increment(ctx, registry.KeyDone, 2)
	h.reg.Increment(ctx, registry.KeyTotalTimeMs, 4000)

	h.submit(t, "first")
	ref := h.submit(t, "second")

	r := h.status(t, ref)
	assert.Equal(t, int64(4000), r.WaitingMs)
}

// ============================================================================
// Shutdown
// ============================================================================

func TestStopCancelsAndPersists(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := newBlockingRunner()
	reg := newMapRegistry()
	c := NewController(Config{MaxRunning: 1, SweepInterval: 5 * time.Millisecond, PollInterval: 5 * time.Millisecond}, runner, reg)
	require.NoError(t, c.Start())

	ctx := context.Background()
	running, err := c.Submit(ctx, types.Entry{ReferenceID: "running"})
	require.NoError(t, err)
	waiting, err := c.Submit(ctx, types.Entry{ReferenceID: "waiting"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(runner.Started()) == 1 }, 2*time.Second, 5*time.Millisecond)
	c.Stop()

	for _, ref := range []types.ReferenceID{running, waiting} {
		rec, ok, err := registry.GetRecord(ctx, reg, ref)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, types.StatusCancelled, rec.Status.Kind, "job %s", ref)
		assert.True(t, strings.Contains(rec.Status.Message, "shutting down"), rec.Status.Message)
	}
	assert.Equal(t, []types.ReferenceID{"running"}, runner.Started())
}
