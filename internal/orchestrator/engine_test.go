package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/fanrelay/internal/config"
	"github.com/shohag/fanrelay/internal/delivery"
	"github.com/shohag/fanrelay/internal/models"
	"github.com/shohag/fanrelay/internal/storage"
)

type call struct {
	URL     string
	Payload string
}

// fakeDeliverer records every call. Per-URL handlers override the default 200.
type fakeDeliverer struct {
	mu       sync.Mutex
	calls    []call
	handlers map[string]func() delivery.Result
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{handlers: map[string]func() delivery.Result{}}
}

func (f *fakeDeliverer) Deliver(ctx context.Context, job delivery.Job) delivery.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call{URL: job.URL, Payload: string(job.Payload)})
	h := f.handlers[job.URL]
	f.mu.Unlock()
	if h != nil {
		return h()
	}
	return delivery.Result{StatusCode: http.StatusOK}
}

func (f *fakeDeliverer) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.URL)
	}
	sort.Strings(out)
	return out
}

func newStore(t *testing.T) *storage.SQLStorage {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "fanrelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func addSubscription(t *testing.T, store storage.SubscriptionStore, url string, active bool) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		ID:        models.NewSubscriptionID(),
		URL:       url,
		CreatedAt: time.Now().UTC(),
		IsActive:  active,
	}
	require.NoError(t, store.InsertSubscription(context.Background(), sub))
	return sub
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		PollInterval:  10 * time.Millisecond,
		MaxInstances:  4,
		Lease:         time.Minute,
		MaxAttempts:   3,
		RetrySchedule: []time.Duration{time.Second, time.Minute},
	}
}

func tasksByURL(t *testing.T, store storage.Journal, instanceID string) map[string]models.Task {
	t.Helper()
	tasks, err := store.ListTasks(context.Background(), instanceID)
	require.NoError(t, err)
	out := map[string]models.Task{}
	for _, task := range tasks {
		out[task.URL] = task
	}
	return out
}

func TestFanOutToActiveSubscriptionsOnly(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	addSubscription(t, store, "https://a.example/hook", true)
	addSubscription(t, store, "https://b.example/hook", true)
	addSubscription(t, store, "https://c.example/hook", true)
	addSubscription(t, store, "https://inactive.example/hook", false)

	fake := newFakeDeliverer()
	e := NewEngine(testConfig(), store, store, fake, zerolog.Nop())

	id, err := e.Schedule(ctx, "1700000000000-0", []byte(`{"id":"42"}`))
	require.NoError(t, err)
	assert.Equal(t, "orc_1700000000000-0", id)

	n, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook", "https://c.example/hook"}, fake.urls())
	for _, c := range fake.calls {
		assert.Equal(t, `{"id":"42"}`, c.Payload)
	}

	inst, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
	assert.True(t, inst.SnapshotTaken)

	tasks := tasksByURL(t, store, id)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, models.TaskDelivered, task.Status)
		assert.Equal(t, http.StatusOK, task.StatusCode)
	}
}

func TestFailingSubscriberDoesNotAffectOthers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	addSubscription(t, store, "https://a.example/hook", true)
	addSubscription(t, store, "https://b.example/hook", true)
	addSubscription(t, store, "https://c.example/hook", true)

	fake := newFakeDeliverer()
	fake.handlers["https://b.example/hook"] = func() delivery.Result {
		return delivery.Result{Err: "request failed: dial tcp: connection refused"}
	}
	fake.handlers["https://c.example/hook"] = func() delivery.Result {
		return delivery.Result{StatusCode: http.StatusInternalServerError}
	}
	e := NewEngine(testConfig(), store, store, fake, zerolog.Nop())

	id, err := e.Schedule(ctx, "msg-1", []byte(`{"id":"42"}`))
	require.NoError(t, err)
	_, err = e.RunDue(ctx)
	require.NoError(t, err)

	assert.Len(t, fake.urls(), 3)

	tasks := tasksByURL(t, store, id)
	assert.Equal(t, models.TaskDelivered, tasks["https://a.example/hook"].Status)
	assert.Equal(t, models.TaskFailed, tasks["https://b.example/hook"].Status)
	assert.Contains(t, tasks["https://b.example/hook"].Error, "connection refused")
	assert.Equal(t, models.TaskFailed, tasks["https://c.example/hook"].Status)
	assert.Equal(t, http.StatusInternalServerError, tasks["https://c.example/hook"].StatusCode)

	inst, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
}

func TestPanickingDeliveryIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	addSubscription(t, store, "https://a.example/hook", true)
	addSubscription(t, store, "https://boom.example/hook", true)

	fake := newFakeDeliverer()
	fake.handlers["https://boom.example/hook"] = func() delivery.Result { panic("boom") }
	e := NewEngine(testConfig(), store, store, fake, zerolog.Nop())

	id, err := e.Schedule(ctx, "msg-panic", []byte(`{"id":"1"}`))
	require.NoError(t, err)
	_, err = e.RunDue(ctx)
	require.NoError(t, err)

	tasks := tasksByURL(t, store, id)
	assert.Equal(t, models.TaskDelivered, tasks["https://a.example/hook"].Status)
	assert.Equal(t, models.TaskFailed, tasks["https://boom.example/hook"].Status)
	assert.Contains(t, tasks["https://boom.example/hook"].Error, "panicked")

	inst, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
}

func TestRedeliveredMessageRunsOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	addSubscription(t, store, "https://a.example/hook", true)

	fake := newFakeDeliverer()
	e := NewEngine(testConfig(), store, store, fake, zerolog.Nop())

	first, err := e.Schedule(ctx, "msg-dup", []byte(`{"id":"42"}`))
	require.NoError(t, err)
	second, err := e.Schedule(ctx, "msg-dup", []byte(`{"id":"42"}`))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.Schedule(ctx, "msg-dup", []byte(`{"id":"42"}`))
	require.NoError(t, err)
	n, err = e.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Len(t, fake.urls(), 1)
}

func TestReplaySkipsCompletedTasks(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := addSubscription(t, store, "https://a.example/hook", true)
	b := addSubscription(t, store, "https://b.example/hook", true)

	now := time.Now().UTC()
	_, err := store.CreateInstance(ctx, &models.Instance{
		ID: "orc_replay", MessageID: "replay", Input: []byte(`{"id":"7"}`),
		Status: models.InstanceRunning, NextRunAt: &now, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordSnapshot(ctx, "orc_replay", []models.Task{
		{ID: "tsk_a", SubscriptionID: a.ID, URL: a.URL, Position: 0, Status: models.TaskPending, CreatedAt: now},
		{ID: "tsk_b", SubscriptionID: b.ID, URL: b.URL, Position: 1, Status: models.TaskPending, CreatedAt: now},
	}))
	require.NoError(t, store.CompleteTask(ctx, &models.Task{ID: "tsk_a", Status: models.TaskDelivered, StatusCode: 200}))

	fake := newFakeDeliverer()
	e := NewEngine(testConfig(), store, store, fake, zerolog.Nop())
	_, err = e.RunDue(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://b.example/hook"}, fake.urls())
	tasks := tasksByURL(t, store, "orc_replay")
	assert.Equal(t, models.TaskDelivered, tasks[b.URL].Status)
}

func TestSubscriptionsAddedAfterSnapshotAreExcluded(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	addSubscription(t, store, "https://a.example/hook", true)

	fake := newFakeDeliverer()
	e := NewEngine(testConfig(), store, store, fake, zerolog.Nop())
	id, err := e.Schedule(ctx, "msg-snap", []byte(`{"id":"1"}`))
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	_, err = e.plan(ctx, inst, zerolog.Nop())
	require.NoError(t, err)

	addSubscription(t, store, "https://late.example/hook", true)

	_, err = e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/hook"}, fake.urls())
}

func TestEmptyPayloadCompletesWithoutTasks(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	addSubscription(t, store, "https://a.example/hook", true)
	addSubscription(t, store, "https://b.example/hook", true)

	fake := newFakeDeliverer()
	e := NewEngine(testConfig(), store, store, fake, zerolog.Nop())
	id, err := e.Schedule(ctx, "msg-empty", []byte("  \n"))
	require.NoError(t, err)
	_, err = e.RunDue(ctx)
	require.NoError(t, err)

	assert.Empty(t, fake.urls())
	tasks, err := store.ListTasks(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	inst, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
	assert.True(t, inst.SnapshotTaken)
}

func TestNoSubscriptionsCompletes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	e := NewEngine(testConfig(), store, store, newFakeDeliverer(), zerolog.Nop())
	id, err := e.Schedule(ctx, "msg-none", []byte(`{"id":"1"}`))
	require.NoError(t, err)
	_, err = e.RunDue(ctx)
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)
}

// brokenSubscriptions fails every subscription read.
type brokenSubscriptions struct {
	storage.SubscriptionStore
	reads int32
}

func (b *brokenSubscriptions) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	atomic.AddInt32(&b.reads, 1)
	return nil, errors.New("database is locked")
}

func TestSubscriptionReadFailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	subs := &brokenSubscriptions{SubscriptionStore: store}

	cfg := testConfig()
	cfg.MaxAttempts = 2
	cfg.RetrySchedule = []time.Duration{time.Minute}
	fake := newFakeDeliverer()
	e := NewEngine(cfg, store, subs, fake, zerolog.Nop())

	id, err := e.Schedule(ctx, "msg-broken", []byte(`{"id":"1"}`))
	require.NoError(t, err)
	_, err = e.RunDue(ctx)
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRunning, inst.Status)
	assert.Equal(t, 1, inst.Attempts)
	assert.Contains(t, inst.LastError, "database is locked")
	assert.False(t, inst.SnapshotTaken)

	n, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retry is not due yet")

	later := time.Now().UTC().Add(time.Hour)
	e.now = func() time.Time { return later }
	n, err = e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst, err = store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceFailed, inst.Status)
	assert.Equal(t, 2, inst.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&subs.reads))
	assert.Empty(t, fake.urls())
}

// concurrencyProbe blocks every delivery until target calls are in flight or the
// deadline passes, tracking the peak number of concurrent calls.
type concurrencyProbe struct {
	target   int32
	inFlight int32
	peak     int32
	reached  chan struct{}
	once     sync.Once
}

func (p *concurrencyProbe) Deliver(ctx context.Context, job delivery.Job) delivery.Result {
	n := atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)
	for {
		old := atomic.LoadInt32(&p.peak)
		if n <= old || atomic.CompareAndSwapInt32(&p.peak, old, n) {
			break
		}
	}
	if n >= p.target {
		p.once.Do(func() { close(p.reached) })
	}
	select {
	case <-p.reached:
	case <-time.After(200 * time.Millisecond):
	}
	return delivery.Result{StatusCode: http.StatusOK}
}

func TestFanOutRunsDeliveriesConcurrently(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for _, u := range []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example"} {
		addSubscription(t, store, u, true)
	}

	probe := &concurrencyProbe{target: 4, reached: make(chan struct{})}
	e := NewEngine(testConfig(), store, store, probe, zerolog.Nop())
	_, err := e.Schedule(ctx, "msg-par", []byte(`{"id":"1"}`))
	require.NoError(t, err)
	_, err = e.RunDue(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(4), atomic.LoadInt32(&probe.peak))
}

func TestMaxParallelBoundsFanOut(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for _, u := range []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example", "https://e.example"} {
		addSubscription(t, store, u, true)
	}

	cfg := testConfig()
	cfg.MaxParallel = 2
	probe := &concurrencyProbe{target: 100, reached: make(chan struct{})}
	e := NewEngine(cfg, store, store, probe, zerolog.Nop())
	id, err := e.Schedule(ctx, "msg-bounded", []byte(`{"id":"1"}`))
	require.NoError(t, err)
	_, err = e.RunDue(ctx)
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt32(&probe.peak), int32(2))
	tasks := tasksByURL(t, store, id)
	assert.Len(t, tasks, 5)
}

func TestStartRunsScheduledInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)
	addSubscription(t, store, "https://a.example/hook", true)

	fake := newFakeDeliverer()
	e := NewEngine(testConfig(), store, store, fake, zerolog.Nop())
	e.Start(ctx)

	id, err := e.Schedule(ctx, "msg-live", []byte(`{"id":"42"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := store.GetInstance(ctx, id)
		return err == nil && inst != nil && inst.Status == models.InstanceCompleted
	}, 2*time.Second, 10*time.Millisecond)

	e.Stop()
	e.Stop()
	assert.Equal(t, []string{"https://a.example/hook"}, fake.urls())
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	schedule := []time.Duration{time.Second, time.Minute}

	next, ok := NextRunTime(now, 1, 5, schedule)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), next)

	next, ok = NextRunTime(now, 2, 5, schedule)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), next)

	next, ok = NextRunTime(now, 4, 5, schedule)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), next)

	_, ok = NextRunTime(now, 5, 5, schedule)
	assert.False(t, ok)

	next, ok = NextRunTime(now, 1, 2, nil)
	require.True(t, ok)
	assert.Equal(t, now.Add(DefaultRetrySchedule[0]), next)
}

// slowDeliverer takes a fixed time per delivery and counts calls.
type slowDeliverer struct {
	delay time.Duration
	calls int32
}

func (s *slowDeliverer) Deliver(ctx context.Context, job delivery.Job) delivery.Result {
	atomic.AddInt32(&s.calls, 1)
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return delivery.Result{StatusCode: http.StatusOK}
}

func TestRunLongerThanLeaseDeliversOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)
	addSubscription(t, store, "https://slow.example/hook", true)

	cfg := testConfig()
	cfg.Lease = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	slow := &slowDeliverer{delay: 300 * time.Millisecond}
	e := NewEngine(cfg, store, store, slow, zerolog.Nop())

	// A second engine on the same database must not steal the renewed lease.
	other := newFakeDeliverer()
	rival := NewEngine(cfg, store, store, other, zerolog.Nop())

	e.Start(ctx)
	id, err := e.Schedule(ctx, "msg-slow", []byte(`{"id":"1"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&slow.calls) == 1
	}, time.Second, 5*time.Millisecond)
	rival.Start(ctx)

	require.Eventually(t, func() bool {
		inst, err := store.GetInstance(ctx, id)
		return err == nil && inst != nil && inst.Status == models.InstanceCompleted
	}, 3*time.Second, 10*time.Millisecond)

	e.Stop()
	rival.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&slow.calls))
	assert.Empty(t, other.urls())
}

func TestAcquireRejectsInstanceAlreadyRunning(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil, newFakeDeliverer(), zerolog.Nop())
	require.True(t, e.acquire("orc_1"))
	assert.False(t, e.acquire("orc_1"))
	e.release("orc_1")
	assert.True(t, e.acquire("orc_1"))
}
