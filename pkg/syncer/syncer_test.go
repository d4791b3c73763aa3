package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelsync/pkg/github"
	"labelsync/pkg/installations"
	"labelsync/pkg/logsink"
	"labelsync/pkg/queue"
)

// stubExecutor records runs and delegates to handler
type stubExecutor struct {
	mu      sync.Mutex
	runs    []string
	handler func(task queue.Task) error
}

func (s *stubExecutor) handle(task queue.Task) error {
	s.mu.Lock()
	s.runs = append(s.runs, task.ID)
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(task)
}

func (s *stubExecutor) Runs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.runs...)
}

func (s *stubExecutor) VisitOnboardOrg(_ context.Context, t queue.Task, _ queue.OnboardOrg) error {
	return s.handle(t)
}

func (s *stubExecutor) VisitSyncOrg(_ context.Context, t queue.Task, _ queue.SyncOrg) error {
	return s.handle(t)
}

func (s *stubExecutor) VisitSyncRepo(_ context.Context, t queue.Task, _ queue.SyncRepo) error {
	return s.handle(t)
}

func (s *stubExecutor) VisitDryRunConfig(_ context.Context, t queue.Task, _ queue.DryRunConfig) error {
	return s.handle(t)
}

func (s *stubExecutor) VisitAddSiblings(_ context.Context, t queue.Task, _ queue.AddSiblings) error {
	return s.handle(t)
}

func (s *stubExecutor) VisitCheckUnconfiguredLabels(_ context.Context, t queue.Task, _ queue.CheckUnconfiguredLabels) error {
	return s.handle(t)
}

type fixture struct {
	queue    *queue.Queue
	executor *stubExecutor
	store    *installations.MemoryStore
	sink     *logsink.MemorySink
	clock    *fakeclock.FakeClock
	syncer   *Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		queue:    queue.New(queue.NewMemoryStore()),
		executor: &stubExecutor{},
		store:    installations.NewMemoryStore(installations.Installation{ID: 1, Account: "acme", Plan: installations.PlanPaid, Activated: true}),
		sink:     &logsink.MemorySink{},
		clock:    fakeclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.syncer = New(f.queue, f.executor, f.store, f.sink, nil, f.clock, Config{Workers: 4})
	t.Cleanup(f.syncer.pool.StopWait)
	return f
}

func (f *fixture) push(t *testing.T, spec queue.Spec, dependsOn ...string) string {
	t.Helper()
	id, err := f.queue.Push(context.Background(), queue.Task{
		InstallationID: 1,
		Organization:   "acme",
		IsPaidPlan:     true,
		DependsOn:      dependsOn,
		Spec:           spec,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) tick() {
	f.syncer.Tick(context.Background())
	f.syncer.Wait()
}

func (f *fixture) pending(t *testing.T) []string {
	t.Helper()
	tasks, err := f.queue.List(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}

// gate blocks tasks until released and reports when they start
type gate struct {
	started chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) handler(task queue.Task) error {
	g.started <- task.ID
	<-g.release
	return nil
}

func TestSyncer_SuccessAcknowledges(t *testing.T) {
	f := newFixture(t)
	id := f.push(t, queue.SyncRepo{Repository: "acme/api"})

	f.tick()

	assert.Equal(t, []string{id}, f.executor.Runs())
	assert.Empty(t, f.pending(t))
}

func TestSyncer_RateLimitReschedules(t *testing.T) {
	f := newFixture(t)
	id := f.push(t, queue.SyncRepo{Repository: "acme/api"})

	rateLimited := &github.Error{Type: github.ErrorTypeRateLimit, Message: "rate limit exceeded", Retryable: true, RetryAfter: 30 * time.Second}
	f.executor.handler = func(queue.Task) error { return fmt.Errorf("failed to list labels of acme/api: %w", rateLimited) }

	f.tick()
	assert.Equal(t, []string{id}, f.pending(t))

	// Still backing off
	f.clock.Increment(29 * time.Second)
	f.tick()
	assert.Len(t, f.executor.Runs(), 1)

	f.executor.handler = nil
	f.clock.Increment(2 * time.Second)
	f.tick()
	assert.Len(t, f.executor.Runs(), 2)
	assert.Empty(t, f.pending(t))
}

func TestSyncer_RateLimitBackoffGrows(t *testing.T) {
	f := newFixture(t)
	f.push(t, queue.SyncOrg{})
	f.executor.handler = func(queue.Task) error { return github.NewError(github.ErrorTypeSecondaryRateLimit, "abuse", nil) }

	// No suggested delay: 1s, then 2s
	f.tick()
	f.clock.Increment(time.Second)
	f.tick()
	assert.Len(t, f.executor.Runs(), 2)

	f.clock.Increment(time.Second)
	f.tick()
	assert.Len(t, f.executor.Runs(), 2)

	f.clock.Increment(time.Second)
	f.tick()
	assert.Len(t, f.executor.Runs(), 3)
}

func TestSyncer_AuthFailureRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	id := f.push(t, queue.SyncOrg{})
	f.executor.handler = func(queue.Task) error { return github.NewError(github.ErrorTypeAuth, "bad credentials", nil) }

	f.tick()
	f.tick()

	assert.Equal(t, []string{id, id}, f.executor.Runs())
	assert.Equal(t, []string{id}, f.pending(t))
}

func TestSyncer_OtherFailuresAreDropped(t *testing.T) {
	f := newFixture(t)
	f.push(t, queue.SyncRepo{Repository: "acme/api"})
	f.executor.handler = func(queue.Task) error { return errors.New("boom") }

	f.tick()
	f.tick()

	assert.Len(t, f.executor.Runs(), 1)
	assert.Empty(t, f.pending(t))
	require.Equal(t, []string{"task_failed"}, f.sink.Events())
	assert.Equal(t, "acme", f.sink.Entries()[0].Owner)
	assert.Equal(t, "api", f.sink.Entries()[0].Repo)
}

func TestSyncer_DependsOn(t *testing.T) {
	f := newFixture(t)
	g := newGate()
	f.executor.handler = g.handler

	first := f.push(t, queue.OnboardOrg{})
	second := f.push(t, queue.SyncRepo{Repository: "acme/api"}, first)

	f.syncer.Tick(context.Background())
	assert.Equal(t, first, <-g.started)

	// first is still pending while it runs
	f.syncer.Tick(context.Background())
	assert.Equal(t, []string{first}, f.executor.Runs())

	close(g.release)
	f.syncer.Wait()

	f.tick()
	assert.Equal(t, []string{first, second}, f.executor.Runs())
	assert.Empty(t, f.pending(t))
}

func TestSyncer_Supersession(t *testing.T) {
	t.Run("later sync_repo of the same repository", func(t *testing.T) {
		f := newFixture(t)
		f.push(t, queue.SyncRepo{Repository: "acme/api"})
		other := f.push(t, queue.SyncRepo{Repository: "acme/web"})
		latest := f.push(t, queue.SyncRepo{Repository: "acme/api"})

		f.tick()

		assert.ElementsMatch(t, []string{other, latest}, f.executor.Runs())
		assert.Empty(t, f.pending(t))
	})

	t.Run("later sync_org", func(t *testing.T) {
		f := newFixture(t)
		f.push(t, queue.SyncRepo{Repository: "acme/api"})
		f.push(t, queue.SyncOrg{})
		org := f.push(t, queue.SyncOrg{})
		siblings := f.push(t, queue.AddSiblings{Repository: "acme/api", IssueNumber: 1, Label: "bug"})

		f.tick()

		// The org task locks the installation, so add_siblings waits a tick
		assert.Equal(t, []string{org}, f.executor.Runs())
		f.tick()
		assert.Equal(t, []string{org, siblings}, f.executor.Runs())
	})

	t.Run("later sync_org waiting on a dependency", func(t *testing.T) {
		f := newFixture(t)
		repo := f.push(t, queue.SyncRepo{Repository: "acme/api"})
		web := f.push(t, queue.SyncRepo{Repository: "acme/web"})
		org := f.push(t, queue.SyncOrg{}, web)

		f.tick()
		assert.ElementsMatch(t, []string{repo, web}, f.executor.Runs())

		f.tick()
		assert.ElementsMatch(t, []string{repo, web, org}, f.executor.Runs())
		assert.Empty(t, f.pending(t))
	})

	t.Run("later sync_org that plan gating drops", func(t *testing.T) {
		f := newFixture(t)
		s := New(f.queue, f.executor, nil, f.sink, nil, f.clock, Config{Workers: 2})
		t.Cleanup(s.pool.StopWait)

		repo := f.push(t, queue.SyncRepo{Repository: "acme/api"})
		_, err := f.queue.Push(context.Background(), queue.Task{InstallationID: 1, Organization: "acme", IsPaidPlan: false, Spec: queue.SyncOrg{}})
		require.NoError(t, err)

		s.Tick(context.Background())
		s.Wait()

		assert.Equal(t, []string{repo}, f.executor.Runs())
		assert.Equal(t, []string{"task_dropped"}, f.sink.Events())
		assert.Empty(t, f.pending(t))
	})

	t.Run("other installations are unaffected", func(t *testing.T) {
		f := newFixture(t)
		f.store.Put(installations.Installation{ID: 2, Account: "other", Plan: installations.PlanPaid, Activated: true})
		repo := f.push(t, queue.SyncRepo{Repository: "acme/api"})
		id, err := f.queue.Push(context.Background(), queue.Task{InstallationID: 2, Organization: "other", IsPaidPlan: true, Spec: queue.SyncOrg{}})
		require.NoError(t, err)

		f.tick()
		assert.ElementsMatch(t, []string{repo, id}, f.executor.Runs())
	})
}

func TestSyncer_SerializesPerRepository(t *testing.T) {
	f := newFixture(t)
	g := newGate()
	f.executor.handler = g.handler

	first := f.push(t, queue.AddSiblings{Repository: "acme/api", IssueNumber: 1, Label: "bug"})
	second := f.push(t, queue.AddSiblings{Repository: "acme/api", IssueNumber: 2, Label: "bug"})
	web := f.push(t, queue.AddSiblings{Repository: "acme/web", IssueNumber: 1, Label: "bug"})
	org := f.push(t, queue.DryRunConfig{PullRequestNumber: 3, Ref: "refs/pull/3/head"})

	f.syncer.Tick(context.Background())
	started := []string{<-g.started, <-g.started}
	assert.ElementsMatch(t, []string{first, web}, started)

	// Nothing else may start while acme/api is locked and the org task waits for both
	f.syncer.Tick(context.Background())
	assert.Len(t, f.executor.Runs(), 2)

	close(g.release)
	f.syncer.Wait()

	f.tick()
	assert.Equal(t, second, f.executor.Runs()[2])
	f.tick()
	assert.Equal(t, org, f.executor.Runs()[3])
	assert.Empty(t, f.pending(t))
}

func TestSyncer_PaidPlanGating(t *testing.T) {
	f := newFixture(t)
	f.store.Put(installations.Installation{ID: 2, Account: "free", Plan: installations.PlanFree, Activated: false})
	f.store.Put(installations.Installation{ID: 5, Account: "hobby", Plan: installations.PlanFree, Activated: true})
	f.store.Put(installations.Installation{ID: 6, Account: "lapsed", Plan: installations.PlanPaid, Activated: true,
		PeriodEndsAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)})
	f.store.Put(installations.Installation{ID: 7, Account: "renewing", Plan: installations.PlanPaid, Activated: true,
		PeriodEndsAt: f.clock.Now().Add(24 * time.Hour)})

	push := func(installation int64, paid bool, spec queue.Spec) string {
		id, err := f.queue.Push(context.Background(), queue.Task{InstallationID: installation, Organization: "org", IsPaidPlan: paid, Spec: spec})
		require.NoError(t, err)
		return id
	}

	onboard := push(2, false, queue.OnboardOrg{})
	dryRun := push(3, false, queue.DryRunConfig{PullRequestNumber: 1, Ref: "main"})
	push(4, false, queue.SyncRepo{Repository: "org/api"})
	push(2, true, queue.SyncOrg{})  // claims paid but is not activated
	push(99, true, queue.SyncOrg{}) // unknown installation
	push(5, true, queue.SyncOrg{})  // activated but on the free plan
	push(6, true, queue.SyncOrg{})  // paid period is over
	paid := push(1, true, queue.SyncOrg{})
	renewing := push(7, false, queue.SyncOrg{}) // the store wins over a stale flag

	f.tick()

	assert.ElementsMatch(t, []string{onboard, dryRun, paid, renewing}, f.executor.Runs())
	assert.Empty(t, f.pending(t))
	assert.Equal(t, []string{"task_dropped", "task_dropped", "task_dropped", "task_dropped", "task_dropped"}, f.sink.Events())
}

func TestSyncer_QueueFailureSkipsTick(t *testing.T) {
	f := newFixture(t)
	s := New(failingQueue{}, f.executor, nil, f.sink, nil, f.clock, Config{})
	defer s.pool.StopWait()

	s.Tick(context.Background())
	assert.Empty(t, f.executor.Runs())
}

type failingQueue struct{}

func (failingQueue) List(context.Context) ([]queue.Task, error) {
	return nil, &queue.QueueConnectionError{Op: "list", Err: errors.New("connection refused")}
}

func (failingQueue) Remove(context.Context, string) error { return nil }

func TestSyncer_StartStop(t *testing.T) {
	f := newFixture(t)
	first := f.push(t, queue.SyncOrg{})

	f.syncer.Start(context.Background())

	assert.Eventually(t, func() bool { return len(f.executor.Runs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		tasks, err := f.queue.List(context.Background())
		return err == nil && len(tasks) == 0 && !f.syncer.isInFlight(first)
	}, time.Second, 5*time.Millisecond)

	second := f.push(t, queue.SyncRepo{Repository: "acme/api"})
	f.clock.WaitForWatcherAndIncrement(DefaultInterval)

	assert.Eventually(t, func() bool { return len(f.executor.Runs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{first, second}, f.executor.Runs())

	f.syncer.Stop()
	assert.Empty(t, f.pending(t))
}

func TestBackoffConfig_Delay(t *testing.T) {
	c := BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, c.Delay(1, 0))
	assert.Equal(t, 2*time.Second, c.Delay(2, 0))
	assert.Equal(t, 8*time.Second, c.Delay(4, 0))
	assert.Equal(t, 10*time.Second, c.Delay(10, 0))
	assert.Equal(t, time.Minute, c.Delay(1, time.Minute))
}
