package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"labelsync/pkg/github"
	"labelsync/pkg/installations"
	"labelsync/pkg/labels"
	"labelsync/pkg/logsink"
	"labelsync/pkg/queue"
)

const (
	// DefaultInterval is the time between two polls of the queue
	DefaultInterval = 10 * time.Second

	// DefaultWorkers is how many tasks run at once
	DefaultWorkers = 8
)

// TaskQueue is the part of the queue the syncer consumes
type TaskQueue interface {
	List(ctx context.Context) ([]queue.Task, error)
	Remove(ctx context.Context, id string) error
}

// Config configures a Syncer
type Config struct {
	Interval time.Duration
	Workers  int
	Backoff  BackoffConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Workers:  DefaultWorkers,
		Backoff:  DefaultBackoffConfig(),
	}
}

// freeKinds are the task kinds installations without a paid plan may run
var freeKinds = map[queue.Kind]bool{
	queue.KindOnboardOrg:   true,
	queue.KindDryRunConfig: true,
}

type retryState struct {
	attempts  int
	notBefore time.Time
}

// Syncer polls the queue and runs tasks through an executor
type Syncer struct {
	queue         TaskQueue
	executor      queue.Visitor
	installations installations.Store
	sink          logsink.Sink
	logger        *zap.Logger
	clock         clock.Clock
	config        Config

	pool    *workerpool.WorkerPool
	running sync.WaitGroup

	tickMu sync.Mutex

	mu       sync.Mutex
	inFlight map[string]struct{}
	locks    lockTable
	retries  map[string]retryState

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a syncer. Without an installations store every task's
// isPaidPlan flag is trusted.
func New(q TaskQueue, executor queue.Visitor, store installations.Store, sink logsink.Sink, logger *zap.Logger, clk clock.Clock, config Config) *Syncer {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.Backoff == (BackoffConfig{}) {
		config.Backoff = DefaultBackoffConfig()
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = logsink.Multi{}
	}

	return &Syncer{
		queue:         q,
		executor:      executor,
		installations: store,
		sink:          sink,
		logger:        logger.Named("syncer"),
		clock:         clk,
		config:        config,
		pool:          workerpool.New(config.Workers),
		inFlight:      make(map[string]struct{}),
		locks:         make(lockTable),
		retries:       make(map[string]retryState),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called or ctx is done. The
// first tick runs immediately.
func (s *Syncer) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		ticker := s.clock.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C():
				s.Tick(ctx)
			}
		}
	}()
}

// Stop ends the polling loop and waits for running tasks to finish
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	s.pool.StopWait()
}

// Wait blocks until every submitted task has finished
func (s *Syncer) Wait() {
	s.running.Wait()
}

// Tick lists the queue once and submits every runnable task
func (s *Syncer) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	tasks, err := s.queue.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list tasks", zap.Error(err))
		return
	}

	pending := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		pending[t.ID] = struct{}{}
	}

	runnable := func(later queue.Task) bool {
		if dependsOnPending(later, pending) {
			return false
		}
		ok, err := s.allowed(ctx, later)
		return err == nil && ok
	}

	now := s.clock.Now()
	for i, task := range tasks {
		log := s.logger.With(zap.String("task", task.ID), zap.String("kind", string(task.Kind())))

		if s.isInFlight(task.ID) || s.isBackingOff(task.ID, now) {
			continue
		}

		if dependsOnPending(task, pending) {
			log.Debug("Waiting for dependencies", zap.Strings("dependsOn", task.DependsOn))
			continue
		}

		if superseded(task, tasks[i+1:], runnable) {
			log.Info("Dropping superseded task")
			s.drop(ctx, task)
			delete(pending, task.ID)
			continue
		}

		allowed, err := s.allowed(ctx, task)
		if err != nil {
			log.Warn("Failed to look up installation", zap.Int64("installation", task.InstallationID), zap.Error(err))
			continue
		}
		if !allowed {
			log.Info("Dropping task not covered by the installation's plan")
			s.sink.Log(ctx, logsink.Entry{
				Level:   logsink.LevelWarning,
				Event:   "task_dropped",
				Owner:   task.Organization,
				Repo:    repoOf(task),
				Message: string(task.Kind()) + " requires a paid plan",
			})
			s.drop(ctx, task)
			delete(pending, task.ID)
			continue
		}

		if !s.tryAcquire(task) {
			continue
		}

		s.running.Add(1)
		t := task
		s.pool.Submit(func() {
			defer s.running.Done()
			s.run(ctx, t)
		})
	}
}

func (s *Syncer) isInFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

func (s *Syncer) isBackingOff(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.retries[id]
	return ok && now.Before(r.notBefore)
}

func (s *Syncer) tryAcquire(task queue.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks.busy(task) {
		return false
	}
	s.locks.acquire(task)
	s.inFlight[task.ID] = struct{}{}
	return true
}

func (s *Syncer) release(task queue.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks.release(task)
	delete(s.inFlight, task.ID)
}

// allowed applies paid-plan gating. The installation store decides when
// there is one; the flag recorded at enqueue time is only used without it.
func (s *Syncer) allowed(ctx context.Context, task queue.Task) (bool, error) {
	if freeKinds[task.Kind()] {
		return true, nil
	}
	if s.installations == nil {
		return task.IsPaidPlan, nil
	}

	inst, err := s.installations.Get(ctx, task.InstallationID)
	if installations.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inst.IsPaid(s.clock.Now()), nil
}

// run executes one task and settles its outcome
func (s *Syncer) run(ctx context.Context, task queue.Task) {
	defer s.release(task)

	log := s.logger.With(
		zap.String("task", task.ID),
		zap.String("kind", string(task.Kind())),
		zap.Int64("installation", task.InstallationID),
		zap.String("organization", task.Organization))

	started := s.clock.Now()
	err := task.Accept(ctx, s.executor)

	switch {
	case err == nil:
		log.Info("Task completed", zap.Duration("duration", s.clock.Since(started)))
		s.acknowledge(ctx, task)

	case github.IsRateLimit(err):
		s.mu.Lock()
		r := s.retries[task.ID]
		r.attempts++
		delay := s.config.Backoff.Delay(r.attempts, github.RetryAfter(err))
		r.notBefore = s.clock.Now().Add(delay)
		s.retries[task.ID] = r
		s.mu.Unlock()
		log.Warn("Task rate limited, rescheduling", zap.Int("attempt", r.attempts), zap.Duration("delay", delay), zap.Error(err))

	case github.IsAuth(err):
		log.Warn("Task failed to authenticate, retrying on the next tick", zap.Error(err))

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Info("Task interrupted by shutdown")

	default:
		log.Error("Task failed", zap.Error(err))
		s.sink.Log(ctx, logsink.Entry{
			Level:   logsink.LevelError,
			Event:   "task_failed",
			Owner:   task.Organization,
			Repo:    repoOf(task),
			Message: err.Error(),
			Data:    map[string]any{"task": task.ID, "kind": string(task.Kind())},
		})
		s.acknowledge(ctx, task)
	}
}

func (s *Syncer) acknowledge(ctx context.Context, task queue.Task) {
	s.mu.Lock()
	delete(s.retries, task.ID)
	s.mu.Unlock()

	if err := s.queue.Remove(ctx, task.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		s.logger.Error("Failed to remove task", zap.String("task", task.ID), zap.Error(err))
	}
}

func (s *Syncer) drop(ctx context.Context, task queue.Task) {
	s.acknowledge(ctx, task)
}

func dependsOnPending(task queue.Task, pending map[string]struct{}) bool {
	for _, id := range task.DependsOn {
		if _, ok := pending[id]; ok {
			return true
		}
	}
	return false
}

// superseded reports whether a later runnable task does at least the same
// work: a sync_repo of the same repository or a sync_org of the same
// installation. Later tasks that wait on a dependency or fail plan gating
// do not count.
func superseded(task queue.Task, later []queue.Task, runnable func(queue.Task) bool) bool {
	if task.Kind() != queue.KindSyncRepo && task.Kind() != queue.KindSyncOrg {
		return false
	}
	for _, l := range later {
		if l.InstallationID != task.InstallationID {
			continue
		}
		covers := l.Kind() == queue.KindSyncOrg ||
			(l.Kind() == queue.KindSyncRepo && task.Kind() == queue.KindSyncRepo && l.Scope() == task.Scope())
		if covers && runnable(l) {
			return true
		}
	}
	return false
}

// repoOf returns the repository name of a repository task, or ""
func repoOf(task queue.Task) string {
	if task.Scope() == queue.OrgWide {
		return ""
	}
	_, name, err := labels.ParseRepositoryName(task.Scope())
	if err != nil {
		return task.Scope()
	}
	return name
}
