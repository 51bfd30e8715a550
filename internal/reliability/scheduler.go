package reliability

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
)

// TaskKind classifies a scheduled unit of work.
type TaskKind string

const (
	TaskRefresh TaskKind = "refresh"
	TaskEvent   TaskKind = "event"
	TaskCall    TaskKind = "call"
)

// Outcome classifies how a task finished, driving the retry policy (§4.4).
type Outcome string

const (
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
	OutcomeUserError Outcome = "user_error"
)

// Task is one unit of scheduled work. Run is invoked by a worker and its
// return values drive statistics and (for retryable outcomes) the retry
// policy; Run must respect ctx's deadline.
type Task struct {
	PluginID string
	Kind     TaskKind
	Deadline time.Time
	Payload  any
	Run      func(ctx context.Context) (Outcome, error)

	// Retry enables jittered-backoff re-submission on an OutcomeRetryable
	// result (§4.5.3). Nil disables retry: a retryable outcome is then
	// counted as a failure like any other, matching a task with no retry
	// policy configured.
	Retry *RetryConfig

	// Done, if set, is invoked exactly once with the task's terminal
	// outcome — after it succeeds, after it fails without a retryable
	// classification, or after its retry budget is exhausted. It is never
	// called for an attempt that is about to be retried.
	Done func(outcome Outcome, err error)

	cancel   context.CancelFunc
	attempt  int
	envelope *Envelope
}

// Stats are scheduler-wide counters. Panics inside a task body are recovered
// by the worker shell and counted as Failed, never as Completed, and never
// corrupt the other counters (§4.4).
type Stats struct {
	Queued    int64
	Running   int64
	Completed int64
	Failed    int64
}

type pluginQueue struct {
	pending    *list.List // of *Task
	processing bool
}

// Scheduler is the bounded work queue with N workers described in §4.4.
type Scheduler struct {
	logger   *slog.Logger
	capacity int
	workers  int

	mu       sync.Mutex
	queues   map[string]*pluginQueue
	depth    int
	wake     chan struct{}
	stats    Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SchedulerOption configures a Scheduler, following the teacher's
// functional-options idiom for service construction.
type SchedulerOption func(*Scheduler)

// WithCapacity sets the bounded queue's total admitted-task capacity.
func WithCapacity(n int) SchedulerOption {
	return func(s *Scheduler) { s.capacity = n }
}

// WithWorkers overrides the default worker count (min(cores, 8)).
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) { s.workers = n }
}

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler starts a scheduler with N = min(cores, 8) workers by default.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:   slog.Default(),
		capacity: 1000,
		workers:  defaultWorkerCount(),
		queues:   make(map[string]*pluginQueue),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
	return s
}

func defaultWorkerCount() int {
	n := runtime.NumCPU()
	if n > 8 {
		return 8
	}
	if n < 1 {
		return 1
	}
	return n
}

// ErrQueueFull is returned when admission would exceed capacity.
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string { return "reliability: scheduler queue is full" }

// Submit admits task, failing fast with ErrQueueFull if the bounded queue is
// at capacity, or with an error once Shutdown has been called. Admission and
// enqueue happen under a single lock, so the capacity check can never race
// with a concurrent enqueue (§4.4).
func (s *Scheduler) Submit(task *Task) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return fmt.Errorf("reliability: scheduler is shut down")
	}
	if s.depth >= s.capacity {
		s.mu.Unlock()
		return ErrQueueFull{}
	}

	q, ok := s.queues[task.PluginID]
	if !ok {
		q = &pluginQueue{pending: list.New()}
		s.queues[task.PluginID] = q
	}
	q.pending.PushBack(task)
	s.depth++
	atomic.AddInt64(&s.stats.Queued, 1)
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// workerLoop parks on the wake notifier rather than polling, and drains
// every plugin with pending, non-in-flight work before parking again.
func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		task := s.claimNext()
		if task == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		s.runTask(task)
		s.notify() // there may be more work for this or another plugin
	}
}

// claimNext finds one plugin with pending work that isn't already being
// processed by another worker, marks it in-flight, and pops its oldest task
// — preserving strict per-plugin FIFO while allowing cross-plugin parallelism.
func (s *Scheduler) claimNext() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pluginID, q := range s.queues {
		if q.processing || q.pending.Len() == 0 {
			continue
		}
		front := q.pending.Remove(q.pending.Front()).(*Task)
		q.processing = true
		s.depth--
		_ = pluginID
		return front
	}
	return nil
}

func (s *Scheduler) releaseClaim(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[pluginID]; ok {
		q.processing = false
		if q.pending.Len() == 0 {
			delete(s.queues, pluginID)
		}
	}
}

// runTask wraps task.Run in panic recovery so a crashing task fails exactly
// one task and never poisons the shared counters, per §4.4. A retryable
// outcome with a configured Retry policy is re-admitted through the retry
// policy (§4.4) instead of being counted as a terminal failure immediately.
func (s *Scheduler) runTask(task *Task) {
	defer s.releaseClaim(task.PluginID)

	atomic.AddInt64(&s.stats.Running, 1)
	defer atomic.AddInt64(&s.stats.Running, -1)

	taskCtx, cancel := context.WithDeadline(s.ctx, task.Deadline)
	task.cancel = cancel
	defer cancel()

	outcome, err := s.invokeRecovered(taskCtx, task)

	if err != nil && outcome == OutcomeRetryable && task.Retry != nil && s.scheduleRetry(task, err) {
		return // re-admitted; not yet a terminal outcome
	}

	if err != nil {
		atomic.AddInt64(&s.stats.Failed, 1)
		if err != nil {
			s.logger.Warn("reliability: task failed", "plugin_id", task.PluginID, "kind", task.Kind, "error", err)
		}
		if task.Done != nil {
			task.Done(outcome, err)
		}
		return
	}
	atomic.AddInt64(&s.stats.Completed, 1)
	if task.Done != nil {
		task.Done(outcome, err)
	}
}

// scheduleRetry consults task's retry envelope (lazily created from its
// Retry policy) and, if attempts remain and err's classification is
// retryable, re-submits task after a jittered backoff delay. It reports
// whether a retry was actually scheduled.
func (s *Scheduler) scheduleRetry(task *Task, err error) bool {
	if task.envelope == nil {
		task.envelope = NewEnvelope(*task.Retry)
	}
	delay, ok := task.envelope.Next(*task.Retry, task.attempt, errorCode(err))
	if !ok {
		return false
	}
	task.attempt++
	atomic.AddInt64(&s.stats.Queued, 1)
	s.logger.Warn("reliability: retrying task", "plugin_id", task.PluginID, "kind", task.Kind,
		"attempt", task.attempt, "delay", delay, "error", err)

	time.AfterFunc(delay, func() {
		if err := s.Submit(task); err != nil {
			atomic.AddInt64(&s.stats.Failed, 1)
			if task.Done != nil {
				task.Done(OutcomeFatal, err)
			}
		}
	})
	return true
}

// errorCode extracts the apierrors taxonomy code driving retry
// classification, defaulting to CodeUnknown (never retryable) for an error
// the runtime's own taxonomy doesn't recognize.
func errorCode(err error) string {
	var pe *apierrors.PluginError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return apierrors.CodeUnknown
}

func (s *Scheduler) invokeRecovered(ctx context.Context, task *Task) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeFatal
			err = fmt.Errorf("reliability: task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

// Stats returns a point-in-time copy of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Queued:    atomic.LoadInt64(&s.stats.Queued),
		Running:   atomic.LoadInt64(&s.stats.Running),
		Completed: atomic.LoadInt64(&s.stats.Completed),
		Failed:    atomic.LoadInt64(&s.stats.Failed),
	}
}

// Shutdown cancels all in-flight task contexts and stops accepting new
// work, draining the queue before returning.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
