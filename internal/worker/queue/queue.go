// Package queue runs render pipelines on a fixed pool of workers. Items are
// deduplicated by job ID, failed attempts are retried with exponential
// backoff, and a stall detector fails jobs that stop reporting progress.
package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/worker/heartbeat"
)

const (
	DefaultConcurrency    = 2
	DefaultMaxAttempts    = 3
	DefaultBackoffBase    = 5 * time.Second
	DefaultMaxBackoff     = time.Minute
	DefaultStallTimeout   = 2 * time.Minute
	DefaultAttemptTimeout = 15 * time.Minute
)

// errStalled cancels an attempt whose heartbeat went quiet.
var errStalled = stderrors.New("job stalled")

// errStopped cancels attempts still running when the queue stops.
var errStopped = stderrors.New("worker stopped")

// Runner executes one pipeline attempt.
type Runner interface {
	Run(ctx context.Context, spec JobSpec) error
}

// JobService is the part of the job service the queue uses to manage retry
// lineage and final failures.
type JobService interface {
	Get(ctx context.Context, id string) (*models.RenderJob, error)
	Retry(ctx context.Context, id string) (*models.RenderJob, error)
	MarkFailed(ctx context.Context, id, message string) (*models.RenderJob, error)
}

type Config struct {
	Concurrency    int
	MaxAttempts    int
	BackoffBase    time.Duration
	MaxBackoff     time.Duration
	StallTimeout   time.Duration
	AttemptTimeout time.Duration
}

type Deps struct {
	Broker Broker
	Runner Runner
	Jobs   JobService
	Logger *logger.Logger
	Config Config
	// Now defaults to time.Now.
	Now func() time.Time
}

// Snapshot is a point-in-time view of the queue counters.
type Snapshot struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

type running struct {
	item    Item
	monitor *heartbeat.Monitor
	cancel  context.CancelCauseFunc
	stalled atomic.Bool
}

type Queue struct {
	broker Broker
	runner Runner
	jobs   JobService
	log    *logger.Logger
	cfg    Config
	now    func() time.Time

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	running map[string]*running
	delayed map[string]*delayedItem
	cancel  context.CancelCauseFunc
	wg      sync.WaitGroup
	started bool
}

type delayedItem struct {
	item  Item
	timer *time.Timer
}

func New(d Deps) *Queue {
	log := d.Logger
	if log == nil {
		log = logger.NewDefault()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	cfg := d.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}

	return &Queue{
		broker:  d.Broker,
		runner:  d.Runner,
		jobs:    d.Jobs,
		log:     log.WithComponent("queue"),
		cfg:     cfg,
		now:     now,
		running: make(map[string]*running),
		delayed: make(map[string]*delayedItem),
	}
}

// Enqueue queues spec under its job ID, assigning one when empty. It reports
// false when an item with the same ID is already queued or running.
func (q *Queue) Enqueue(ctx context.Context, spec *JobSpec) (bool, error) {
	if spec.JobID == "" {
		spec.JobID = uuid.NewString()
	}
	if err := spec.Validate(); err != nil {
		return false, err
	}

	added, err := q.broker.Push(ctx, Item{
		Key:        spec.JobID,
		JobID:      spec.JobID,
		Attempt:    1,
		Spec:       *spec,
		EnqueuedAt: q.now().UTC(),
	})
	if err != nil {
		return false, errors.WrapWithCode(err, errors.CodeUnavailable, "queue.enqueue", "push queue item")
	}

	log := q.log.FromContext(ctx).WithJobID(spec.JobID)
	if !added {
		log.Info("job already queued, skipping")
		return false, nil
	}
	log.Info("job enqueued", "product_id", spec.ProductID, "preset", spec.Preset)
	return true, nil
}

// Start launches the workers and the stall detector.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, cancel := context.WithCancelCause(ctx)
	q.cancel = cancel

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.work(ctx, i+1)
	}
	q.wg.Add(1)
	go q.detectStalls(ctx)

	q.log.Info("queue started",
		"concurrency", q.cfg.Concurrency,
		"max_attempts", q.cfg.MaxAttempts,
		"stall_timeout", q.cfg.StallTimeout.String(),
	)
}

// Stop cancels running attempts, waits for the workers to exit and hands
// delayed retries back to the broker.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	cancel := q.cancel
	q.mu.Unlock()

	cancel(errStopped)
	q.wg.Wait()

	q.mu.Lock()
	pending := make([]Item, 0, len(q.delayed))
	for key, d := range q.delayed {
		if d.timer.Stop() {
			pending = append(pending, d.item)
		}
		delete(q.delayed, key)
	}
	q.started = false
	q.mu.Unlock()

	ctx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	for _, item := range pending {
		if err := q.broker.Requeue(ctx, item); err != nil {
			q.log.Warn("failed to hand delayed retry back to the broker", "job_id", item.JobID, "error", err.Error())
		}
	}
	q.log.Info("queue stopped", "requeued", len(pending))
}

// Metrics returns the current counters. Waiting is read from the broker.
func (q *Queue) Metrics() Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	waiting, err := q.broker.Len(ctx)
	if err != nil {
		q.log.Debug("failed to read queue length", "error", err.Error())
		waiting = -1
	}

	q.mu.Lock()
	delayed := int64(len(q.delayed))
	q.mu.Unlock()

	return Snapshot{
		Waiting:   waiting,
		Active:    q.active.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Delayed:   delayed,
	}
}

func (q *Queue) work(ctx context.Context, id int) {
	defer q.wg.Done()
	log := q.log.WithFields(map[string]any{"worker": id})

	for {
		item, err := q.broker.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, ErrClosed) {
				return
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		q.process(ctx, item)
	}
}

func (q *Queue) process(ctx context.Context, item Item) {
	log := q.log.WithJobID(item.JobID).WithFields(map[string]any{"attempt": item.Attempt, "key": item.Key})

	r := &running{item: item, monitor: heartbeat.NewMonitor(q.now)}
	attemptCtx, cancel := context.WithCancelCause(ctx)
	r.cancel = cancel
	attemptCtx, cancelTimeout := context.WithTimeout(attemptCtx, q.cfg.AttemptTimeout)
	attemptCtx = heartbeat.WithMonitor(attemptCtx, r.monitor)
	attemptCtx = logger.ContextWithJobID(attemptCtx, item.JobID)

	q.mu.Lock()
	q.running[item.JobID] = r
	q.mu.Unlock()
	q.active.Add(1)

	spec := item.Spec
	spec.JobID = item.JobID
	spec.Attempt = item.Attempt

	log.Info("processing job")
	started := time.Now()
	err := q.runner.Run(attemptCtx, spec)

	cancelTimeout()
	cancel(nil)
	q.active.Add(-1)
	q.mu.Lock()
	delete(q.running, item.JobID)
	q.mu.Unlock()

	// Bookkeeping after this point must survive a stopped queue.
	bg := context.WithoutCancel(ctx)

	// Counters move only after the record and the key are settled.
	switch {
	case r.stalled.Load():
		log.Error("job stalled, not retrying", "duration_ms", time.Since(started).Milliseconds())
		q.ack(bg, item)
		q.failed.Add(1)

	case err == nil:
		log.Info("job completed", "duration_ms", time.Since(started).Milliseconds())
		q.ack(bg, item)
		q.completed.Add(1)

	case ctx.Err() != nil:
		log.Warn("job interrupted by shutdown", "error", err.Error())
		q.markFailed(bg, item.JobID, "job interrupted: "+context.Cause(ctx).Error())
		q.ack(bg, item)
		q.failed.Add(1)

	case item.Attempt < q.cfg.MaxAttempts && retryable(err):
		log.Warn("job attempt failed, will retry", "error", err.Error())
		q.scheduleRetry(bg, item)

	default:
		log.Error("job failed", "error", err.Error(), "duration_ms", time.Since(started).Milliseconds())
		q.markFailed(bg, item.JobID, err.Error())
		q.ack(bg, item)
		q.failed.Add(1)
	}
}

// retryable reports whether another attempt could succeed. Requests that
// failed validation fail the same way every time.
func retryable(err error) bool {
	return !errors.IsInvalidInput(err)
}

// scheduleRetry points the item at the job the next attempt should run
// against and re-queues it after the backoff.
func (q *Queue) scheduleRetry(ctx context.Context, item Item) {
	log := q.log.WithJobID(item.JobID)

	nextID, err := q.nextJobID(ctx, item.JobID)
	if err != nil {
		log.Error("cannot prepare retry, giving up", "error", err.Error())
		q.markFailed(ctx, item.JobID, "retry preparation failed: "+err.Error())
		q.ack(ctx, item)
		q.failed.Add(1)
		return
	}

	delay := Backoff(item.Attempt, q.cfg.BackoffBase, q.cfg.MaxBackoff)
	next := item
	next.JobID = nextID
	next.Attempt++

	q.mu.Lock()
	d := &delayedItem{item: next}
	d.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.delayed, next.Key)
		q.mu.Unlock()
		if err := q.broker.Requeue(context.Background(), next); err != nil {
			q.log.Error("failed to requeue retry", "job_id", next.JobID, "error", err.Error())
			q.markFailed(context.Background(), next.JobID, "requeue failed: "+err.Error())
			q.ack(context.Background(), next)
			q.failed.Add(1)
		}
	})
	q.delayed[next.Key] = d
	q.mu.Unlock()

	log.Info("retry scheduled", "next_job_id", nextID, "attempt", next.Attempt, "delay", delay.String())
}

// nextJobID returns the job the next attempt runs against: the same record
// when it is still pending or missing, a fresh lineage job otherwise.
func (q *Queue) nextJobID(ctx context.Context, jobID string) (string, error) {
	job, err := q.jobs.Get(ctx, jobID)
	if errors.IsNotFound(err) {
		return jobID, nil
	}
	if err != nil {
		return "", err
	}

	switch job.Status {
	case models.StatusPending:
		return jobID, nil
	case models.StatusCompositing, models.StatusRendering:
		if _, err := q.jobs.MarkFailed(ctx, jobID, "attempt abandoned"); err != nil {
			return "", err
		}
	case models.StatusCompleted:
		return "", errors.InvalidState("job already completed").WithField("id", jobID)
	}

	retry, err := q.jobs.Retry(ctx, jobID)
	if err != nil {
		return "", err
	}
	return retry.ID, nil
}

func (q *Queue) markFailed(ctx context.Context, jobID, message string) {
	_, err := q.jobs.MarkFailed(ctx, jobID, message)
	switch {
	case err == nil, errors.IsNotFound(err):
	case errors.IsCode(err, errors.CodeInvalidTransition):
		q.log.Debug("job already terminal, keeping its state", "job_id", jobID)
	default:
		q.log.Warn("failed to mark job failed", "job_id", jobID, "error", err.Error())
	}
}

func (q *Queue) ack(ctx context.Context, item Item) {
	if err := q.broker.Ack(ctx, item.Key); err != nil {
		q.log.Warn("failed to release queue key", "key", item.Key, "error", err.Error())
	}
}

func (q *Queue) detectStalls(ctx context.Context) {
	defer q.wg.Done()

	interval := q.cfg.StallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.checkStalls(ctx)
		}
	}
}

func (q *Queue) checkStalls(ctx context.Context) {
	q.mu.Lock()
	var stalled []*running
	for _, r := range q.running {
		if r.monitor.Since() > q.cfg.StallTimeout && r.stalled.CompareAndSwap(false, true) {
			stalled = append(stalled, r)
		}
	}
	q.mu.Unlock()

	for _, r := range stalled {
		msg := fmt.Sprintf("job stalled: no progress reported for %s", q.cfg.StallTimeout)
		q.log.Error("stalled job detected", "job_id", r.item.JobID, "last_beat", r.monitor.Last().UTC())
		q.markFailed(context.WithoutCancel(ctx), r.item.JobID, msg)
		r.cancel(errStalled)
	}
}

// Backoff returns base·2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
