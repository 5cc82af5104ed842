// Package queue runs the durable job queue: submission, a small worker pool
// that claims and executes jobs, cooperative cancellation, and the resume
// path for jobs suspended across a restart.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/steward/internal/gate"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/store"
	"github.com/haasonsaas/steward/pkg/models"
)

// Runner executes one claimed job to a terminal state. *agent.Runtime
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, job *models.Job, resumed bool)
}

// Queue owns the worker pool over the store-backed job table. Jobs survive
// restarts in sqlite; the wakeup channel only shortcuts polling.
type Queue struct {
	store  *store.Store
	runner Runner
	gate   *gate.Gate

	workers   int
	warnDepth int
	poll      time.Duration

	wake   chan struct{}
	resume chan *models.Job

	logger *slog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithPollInterval overrides the fallback polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.poll = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New builds a queue. workers defaults to 1, warnDepth to 50.
func New(st *store.Store, runner Runner, g *gate.Gate, workers, warnDepth int, opts ...Option) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if warnDepth <= 0 {
		warnDepth = 50
	}
	q := &Queue{
		store:     st,
		runner:    runner,
		gate:      g,
		workers:   workers,
		warnDepth: warnDepth,
		poll:      2 * time.Second,
		wake:      make(chan struct{}, 1),
		resume:    make(chan *models.Job, 32),
		logger:    slog.Default().With("component", "queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// WorkerIDs returns the ids this queue's workers claim under.
func (q *Queue) WorkerIDs() []string {
	ids := make([]string, q.workers)
	for i := range ids {
		ids[i] = fmt.Sprintf("worker-%d", i+1)
	}
	return ids
}

// Start recovers orphaned jobs and launches the workers. It returns once the
// pool is running; Stop shuts it down.
func (q *Queue) Start(ctx context.Context) error {
	orphans, err := q.store.ResetOrphanedJobs(ctx, nil)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	for _, job := range orphans {
		q.logger.Info("requeued job from dead worker", "job", job.ID)
		if _, err := q.store.AppendActivity(ctx, &models.Activity{
			JobID: job.ID, Type: models.ActivityError, IsError: true,
			Message: "host restarted mid-run; job requeued",
		}); err != nil {
			q.logger.Warn("activity append failed", "job", job.ID, "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for _, id := range q.WorkerIDs() {
		q.wg.Add(1)
		go q.work(runCtx, id)
	}
	q.updateDepth(ctx)
	return nil
}

// Stop waits for the workers to drain. In-flight jobs run to their next
// cancellation check.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Submit appends the user message and enqueues a job for it atomically, then
// wakes a worker.
func (q *Queue) Submit(ctx context.Context, convID, text string) (string, int64, error) {
	jobID, msgID, err := q.store.Submit(ctx, convID, text)
	if err != nil {
		return "", 0, err
	}
	if depth, err := q.store.PendingDepth(ctx); err == nil {
		observability.QueueDepth.Set(float64(depth))
		if depth >= q.warnDepth {
			q.logger.Warn("queue depth high", "depth", depth)
			if _, err := q.store.AppendActivity(ctx, &models.Activity{
				JobID: jobID, Type: models.ActivityError,
				Message: fmt.Sprintf("queue depth is %d; this job may wait a while", depth),
			}); err != nil {
				q.logger.Warn("activity append failed", "job", jobID, "error", err)
			}
		}
	}
	q.Wake()
	return jobID, msgID, nil
}

// Wake nudges an idle worker. Safe to call from anywhere.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Respond delivers a user answer to a suspended job. The in-process waiter
// path resolves the gate directly; after a restart the job is resumed from
// its persisted state instead.
func (q *Queue) Respond(ctx context.Context, jobID, answer string) error {
	if err := q.gate.Resolve(jobID, answer); err == nil {
		return nil
	} else if !errors.Is(err, gate.ErrNoPendingQuestion) {
		return err
	}

	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.JobWaitingForInput, models.JobOAuthPending:
	default:
		return gate.ErrNoPendingQuestion
	}

	// Restart path: persist the answer, move the job back to running, and
	// hand it to a worker to continue from the stored transcript.
	if _, err := q.store.AppendMessage(ctx, &models.Message{
		ConversationID: job.ConversationID,
		Role:           models.RoleUser,
		Content:        answer,
	}); err != nil {
		return fmt.Errorf("persist answer: %w", err)
	}
	// A question suspension leaves the transcript on an assistant turn with
	// an unanswered tool call; the answer doubles as its result so providers
	// never see a dangling call. OAuth suspensions persist their result
	// before parking and need nothing here.
	if job.PendingKind == models.PendingQuestion && job.PendingToolCallID != "" {
		if _, err := q.store.AppendMessage(ctx, &models.Message{
			ConversationID: job.ConversationID,
			Role:           models.RoleTool,
			Content:        answer,
			ToolCallID:     job.PendingToolCallID,
		}); err != nil {
			return fmt.Errorf("persist answer result: %w", err)
		}
	}
	resumed, err := q.store.ResumeClaim(ctx, jobID, "resume")
	if err != nil {
		return err
	}
	select {
	case q.resume <- resumed:
	default:
		return fmt.Errorf("resume backlog full, try again")
	}
	return nil
}

// Cancel requests cooperative cancellation. Pending jobs terminate
// immediately; running jobs stop at their next check; suspended jobs are
// released from the gate, or terminated directly when they were suspended by
// a previous process. Idempotent.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if job.Status == models.JobPending {
		err := q.store.UpdateJobStatus(ctx, jobID, models.JobCancelled, store.StatusUpdate{})
		if err != nil && !errors.Is(err, store.ErrIllegalTransition) {
			return err
		}
		if err == nil {
			if _, err := q.store.AppendActivity(ctx, &models.Activity{
				JobID: jobID, Type: models.ActivityCancelled, Message: "cancelled before start",
			}); err != nil {
				q.logger.Warn("activity append failed", "job", jobID, "error", err)
			}
			observability.JobsFinished.WithLabelValues(string(models.JobCancelled)).Inc()
		}
		return nil
	}

	if job.Status == models.JobWaitingForInput || job.Status == models.JobOAuthPending {
		if q.gate.Cancel(jobID) {
			return nil
		}
		// Suspended across a restart: no in-process waiter to release, so
		// the job terminates right here.
		err := q.store.UpdateJobStatus(ctx, jobID, models.JobCancelled, store.StatusUpdate{})
		if errors.Is(err, store.ErrIllegalTransition) {
			// Resumed concurrently; the cancel flag stops it at the next
			// check.
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := q.store.AppendActivity(ctx, &models.Activity{
			JobID: jobID, Type: models.ActivityCancelled, Message: "cancelled while suspended",
		}); err != nil {
			q.logger.Warn("activity append failed", "job", jobID, "error", err)
		}
		observability.JobsFinished.WithLabelValues(string(models.JobCancelled)).Inc()
		return nil
	}

	q.gate.Cancel(jobID)
	return nil
}

func (q *Queue) work(ctx context.Context, workerID string) {
	defer q.wg.Done()
	logger := q.logger.With("worker", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.resume:
			logger.Info("resuming suspended job", "job", job.ID)
			q.runner.Execute(ctx, job, true)
			continue
		default:
		}

		job, err := q.store.ClaimNext(ctx, workerID)
		switch {
		case err == nil:
			q.updateDepth(ctx)
			logger.Info("claimed job", "job", job.ID, "conversation", job.ConversationID)
			q.runner.Execute(ctx, job, false)
			// Finishing a job may unblock another in the same
			// conversation.
			q.Wake()
		case errors.Is(err, store.ErrNotFound):
			select {
			case <-ctx.Done():
				return
			case job := <-q.resume:
				logger.Info("resuming suspended job", "job", job.ID)
				q.runner.Execute(ctx, job, true)
			case <-q.wake:
			case <-time.After(q.poll):
			}
		default:
			logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.poll):
			}
		}
	}
}

func (q *Queue) updateDepth(ctx context.Context) {
	if depth, err := q.store.PendingDepth(ctx); err == nil {
		observability.QueueDepth.Set(float64(depth))
	}
}
