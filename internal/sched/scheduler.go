// Package sched runs the CRON scheduler: recurring prompts that fire into
// fresh conversations as ordinary queued jobs.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/store"
	"github.com/haasonsaas/steward/pkg/models"
)

// idleWait bounds the sleep when no schedule is enabled.
const idleWait = time.Minute

// Submitter enqueues a job for a conversation. *queue.Queue satisfies it.
type Submitter interface {
	Submit(ctx context.Context, convID, text string) (string, int64, error)
}

// Scheduler fires enabled schedules at their next fire time. The next fire
// is persisted before the job runs, so a crash mid-run never replays a fire;
// fires missed while the host was down are dropped.
type Scheduler struct {
	store     *store.Store
	submitter Submitter

	parser    cron.Parser
	defaultTZ *time.Location

	wake   chan struct{}
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New builds a scheduler. Expressions use the standard five fields with an
// optional leading seconds field.
func New(st *store.Store, submitter Submitter, defaultTZ *time.Location, opts ...Option) *Scheduler {
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	s := &Scheduler{
		store:     st,
		submitter: submitter,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defaultTZ: defaultTZ,
		wake:      make(chan struct{}, 1),
		logger:    slog.Default().With("component", "scheduler"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and registers a schedule, computing its first fire time.
func (s *Scheduler) Create(ctx context.Context, req agent.ScheduleRequest) (*models.Schedule, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("schedule needs a name and a prompt")
	}
	loc, tzName, err := s.location(req.Timezone)
	if err != nil {
		return nil, err
	}
	spec, err := s.parser.Parse(req.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", req.CronExpr, err)
	}

	first := spec.Next(s.now().In(loc))
	sched, err := s.store.UpsertSchedule(ctx, &models.Schedule{
		Name:                 req.Name,
		Prompt:               req.Prompt,
		CronExpr:             req.CronExpr,
		Timezone:             tzName,
		Enabled:              true,
		NextFire:             &first,
		SourceConversationID: req.SourceConversationID,
		Context:              req.Context,
	})
	if err != nil {
		return nil, err
	}
	s.Wake()
	return sched, nil
}

// SetEnabled flips a schedule. Enabling recomputes the next fire from now;
// disabling clears it.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	var next *time.Time
	if enabled {
		loc, _, err := s.location(sched.Timezone)
		if err != nil {
			return err
		}
		spec, err := s.parser.Parse(sched.CronExpr)
		if err != nil {
			return err
		}
		t := spec.Next(s.now().In(loc))
		next = &t
	}
	if err := s.store.SetScheduleEnabled(ctx, id, enabled, next); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// Trigger fires a schedule immediately without touching its cadence.
func (s *Scheduler) Trigger(ctx context.Context, id string) (string, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return "", err
	}
	return s.fire(ctx, sched)
}

// Start launches the fire loop.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.run(runCtx)
}

// Stop halts the fire loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Wake re-evaluates the earliest fire, after schedule changes.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		wait := idleWait
		next, err := s.store.NextDue(ctx)
		if err == nil {
			wait = next.NextFire.Sub(s.now())
		} else if ctx.Err() != nil {
			return
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			case <-time.After(wait):
				continue
			}
		}

		if err := s.advance(ctx, next); err != nil {
			s.logger.Error("advancing schedule failed", "schedule", next.ID, "error", err)
			// Avoid a hot loop on a stuck schedule row.
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if _, err := s.fire(ctx, next); err != nil {
			s.logger.Error("firing schedule failed", "schedule", next.ID, "error", err)
		}
	}
}

// advance persists the fire: the following fire time is computed from the
// intended fire, skipping past any fires missed while the host was down,
// and written before the job is enqueued.
func (s *Scheduler) advance(ctx context.Context, sched *models.Schedule) error {
	loc, _, err := s.location(sched.Timezone)
	if err != nil {
		return err
	}
	spec, err := s.parser.Parse(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("parse %q: %w", sched.CronExpr, err)
	}

	next := spec.Next(sched.NextFire.In(loc))
	now := s.now()
	for !next.After(now) {
		next = spec.Next(next)
	}
	return s.store.MarkFired(ctx, sched.ID, &next)
}

// fire creates a fresh conversation for the run and enqueues the prompt.
func (s *Scheduler) fire(ctx context.Context, sched *models.Schedule) (string, error) {
	conv, err := s.store.CreateConversation(ctx, &models.Conversation{
		SchedulerID:    sched.ID,
		IsSchedulerRun: true,
	})
	if err != nil {
		return "", fmt.Errorf("create run conversation: %w", err)
	}

	prompt := sched.Prompt
	if sched.Context != "" {
		prompt += "\n\nBackground:\n" + sched.Context
	}
	jobID, _, err := s.submitter.Submit(ctx, conv.ID, prompt)
	if err != nil {
		return "", fmt.Errorf("enqueue scheduled job: %w", err)
	}

	observability.ScheduleFires.WithLabelValues(sched.Name).Inc()
	s.logger.Info("schedule fired", "schedule", sched.Name, "job", jobID)
	return jobID, nil
}

func (s *Scheduler) location(name string) (*time.Location, string, error) {
	if name == "" {
		return s.defaultTZ, s.defaultTZ.String(), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, "", fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, name, nil
}
