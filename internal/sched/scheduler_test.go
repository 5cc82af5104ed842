package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/store"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []submission
}

type submission struct {
	convID string
	text   string
}

func (f *fakeSubmitter) Submit(ctx context.Context, convID, text string) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, submission{convID, text})
	return "job-1", 1, nil
}

func (f *fakeSubmitter) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submission, len(f.jobs))
	copy(out, f.jobs)
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newSchedHarness(t *testing.T, start time.Time) (*Scheduler, *store.Store, *fakeSubmitter, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	clock := &fakeClock{t: start}
	sub := &fakeSubmitter{}
	s := New(st, sub, time.UTC, WithNow(clock.Now))
	return s, st, sub, clock
}

func TestCreateComputesFirstFire(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 30, 15, 0, time.UTC)
	s, _, _, _ := newSchedHarness(t, start)

	sched, err := s.Create(t.Context(), agent.ScheduleRequest{
		Name: "daily report", Prompt: "write the report", CronExpr: "0 10 * * *",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if sched.NextFire == nil || !sched.NextFire.Equal(want) {
		t.Errorf("NextFire = %v, want %v", sched.NextFire, want)
	}
	if !sched.Enabled {
		t.Error("new schedule not enabled")
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	s, _, _, _ := newSchedHarness(t, time.Now())

	cases := []agent.ScheduleRequest{
		{Name: "x", Prompt: "y", CronExpr: "not a cron"},
		{Name: "", Prompt: "y", CronExpr: "* * * * *"},
		{Name: "x", Prompt: "", CronExpr: "* * * * *"},
		{Name: "x", Prompt: "y", CronExpr: "* * * * *", Timezone: "Mars/Olympus"},
	}
	for _, req := range cases {
		if _, err := s.Create(t.Context(), req); err == nil {
			t.Errorf("Create(%+v) succeeded, want error", req)
		}
	}
}

func TestCreateHonorsTimezone(t *testing.T) {
	// 09:30 UTC is 04:30 in New York (EST, winter), so a 10:00 schedule in
	// New York fires at 15:00 UTC the same day.
	start := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	s, _, _, _ := newSchedHarness(t, start)

	sched, err := s.Create(t.Context(), agent.ScheduleRequest{
		Name: "morning", Prompt: "check in", CronExpr: "0 10 * * *",
		Timezone: "America/New_York",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC)
	if sched.NextFire == nil || !sched.NextFire.Equal(want) {
		t.Errorf("NextFire = %v, want %v (UTC)", sched.NextFire, want)
	}
}

func TestTriggerFiresWithoutAdvancing(t *testing.T) {
	s, st, sub, _ := newSchedHarness(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := t.Context()

	sched, err := s.Create(ctx, agent.ScheduleRequest{
		Name: "weekly", Prompt: "do the rounds", CronExpr: "0 8 * * 1",
		Context: "focus on open items",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Trigger(ctx, sched.ID); err != nil {
		t.Fatal(err)
	}

	jobs := sub.submitted()
	if len(jobs) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(jobs))
	}
	if jobs[0].text != "do the rounds\n\nBackground:\nfocus on open items" {
		t.Errorf("prompt = %q", jobs[0].text)
	}

	conv, err := st.GetConversation(ctx, jobs[0].convID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.SchedulerID != sched.ID || !conv.IsSchedulerRun {
		t.Errorf("run conversation not tagged: %+v", conv)
	}

	// Manual triggers must not consume the scheduled fire.
	after, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.RunCount != 0 {
		t.Errorf("RunCount = %d, want 0", after.RunCount)
	}
	if !after.NextFire.Equal(*sched.NextFire) {
		t.Errorf("NextFire moved: %v -> %v", sched.NextFire, after.NextFire)
	}
}

func TestAdvanceDropsMissedFires(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 30, 0, time.UTC)
	s, st, _, clock := newSchedHarness(t, start)
	ctx := t.Context()

	sched, err := s.Create(ctx, agent.ScheduleRequest{
		Name: "minutely", Prompt: "tick", CronExpr: "* * * * *",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The host slept through ten fires.
	clock.Set(start.Add(10 * time.Minute))
	if err := s.advance(ctx, sched); err != nil {
		t.Fatal(err)
	}

	after, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", after.RunCount)
	}
	if !after.NextFire.After(clock.Now()) {
		t.Errorf("NextFire %v not past now %v", after.NextFire, clock.Now())
	}
	want := time.Date(2025, 3, 1, 9, 11, 0, 0, time.UTC)
	if !after.NextFire.Equal(want) {
		t.Errorf("NextFire = %v, want %v", after.NextFire, want)
	}
}

func TestSetEnabledRecomputesNextFire(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s, st, _, clock := newSchedHarness(t, start)
	ctx := t.Context()

	sched, err := s.Create(ctx, agent.ScheduleRequest{
		Name: "hourly", Prompt: "tick", CronExpr: "0 * * * *",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetEnabled(ctx, sched.ID, false); err != nil {
		t.Fatal(err)
	}
	disabled, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if disabled.Enabled || disabled.NextFire != nil {
		t.Errorf("disabled schedule = %+v", disabled)
	}

	clock.Set(start.Add(90 * time.Minute)) // 10:30
	if err := s.SetEnabled(ctx, sched.ID, true); err != nil {
		t.Fatal(err)
	}
	enabled, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	if enabled.NextFire == nil || !enabled.NextFire.Equal(want) {
		t.Errorf("NextFire = %v, want %v", enabled.NextFire, want)
	}
}

func TestRunLoopFiresDueSchedule(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 30, 0, time.UTC)
	s, st, sub, clock := newSchedHarness(t, start)
	ctx := t.Context()

	sched, err := s.Create(ctx, agent.ScheduleRequest{
		Name: "soon", Prompt: "fire now", CronExpr: "* * * * *",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Jump past the fire time, then start the loop.
	clock.Set(start.Add(time.Minute))
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sub.submitted()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	jobs := sub.submitted()
	if len(jobs) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(jobs))
	}
	if jobs[0].text != "fire now" {
		t.Errorf("prompt = %q", jobs[0].text)
	}
	after, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", after.RunCount)
	}
}
