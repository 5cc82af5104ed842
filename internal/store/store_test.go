package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/steward/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustConv(t *testing.T, s *Store) *models.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), &models.Conversation{})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	return conv
}

func TestAppendMessage_MonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.AppendMessage(ctx, &models.Message{
			ConversationID: conv.ID, Role: models.RoleUser, Content: "m",
		})
		if err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}

	msgs, err := s.ReadMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("ReadMessages() error = %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Errorf("messages out of order at %d", i)
		}
	}
}

func TestAppendMessage_ToolCallRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	_, err := s.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        "checking",
		ToolCalls: []models.ToolCall{
			{ID: "tc_1", Name: "read_file", Input: []byte(`{"path":"a.txt"}`)},
		},
	})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	_, err = s.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleTool,
		Content:        "contents",
		ToolCallID:     "tc_1",
	})
	if err != nil {
		t.Fatalf("AppendMessage(tool) error = %v", err)
	}

	msgs, err := s.ReadMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].ID != "tc_1" {
		t.Errorf("tool calls not round-tripped: %+v", msgs[0].ToolCalls)
	}
	if msgs[1].ToolCallID != "tc_1" {
		t.Errorf("tool_call_id = %q, want tc_1", msgs[1].ToolCallID)
	}
}

func TestSubmit_AtomicMessageAndJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	jobID, msgID, err := s.Submit(ctx, conv.ID, "hello")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if msgID == 0 || jobID == "" {
		t.Fatalf("empty ids: job=%q msg=%d", jobID, msgID)
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.UserMessage != "hello" {
		t.Errorf("user message = %q", job.UserMessage)
	}
}

func TestClaimNext_PerConversationExclusivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	first, _, err := s.Submit(ctx, conv.ID, "one")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Submit(ctx, conv.ID, "two"); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if claimed.ID != first {
		t.Errorf("claimed %s, want oldest %s", claimed.ID, first)
	}

	// Second job in the same conversation must not be claimable while the
	// first is non-terminal.
	if _, err := s.ClaimNext(ctx, "w2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ClaimNext() = %v, want ErrNotFound", err)
	}

	// Suspension still blocks the conversation.
	if err := s.UpdateJobStatus(ctx, first, models.JobWaitingForInput, StatusUpdate{
		PendingToolCallID: "tc_1", PendingKind: models.PendingQuestion,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext(ctx, "w2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ClaimNext() after suspend = %v, want ErrNotFound", err)
	}

	// Terminal state releases the conversation.
	if err := s.UpdateJobStatus(ctx, first, models.JobCancelled, StatusUpdate{}); err != nil {
		t.Fatal(err)
	}
	next, err := s.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimNext() after terminal = %v", err)
	}
	if next.UserMessage != "two" {
		t.Errorf("claimed %q, want second job", next.UserMessage)
	}
}

func TestUpdateJobStatus_IllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	jobID, _, err := s.Submit(ctx, conv.ID, "x")
	if err != nil {
		t.Fatal(err)
	}

	// pending → completed skips running.
	err = s.UpdateJobStatus(ctx, jobID, models.JobCompleted, StatusUpdate{})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}

	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus(ctx, jobID, models.JobCompleted, StatusUpdate{Result: "done"}); err != nil {
		t.Fatalf("running → completed should be legal: %v", err)
	}

	// Completed never reverts.
	err = s.UpdateJobStatus(ctx, jobID, models.JobRunning, StatusUpdate{})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition on terminal revert", err)
	}
}

func TestRequestCancel_TerminalIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	jobID, _, err := s.Submit(ctx, conv.ID, "x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus(ctx, jobID, models.JobCompleted, StatusUpdate{}); err != nil {
		t.Fatal(err)
	}

	job, err := s.RequestCancel(ctx, jobID)
	if err != nil {
		t.Fatalf("RequestCancel() on terminal = %v, want nil", err)
	}
	if job.Status != models.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	flagged, err := s.CancelRequested(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if flagged {
		t.Error("cancel flag set on terminal job")
	}
}

func TestAppendActivity_SequencePerJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	jobA, _, _ := s.Submit(ctx, conv.ID, "a")
	convB := mustConv(t, s)
	jobB, _, _ := s.Submit(ctx, convB.ID, "b")

	for i := 0; i < 3; i++ {
		if _, err := s.AppendActivity(ctx, &models.Activity{JobID: jobA, Type: models.ActivityStep, Message: "s"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.AppendActivity(ctx, &models.Activity{JobID: jobB, Type: models.ActivityStart, Message: "start"}); err != nil {
		t.Fatal(err)
	}

	acts, latest, err := s.ReadActivities(ctx, jobA, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 3 || latest != 3 {
		t.Fatalf("got %d acts latest=%d, want 3/3", len(acts), latest)
	}
	for i, act := range acts {
		if act.Seq != int64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, act.Seq, i+1)
		}
	}

	// Watermark polling returns only the delta.
	delta, latest, err := s.ReadActivities(ctx, jobA, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(delta) != 1 || delta[0].Seq != 3 || latest != 3 {
		t.Errorf("delta poll got %d records latest=%d", len(delta), latest)
	}

	// Job B's log is independent, starting at 1.
	actsB, _, err := s.ReadActivities(ctx, jobB, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(actsB) != 1 || actsB[0].Seq != 1 {
		t.Errorf("job B seq = %+v", actsB)
	}
}

func TestFork_PrefixEquality(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	var ids []int64
	for _, text := range []string{"one", "two", "three"} {
		id, err := s.AppendMessage(ctx, &models.Message{
			ConversationID: conv.ID, Role: models.RoleUser, Content: text,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	fork, err := s.Fork(ctx, conv.ID, ids[1])
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	if fork.ForkedFrom != conv.ID || fork.BranchNumber != 1 {
		t.Errorf("fork lineage = %+v", fork)
	}

	forkMsgs, err := s.ReadMessages(ctx, fork.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(forkMsgs) != 2 {
		t.Fatalf("fork has %d messages, want 2", len(forkMsgs))
	}
	parentMsgs, _ := s.ReadMessages(ctx, conv.ID, 0, 0)
	for i := range forkMsgs {
		if forkMsgs[i].Content != parentMsgs[i].Content || forkMsgs[i].Role != parentMsgs[i].Role {
			t.Errorf("fork message %d = %+v, want %+v", i, forkMsgs[i], parentMsgs[i])
		}
	}

	// Second fork gets branch number 2.
	fork2, err := s.Fork(ctx, conv.ID, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if fork2.BranchNumber != 2 {
		t.Errorf("branch number = %d, want 2", fork2.BranchNumber)
	}
}

func TestArchiveHidesFromListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	keep := mustConv(t, s)
	hide := mustConv(t, s)

	if err := s.SetArchived(ctx, hide.ID, true); err != nil {
		t.Fatal(err)
	}

	convs, err := s.ListConversations(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != keep.ID {
		t.Fatalf("listing = %+v, want only %s", convs, keep.ID)
	}

	all, err := s.ListConversations(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("include_archived listing = %d conversations, want 2", len(all))
	}
}

func TestPurgeConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	jobID, _, err := s.Submit(ctx, conv.ID, "hello")
	if err != nil {
		t.Fatal(err)
	}

	// An active job blocks the purge.
	if err := s.PurgeConversation(ctx, conv.ID); !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("purge with pending job = %v, want ErrConversationBusy", err)
	}

	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus(ctx, jobID, models.JobCompleted, StatusUpdate{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendActivity(ctx, &models.Activity{JobID: jobID, Type: models.ActivityComplete, Message: "done"}); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeConversation(ctx, conv.ID); err != nil {
		t.Fatalf("PurgeConversation() error = %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("conversation still readable after purge: %v", err)
	}
	if _, err := s.GetJob(ctx, jobID); !errors.Is(err, ErrNotFound) {
		t.Errorf("job still readable after purge: %v", err)
	}
	if msgs, _ := s.ReadMessages(ctx, conv.ID, 0, 0); len(msgs) != 0 {
		t.Errorf("messages survived purge: %d", len(msgs))
	}

	if err := s.PurgeConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second purge = %v, want ErrNotFound", err)
	}
}

func TestDelegateSpendCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	n, err := s.DelegateSpend(ctx, conv.ID)
	if err != nil || n != 0 {
		t.Fatalf("DelegateSpend() = %d, %v, want 0", n, err)
	}

	if err := s.AddDelegateSpend(ctx, conv.ID, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDelegateSpend(ctx, conv.ID, 2); err != nil {
		t.Fatal(err)
	}
	n, err = s.DelegateSpend(ctx, conv.ID)
	if err != nil || n != 5 {
		t.Errorf("DelegateSpend() = %d, %v, want 5", n, err)
	}

	if _, err := s.DelegateSpend(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DelegateSpend(missing) = %v, want ErrNotFound", err)
	}
	if err := s.AddDelegateSpend(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddDelegateSpend(missing) = %v, want ErrNotFound", err)
	}
}

func TestResetOrphanedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convA := mustConv(t, s)
	jobA, _, _ := s.Submit(ctx, convA.ID, "a")
	convB := mustConv(t, s)
	jobB, _, _ := s.Submit(ctx, convB.ID, "b")

	if _, err := s.ClaimNext(ctx, "dead-worker"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext(ctx, "alive-worker"); err != nil {
		t.Fatal(err)
	}
	// Suspended jobs must be preserved.
	convC := mustConv(t, s)
	jobC, _, _ := s.Submit(ctx, convC.ID, "c")
	if _, err := s.ClaimNext(ctx, "dead-worker"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus(ctx, jobC, models.JobWaitingForInput, StatusUpdate{PendingKind: models.PendingQuestion}); err != nil {
		t.Fatal(err)
	}

	orphans, err := s.ResetOrphanedJobs(ctx, []string{"alive-worker"})
	if err != nil {
		t.Fatalf("ResetOrphanedJobs() error = %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != jobA {
		t.Fatalf("orphans = %+v, want just %s", orphans, jobA)
	}

	a, _ := s.GetJob(ctx, jobA)
	if a.Status != models.JobPending {
		t.Errorf("orphan status = %s, want pending", a.Status)
	}
	b, _ := s.GetJob(ctx, jobB)
	if b.Status != models.JobRunning {
		t.Errorf("alive worker's job = %s, want running", b.Status)
	}
	c, _ := s.GetJob(ctx, jobC)
	if c.Status != models.JobWaitingForInput {
		t.Errorf("suspended job = %s, want waiting_for_input", c.Status)
	}
}

func TestResumeClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	jobID, _, _ := s.Submit(ctx, conv.ID, "x")
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus(ctx, jobID, models.JobWaitingForInput, StatusUpdate{
		PendingToolCallID: "tc_9", PendingKind: models.PendingQuestion,
	}); err != nil {
		t.Fatal(err)
	}

	job, err := s.ResumeClaim(ctx, jobID, "w2")
	if err != nil {
		t.Fatalf("ResumeClaim() error = %v", err)
	}
	if job.Status != models.JobRunning || job.WorkerID != "w2" {
		t.Errorf("resumed job = %+v", job)
	}

	// Running jobs cannot be resume-claimed.
	if _, err := s.ResumeClaim(ctx, jobID, "w3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResumeClaim() on running = %v, want ErrNotFound", err)
	}
}

func TestCapabilitySetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)

	set, err := s.GetCapabilitySet(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 0 {
		t.Fatalf("fresh set = %v, want empty", set)
	}

	want := models.CapabilitySet{"web-research": 5, "spreadsheets": 2}
	if err := s.SetCapabilitySet(ctx, conv.ID, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCapabilitySet(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["web-research"] != 5 || got["spreadsheets"] != 2 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSchedules_MarkFiredBeforeRun(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(":memory:", WithNow(func() time.Time { return fixed }))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	first := fixed.Add(5 * time.Minute)
	sched, err := s.UpsertSchedule(ctx, &models.Schedule{
		Name: "report", Prompt: "run report", CronExpr: "*/5 * * * *",
		Timezone: "UTC", Enabled: true, NextFire: &first,
	})
	if err != nil {
		t.Fatalf("UpsertSchedule() error = %v", err)
	}

	due, err := s.NextDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if due.ID != sched.ID {
		t.Fatalf("NextDue = %s, want %s", due.ID, sched.ID)
	}

	next := first.Add(5 * time.Minute)
	if err := s.MarkFired(ctx, sched.ID, &next); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSchedule(ctx, sched.ID)
	if got.RunCount != 1 {
		t.Errorf("run count = %d, want 1", got.RunCount)
	}
	if got.NextFire == nil || !got.NextFire.Equal(next) {
		t.Errorf("next fire = %v, want %v", got.NextFire, next)
	}

	// Disable nulls next fire.
	if err := s.SetScheduleEnabled(ctx, sched.ID, false, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSchedule(ctx, sched.ID)
	if got.NextFire != nil {
		t.Errorf("disabled schedule next fire = %v, want nil", got.NextFire)
	}
	if _, err := s.NextDue(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("NextDue with all disabled = %v, want ErrNotFound", err)
	}
}

func TestAppendUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConv(t, s)
	jobID, _, _ := s.Submit(ctx, conv.ID, "x")

	for i := 0; i < 2; i++ {
		if err := s.AppendUsage(ctx, &models.UsageRecord{
			JobID: jobID, Component: models.UsageAgent, Provider: "anthropic",
			Model: "m", PromptTokens: 100, CompletionTokens: 10,
		}); err != nil {
			t.Fatal(err)
		}
	}
	prompt, completion, err := s.JobUsage(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if prompt != 200 || completion != 20 {
		t.Errorf("usage = %d/%d, want 200/20", prompt, completion)
	}
}
