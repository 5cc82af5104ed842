package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/steward/internal/gate"
	"github.com/haasonsaas/steward/internal/store"
	"github.com/haasonsaas/steward/pkg/models"
)

type fakeRunner struct {
	st *store.Store

	mu      sync.Mutex
	order   []string
	resumed map[string]bool
	block   chan struct{} // when set, Execute waits on it
}

func (r *fakeRunner) Execute(ctx context.Context, job *models.Job, resumed bool) {
	r.mu.Lock()
	r.order = append(r.order, job.ID)
	if r.resumed == nil {
		r.resumed = map[string]bool{}
	}
	r.resumed[job.ID] = resumed
	block := r.block
	r.mu.Unlock()

	if block != nil {
		<-block
	}
	if err := r.st.UpdateJobStatus(ctx, job.ID, models.JobCompleted, store.StatusUpdate{Result: "done"}); err != nil {
		panic(err)
	}
}

func (r *fakeRunner) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func newQueueHarness(t *testing.T, workers int) (*Queue, *store.Store, *fakeRunner) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	runner := &fakeRunner{st: st}
	q := New(st, runner, gate.New(), workers, 0, WithPollInterval(10*time.Millisecond))
	return q, st, runner
}

func newConv(t *testing.T, st *store.Store) string {
	t.Helper()
	conv, err := st.CreateConversation(context.Background(), &models.Conversation{})
	if err != nil {
		t.Fatal(err)
	}
	return conv.ID
}

func waitStatus(t *testing.T, st *store.Store, jobID string, want models.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := st.GetJob(context.Background(), jobID)
	t.Fatalf("job %s stuck in %s, want %s", jobID, job.Status, want)
}

func TestQueueRunsSubmittedJobs(t *testing.T) {
	q, st, runner := newQueueHarness(t, 1)
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	conv := newConv(t, st)
	jobID, msgID, err := q.Submit(ctx, conv, "do the thing")
	if err != nil {
		t.Fatal(err)
	}
	if msgID == 0 {
		t.Error("no message id")
	}
	waitStatus(t, st, jobID, models.JobCompleted)

	if got := runner.executed(); len(got) != 1 || got[0] != jobID {
		t.Errorf("executed = %v", got)
	}
	if runner.resumed[jobID] {
		t.Error("fresh job marked resumed")
	}
}

func TestPerConversationJobsRunSerially(t *testing.T) {
	q, st, runner := newQueueHarness(t, 2)
	ctx := context.Background()

	conv := newConv(t, st)
	first, _, err := q.Submit(ctx, conv, "first")
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := q.Submit(ctx, conv, "second")
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	waitStatus(t, st, second, models.JobCompleted)
	got := runner.executed()
	if len(got) != 2 || got[0] != first || got[1] != second {
		t.Errorf("execution order = %v, want [%s %s]", got, first, second)
	}
}

func TestCancelPendingJob(t *testing.T) {
	q, st, _ := newQueueHarness(t, 1)
	ctx := context.Background()

	conv := newConv(t, st)
	jobID, _, err := q.Submit(ctx, conv, "never runs")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Cancel(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}

	// Idempotent on terminal jobs.
	if err := q.Cancel(ctx, jobID); err != nil {
		t.Errorf("second Cancel() = %v", err)
	}
}

func TestCancelSuspendedJobAfterRestart(t *testing.T) {
	q, st, _ := newQueueHarness(t, 1)
	ctx := context.Background()

	// Suspended by a previous process: no gate waiter exists anymore.
	conv := newConv(t, st)
	jobID, _, err := st.Submit(ctx, conv, "ask me something")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimNext(ctx, "dead-worker"); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateJobStatus(ctx, jobID, models.JobWaitingForInput, store.StatusUpdate{
		PendingToolCallID: "tc_1", PendingKind: models.PendingQuestion,
	}); err != nil {
		t.Fatal(err)
	}

	if err := q.Cancel(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
}

func TestRespondResumesSuspendedJobAfterRestart(t *testing.T) {
	q, st, runner := newQueueHarness(t, 1)
	ctx := context.Background()

	// A job suspended by a previous process: claimed, the question asked,
	// then parked with its tool call unanswered.
	conv := newConv(t, st)
	jobID, _, err := st.Submit(ctx, conv, "ask me something")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimNext(ctx, "dead-worker"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AppendMessage(ctx, &models.Message{
		ConversationID: conv,
		Role:           models.RoleAssistant,
		ToolCalls:      []models.ToolCall{{ID: "tc_1", Name: "ask_user"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateJobStatus(ctx, jobID, models.JobWaitingForInput, store.StatusUpdate{
		PendingToolCallID: "tc_1", PendingKind: models.PendingQuestion,
	}); err != nil {
		t.Fatal(err)
	}

	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	if err := q.Respond(ctx, jobID, "the answer"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, st, jobID, models.JobCompleted)
	if !runner.resumed[jobID] {
		t.Error("resume path did not mark the job resumed")
	}

	msgs, err := st.ReadMessages(ctx, conv, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var answered, paired bool
	resultsFor := map[string]bool{}
	for _, m := range msgs {
		if m.Role == models.RoleUser && m.Content == "the answer" {
			answered = true
		}
		if m.Role == models.RoleTool && m.ToolCallID == "tc_1" && m.Content == "the answer" {
			paired = true
		}
		if m.Role == models.RoleTool {
			resultsFor[m.ToolCallID] = true
		}
	}
	if !answered {
		t.Error("answer not persisted as a user message")
	}
	if !paired {
		t.Error("answer not paired with the suspended tool call")
	}
	// The resumed transcript must carry a result for every tool call.
	for _, m := range msgs {
		for _, call := range m.ToolCalls {
			if !resultsFor[call.ID] {
				t.Errorf("tool call %s has no result in the resumed transcript", call.ID)
			}
		}
	}
}

func TestRespondWithoutPendingQuestion(t *testing.T) {
	q, st, _ := newQueueHarness(t, 1)
	ctx := context.Background()

	conv := newConv(t, st)
	jobID, _, err := st.Submit(ctx, conv, "still pending")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Respond(ctx, jobID, "unsolicited"); err == nil {
		t.Error("Respond() on pending job succeeded, want error")
	}
}

func TestStartRecoversOrphans(t *testing.T) {
	q, st, _ := newQueueHarness(t, 1)
	ctx := context.Background()

	conv := newConv(t, st)
	jobID, _, err := st.Submit(ctx, conv, "interrupted")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimNext(ctx, "dead-worker"); err != nil {
		t.Fatal(err)
	}

	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	// The orphan goes back to pending and then runs to completion.
	waitStatus(t, st, jobID, models.JobCompleted)
}
