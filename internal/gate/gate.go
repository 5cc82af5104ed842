// Package gate implements the blocking question rendezvous between a worker
// that asked the user something and the HTTP handler that delivers the
// answer.
//
// The gate only covers the in-process fast path: a live waiter parked on a
// channel. After a restart no waiter exists for jobs persisted as
// waiting_for_input; Resolve then reports ErrNoPendingQuestion and the caller
// falls back to the store-backed resume path.
package gate

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoPendingQuestion is returned when a response arrives for a job
	// with no live waiter.
	ErrNoPendingQuestion = errors.New("no pending question for job")

	// ErrAlreadyPending is returned when a job tries to park two questions
	// at once.
	ErrAlreadyPending = errors.New("job already has a pending question")

	// ErrCancelled is returned to a waiter whose job was cancelled.
	ErrCancelled = errors.New("question cancelled")
)

// Gate holds at most one pending question per job.
type Gate struct {
	mu      sync.Mutex
	waiters map[string]*Pending
}

// New returns an empty gate.
func New() *Gate {
	return &Gate{waiters: make(map[string]*Pending)}
}

// Pending is one parked question.
type Pending struct {
	gate   *Gate
	jobID  string
	answer chan string
	cancel chan struct{}
}

// Arm parks a question for a job. The worker then blocks on Wait.
func (g *Gate) Arm(jobID string) (*Pending, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.waiters[jobID]; ok {
		return nil, ErrAlreadyPending
	}
	p := &Pending{
		gate:   g,
		jobID:  jobID,
		answer: make(chan string, 1),
		cancel: make(chan struct{}),
	}
	g.waiters[jobID] = p
	return p, nil
}

// Wait blocks until the answer arrives, the job is cancelled, or ctx ends.
// The waiter is released on return regardless of outcome.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	defer p.gate.release(p.jobID, p)
	select {
	case answer := <-p.answer:
		return answer, nil
	case <-p.cancel:
		return "", ErrCancelled
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve delivers the answer to a live waiter.
func (g *Gate) Resolve(jobID, answer string) error {
	g.mu.Lock()
	p, ok := g.waiters[jobID]
	g.mu.Unlock()
	if !ok {
		return ErrNoPendingQuestion
	}
	select {
	case p.answer <- answer:
		return nil
	default:
		return ErrNoPendingQuestion // already answered
	}
}

// Cancel releases a live waiter with ErrCancelled. Reports whether a waiter
// was present.
func (g *Gate) Cancel(jobID string) bool {
	g.mu.Lock()
	p, ok := g.waiters[jobID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	close(p.cancel)
	return true
}

// HasWaiter reports whether a job has a live waiter.
func (g *Gate) HasWaiter(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiters[jobID]
	return ok
}

func (g *Gate) release(jobID string, p *Pending) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiters[jobID] == p {
		delete(g.waiters, jobID)
	}
}
