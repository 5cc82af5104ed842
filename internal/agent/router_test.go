package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/steward/internal/llm"
	"github.com/haasonsaas/steward/pkg/models"
)

// memCapStore is an in-memory CapabilityStore.
type memCapStore struct {
	sets map[string]models.CapabilitySet
}

func newMemCapStore() *memCapStore {
	return &memCapStore{sets: map[string]models.CapabilitySet{}}
}

func (s *memCapStore) GetCapabilitySet(ctx context.Context, convID string) (models.CapabilitySet, error) {
	if set, ok := s.sets[convID]; ok {
		return set.Clone(), nil
	}
	return models.CapabilitySet{}, nil
}

func (s *memCapStore) SetCapabilitySet(ctx context.Context, convID string, set models.CapabilitySet) error {
	s.sets[convID] = set.Clone()
	return nil
}

func testCatalogue() []Capability {
	return []Capability{
		{Name: "files", Description: "file work", Tools: []string{"write_file"}},
		{Name: "web", Description: "web fetching", Tools: []string{"web_fetch"}},
		{Name: "shell", Description: "shell commands", Tools: []string{"shell"}},
	}
}

func TestRouteAddsCapabilitiesFromVerdict(t *testing.T) {
	client := llm.NewMock("").Enqueue(llm.Text(`{"keep":[],"add":["files","web"],"drop":[]}`))
	caps := newMemCapStore()
	r := NewRouter(testCatalogue(), client, caps, 5, 1)

	decision, err := r.Route(t.Context(), "c1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Changed {
		t.Error("adding capabilities should mark the decision changed")
	}
	if decision.Active["files"] != 5 || decision.Active["web"] != 5 {
		t.Errorf("active = %v, want files and web at ttl 5", decision.Active)
	}

	persisted, _ := caps.GetCapabilitySet(t.Context(), "c1")
	if persisted["files"] != 5 {
		t.Errorf("set not persisted: %v", persisted)
	}
}

func TestRouteDecaysAndDropsExhausted(t *testing.T) {
	caps := newMemCapStore()
	caps.sets["c1"] = models.CapabilitySet{"files": 3, "web": 1}

	// keep nothing, add nothing: the decayed set stands.
	client := llm.NewMock("").Enqueue(llm.Text(`{"keep":[],"add":[],"drop":[]}`))
	r := NewRouter(testCatalogue(), client, caps, 5, 1)

	decision, err := r.Route(t.Context(), "c1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Active["files"] != 2 {
		t.Errorf("files ttl = %d, want 2", decision.Active["files"])
	}
	if _, ok := decision.Active["web"]; ok {
		t.Error("web should have decayed out at ttl 1")
	}
}

func TestRouteKeepResetsTTL(t *testing.T) {
	caps := newMemCapStore()
	caps.sets["c1"] = models.CapabilitySet{"files": 2}

	client := llm.NewMock("").Enqueue(llm.Text(`{"keep":["files"],"add":[],"drop":[]}`))
	r := NewRouter(testCatalogue(), client, caps, 5, 1)

	decision, err := r.Route(t.Context(), "c1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Active["files"] != 5 {
		t.Errorf("files ttl = %d, want reset to 5", decision.Active["files"])
	}
}

func TestRouteErrorKeepsDecayedSet(t *testing.T) {
	caps := newMemCapStore()
	caps.sets["c1"] = models.CapabilitySet{"files": 3}

	client := llm.NewMock("").EnqueueError(errors.New("router down"))
	r := NewRouter(testCatalogue(), client, caps, 5, 1)

	decision, err := r.Route(t.Context(), "c1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Changed {
		t.Error("a failed consult must not report a change")
	}
	if decision.Active["files"] != 2 {
		t.Errorf("files ttl = %d, want decayed 2", decision.Active["files"])
	}
}

func TestRouteUnparseableVerdictKeepsDecayedSet(t *testing.T) {
	caps := newMemCapStore()
	caps.sets["c1"] = models.CapabilitySet{"web": 4}

	client := llm.NewMock("").Enqueue(llm.Text("I think you need the web capability."))
	r := NewRouter(testCatalogue(), client, caps, 5, 1)

	decision, err := r.Route(t.Context(), "c1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Active["web"] != 3 {
		t.Errorf("active = %v, want decayed set", decision.Active)
	}
}

func TestRouteIgnoresUnknownCapabilities(t *testing.T) {
	client := llm.NewMock("").Enqueue(llm.Text(`{"keep":[],"add":["files","telepathy"],"drop":[]}`))
	r := NewRouter(testCatalogue(), client, newMemCapStore(), 5, 1)

	decision, err := r.Route(t.Context(), "c1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := decision.Active["telepathy"]; ok {
		t.Error("unknown capability accepted")
	}
	if _, ok := decision.Active["files"]; !ok {
		t.Error("known capability dropped alongside the unknown one")
	}
}

func TestRouteStrideSkipsConsult(t *testing.T) {
	client := llm.NewMock("") // empty script: a consult would error
	caps := newMemCapStore()
	caps.sets["c1"] = models.CapabilitySet{"files": 4}
	r := NewRouter(testCatalogue(), client, caps, 5, 3)

	decision, err := r.Route(t.Context(), "c1", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if client.Calls() != 0 {
		t.Error("consulted off-stride")
	}
	if decision.Active["files"] != 3 {
		t.Errorf("files ttl = %d, want decay only", decision.Active["files"])
	}
}

func TestRouteParsesFencedVerdict(t *testing.T) {
	client := llm.NewMock("").Enqueue(llm.Text("```json\n{\"keep\":[],\"add\":[\"shell\"],\"drop\":[]}\n```"))
	r := NewRouter(testCatalogue(), client, newMemCapStore(), 5, 1)

	decision, err := r.Route(t.Context(), "c1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := decision.Active["shell"]; !ok {
		t.Errorf("active = %v, want shell from fenced JSON", decision.Active)
	}
}

func TestResolveSortedAndSkipsUnknown(t *testing.T) {
	r := NewRouter(testCatalogue(), llm.NewMock(""), newMemCapStore(), 5, 1)
	got := r.Resolve(models.CapabilitySet{"web": 1, "files": 2, "gone": 9})
	if len(got) != 2 || got[0].Name != "files" || got[1].Name != "web" {
		t.Errorf("Resolve = %+v", got)
	}
}
