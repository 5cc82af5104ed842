package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDetectorRepeatedCalls(t *testing.T) {
	d := NewDetector(8, 3, 4)

	for i := 0; i < 2; i++ {
		d.ObserveCall("search", json.RawMessage(`{"q":"foo"}`))
	}
	if msg, hit := d.Check(); hit {
		t.Fatalf("nudged below threshold: %q", msg)
	}

	d.ObserveCall("search", json.RawMessage(`{"q":"foo"}`))
	msg, hit := d.Check()
	if !hit {
		t.Fatal("no nudge after three identical calls")
	}
	if !strings.Contains(msg, "search") {
		t.Errorf("nudge does not name the tool: %q", msg)
	}

	// State resets after a hit; one loop produces one nudge.
	if _, hit := d.Check(); hit {
		t.Error("nudged twice for the same loop")
	}
}

func TestDetectorCanonicalizesArguments(t *testing.T) {
	d := NewDetector(8, 3, 4)
	d.ObserveCall("search", json.RawMessage(`{"a":1,"b":2}`))
	d.ObserveCall("search", json.RawMessage(`{"b":2,"a":1}`))
	d.ObserveCall("search", json.RawMessage(`{ "a": 1, "b": 2 }`))
	if _, hit := d.Check(); !hit {
		t.Error("key order and whitespace should not defeat repeat detection")
	}
}

func TestDetectorDistinctArgsNoNudge(t *testing.T) {
	d := NewDetector(8, 3, 4)
	d.ObserveCall("search", json.RawMessage(`{"q":"a"}`))
	d.ObserveCall("search", json.RawMessage(`{"q":"b"}`))
	d.ObserveCall("search", json.RawMessage(`{"q":"c"}`))
	if msg, hit := d.Check(); hit {
		t.Errorf("nudged on distinct arguments: %q", msg)
	}
}

func TestDetectorOscillation(t *testing.T) {
	d := NewDetector(8, 5, 4)
	d.ObserveCall("read", json.RawMessage(`{"p":"x"}`))
	d.ObserveCall("write", json.RawMessage(`{"p":"x"}`))
	d.ObserveCall("read", json.RawMessage(`{"p":"x"}`))
	d.ObserveCall("write", json.RawMessage(`{"p":"x"}`))

	msg, hit := d.Check()
	if !hit {
		t.Fatal("no nudge on A,B,A,B oscillation")
	}
	if !strings.Contains(msg, "read") || !strings.Contains(msg, "write") {
		t.Errorf("nudge does not name both tools: %q", msg)
	}
}

func TestDetectorStalledText(t *testing.T) {
	d := NewDetector(8, 3, 4)
	for i := 0; i < 4; i++ {
		d.ObserveText("I am still  Working on it")
	}
	if _, hit := d.Check(); !hit {
		t.Error("no nudge after four identical replies")
	}
}

func TestDetectorStallNormalizesWhitespaceAndCase(t *testing.T) {
	d := NewDetector(8, 3, 4)
	d.ObserveText("working on it")
	d.ObserveText("Working  on it")
	d.ObserveText("WORKING ON IT")
	d.ObserveText(" working on it ")
	if _, hit := d.Check(); !hit {
		t.Error("normalization should make these texts identical")
	}
}

func TestDetectorEmptyTextNeverStalls(t *testing.T) {
	d := NewDetector(8, 3, 4)
	for i := 0; i < 6; i++ {
		d.ObserveText("")
	}
	if msg, hit := d.Check(); hit {
		t.Errorf("nudged on empty texts: %q", msg)
	}
}

func TestDetectorWindowSlides(t *testing.T) {
	d := NewDetector(4, 3, 4)
	d.ObserveCall("a", nil)
	d.ObserveCall("a", nil)
	// Push the two identical calls out of the window.
	d.ObserveCall("b", nil)
	d.ObserveCall("c", nil)
	d.ObserveCall("d", nil)
	d.ObserveCall("a", nil)
	if msg, hit := d.Check(); hit {
		t.Errorf("counted calls outside the window: %q", msg)
	}
}
