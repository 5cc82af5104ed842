package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Detector watches recent tool calls and assistant texts for unproductive
// loops. It only ever suggests a nudge; terminating a job is never its call.
type Detector struct {
	window          int
	repeatThreshold int
	stallThreshold  int

	calls []callSig
	texts []string
}

type callSig struct {
	tool string
	args string
}

// NewDetector builds a detector. Zero parameters take the defaults
// (window 8, repeat 3, stall 4).
func NewDetector(window, repeatThreshold, stallThreshold int) *Detector {
	if window <= 0 {
		window = 8
	}
	if repeatThreshold <= 0 {
		repeatThreshold = 3
	}
	if stallThreshold <= 0 {
		stallThreshold = 4
	}
	return &Detector{
		window:          window,
		repeatThreshold: repeatThreshold,
		stallThreshold:  stallThreshold,
	}
}

// ObserveCall records one tool call.
func (d *Detector) ObserveCall(tool string, args json.RawMessage) {
	d.calls = append(d.calls, callSig{tool: tool, args: canonicalArgs(args)})
	if len(d.calls) > d.window {
		d.calls = d.calls[len(d.calls)-d.window:]
	}
}

// ObserveText records one assistant text.
func (d *Detector) ObserveText(text string) {
	d.texts = append(d.texts, normalizeText(text))
	if len(d.texts) > d.window {
		d.texts = d.texts[len(d.texts)-d.window:]
	}
}

// Check returns a nudge message when a loop pattern is present. The
// detector's state resets after a hit so one loop produces one nudge.
func (d *Detector) Check() (string, bool) {
	if sig, n := d.repeated(); n >= d.repeatThreshold {
		d.reset()
		return fmt.Sprintf(
			"You have called %s with the same arguments %d times without progress. "+
				"Step back, state what you have learned, and try a different approach.",
			sig.tool, n), true
	}
	if a, b, ok := d.oscillating(); ok {
		d.reset()
		return fmt.Sprintf(
			"You are alternating between %s and %s without progress. "+
				"Step back and reconsider the approach.", a, b), true
	}
	if d.stalled() {
		d.reset()
		return "Your last several replies are nearly identical and no tools were used. " +
			"Either take a concrete action or finish with your best answer.", true
	}
	return "", false
}

func (d *Detector) reset() {
	d.calls = nil
	d.texts = nil
}

// repeated finds the most repeated identical (tool, args) pair in the window.
func (d *Detector) repeated() (callSig, int) {
	counts := make(map[callSig]int, len(d.calls))
	best := callSig{}
	bestN := 0
	for _, sig := range d.calls {
		counts[sig]++
		if counts[sig] > bestN {
			best, bestN = sig, counts[sig]
		}
	}
	return best, bestN
}

// oscillating reports an A,B,A,B tail of two distinct calls.
func (d *Detector) oscillating() (string, string, bool) {
	n := len(d.calls)
	if n < 4 {
		return "", "", false
	}
	a, b := d.calls[n-4], d.calls[n-3]
	if a == b {
		return "", "", false
	}
	if d.calls[n-2] == a && d.calls[n-1] == b {
		return a.tool, b.tool, true
	}
	return "", "", false
}

// stalled reports stallThreshold consecutive near-identical assistant texts.
func (d *Detector) stalled() bool {
	n := len(d.texts)
	if n < d.stallThreshold {
		return false
	}
	last := d.texts[n-1]
	if last == "" {
		return false
	}
	for i := n - d.stallThreshold; i < n; i++ {
		if d.texts[i] != last {
			return false
		}
	}
	return true
}

// canonicalArgs renders arguments with stable key order so semantically
// identical calls compare equal.
func canonicalArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return string(args)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(args)
	}
	return string(out)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
