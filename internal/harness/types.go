package harness

import "github.com/roach88/ccmrt/internal/engine"

// TraceEvent is one lifecycle step as recorded by a scenario run.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Kind    string `json:"kind"`
	Flow    string `json:"flow"`
	Subject string `json:"subject"`
	Parent  string `json:"parent,omitempty"`
}

// Label is the "kind subject" form used by trace_order assertions.
func (e TraceEvent) Label() string {
	return e.Kind + " " + e.Subject
}

func traceEvents(events []engine.LifecycleEvent) []TraceEvent {
	out := make([]TraceEvent, len(events))
	for i, ev := range events {
		out[i] = TraceEvent{
			Seq:     ev.Seq,
			Kind:    string(ev.Kind),
			Flow:    ev.Flow,
			Subject: ev.Subject,
			Parent:  ev.Parent,
		}
	}
	return out
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every lifecycle event of the run in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Roots holds the index of the instance each step produced, or ""
	// for a step that failed.
	Roots []string `json:"roots"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Roots:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
