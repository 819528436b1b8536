package engine

import "sync"

// EventKind names a lifecycle step.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventInit    EventKind = "init"
	EventReady   EventKind = "ready"
	EventRender  EventKind = "render"
)

// LifecycleEvent is one observed lifecycle step.
type LifecycleEvent struct {
	Seq  int64     `json:"seq" yaml:"seq"`
	Kind EventKind `json:"kind" yaml:"kind"`
	Flow string    `json:"flow" yaml:"flow"`
	// Subject is an instance index or a datastore source.
	Subject string `json:"subject" yaml:"subject"`
	Parent  string `json:"parent,omitempty" yaml:"parent,omitempty"`
}

// Observer receives lifecycle events in sequence order.
type Observer interface {
	Observe(LifecycleEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(LifecycleEvent)

// Observe calls f.
func (f ObserverFunc) Observe(ev LifecycleEvent) { f(ev) }

// Trace is an Observer that records every event.
//
// Thread-safety: Trace is safe for concurrent use.
type Trace struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

// Observe appends ev.
func (t *Trace) Observe(ev LifecycleEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

// Events returns a copy of the recorded events.
func (t *Trace) Events() []LifecycleEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]LifecycleEvent(nil), t.events...)
}

// Subjects returns the subjects of the events of kind k, in order.
func (t *Trace) Subjects(k EventKind) []string {
	var out []string
	for _, ev := range t.Events() {
		if ev.Kind == k {
			out = append(out, ev.Subject)
		}
	}
	return out
}

// Reset drops the recorded events.
func (t *Trace) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}
