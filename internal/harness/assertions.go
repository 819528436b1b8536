package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/runtime"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, ev.Label())
		}
	}
	return buf.String()
}

func matches(ev TraceEvent, a Assertion) bool {
	if ev.Kind != a.Kind {
		return false
	}
	if a.Subject != "" && ev.Subject != a.Subject {
		return false
	}
	return a.Parent == "" || ev.Parent == a.Parent
}

func describe(a Assertion) string {
	s := a.Kind
	if a.Subject != "" {
		s += " " + a.Subject
	}
	if a.Parent != "" {
		s += " (parent " + a.Parent + ")"
	}
	return s
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the labelled
// events appear in order. Other events may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		label := ev.Label()
		if _, ok := positions[label]; !ok {
			positions[label] = i + 1
		}
	}

	for _, label := range a.Events {
		if positions[label] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", label),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertRecord reads a record through the runtime's datastores and checks
// that it holds every expected field.
func assertRecord(ctx context.Context, rt *runtime.Runtime, a Assertion) error {
	settings, err := toObject(a.Store)
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	key, err := ir.FromGo(a.Key)
	if err != nil {
		return fmt.Errorf("record key: %w", err)
	}
	want, err := toObject(a.Expect)
	if err != nil {
		return fmt.Errorf("record expect: %w", err)
	}

	ds, err := rt.Store(ctx, settings)
	if err != nil {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("open store %v", a.Store),
			Actual:   fmt.Sprintf("open error: %v", err),
		}
	}
	rec, err := ds.Get(ctx, key)
	if err != nil {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("record %v in %s", a.Key, ds.Source()),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}
	if rec == nil {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("record %v in %s", a.Key, ds.Source()),
			Actual:   "record not found",
		}
	}
	if !ir.IsSubset(want, rec) {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("record %v to contain %v", a.Key, ir.ToGo(want)),
			Actual:   fmt.Sprintf("%v", ir.ToGo(rec)),
		}
	}
	return nil
}

// AssertionContext gives record assertions access to the run's runtime.
type AssertionContext struct {
	Runtime *runtime.Runtime
	Ctx     context.Context
}

// EvaluateAssertions evaluates all assertions against the result and
// returns one message per failed assertion.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertRecord:
			if actx == nil || actx.Runtime == nil {
				err = fmt.Errorf("assertion[%d]: record requires a runtime", i)
			} else {
				err = assertRecord(actx.Ctx, actx.Runtime, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

// toObject converts decoded YAML into an object. Nil yields an empty one.
func toObject(m map[string]any) (ir.IRObject, error) {
	if m == nil {
		return ir.IRObject{}, nil
	}
	v, err := ir.FromGo(m)
	if err != nil {
		return nil, err
	}
	return v.(ir.IRObject), nil
}
