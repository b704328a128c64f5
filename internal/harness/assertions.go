package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/availwatch/internal/engine"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string              // Assertion type for categorization
	Expected string              // Human-readable expected outcome
	Actual   string              // Human-readable actual outcome
	Trace    []engine.TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s\n", event.Seq, event.ID, Label(event))
		}
	}

	return buf.String()
}

// filterTrace returns the events of record id, or every event if id is empty.
func filterTrace(trace []engine.TraceEvent, id string) []engine.TraceEvent {
	if id == "" {
		return trace
	}
	out := make([]engine.TraceEvent, 0, len(trace))
	for _, ev := range trace {
		if ev.ID == id {
			out = append(out, ev)
		}
	}
	return out
}

func describe(assertion Assertion, what string) string {
	if assertion.ID == "" {
		return what
	}
	return fmt.Sprintf("%s for %s", what, assertion.ID)
}

// assertTraceContains checks if the trace contains an event with the
// assertion's label.
func assertTraceContains(trace []engine.TraceEvent, assertion Assertion) error {
	for _, event := range filterTrace(trace, assertion.ID) {
		if Label(event) == assertion.Event {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(assertion, fmt.Sprintf("event %s", assertion.Event)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the labelled events appear in the specified
// order. Events don't need to be consecutive; each label is matched after the
// previous match, so repeated labels are allowed.
func assertTraceOrder(trace []engine.TraceEvent, assertion Assertion) error {
	events := filterTrace(trace, assertion.ID)

	pos := 0
	for i, want := range assertion.Events {
		found := false
		for pos < len(events) {
			label := Label(events[pos])
			pos++
			if label == want {
				found = true
				break
			}
		}
		if !found {
			actual := fmt.Sprintf("missing event: %s", want)
			if i > 0 {
				actual = fmt.Sprintf("%s not found after %s", want, assertion.Events[i-1])
			}
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: describe(assertion, fmt.Sprintf("events in order: %v", assertion.Events)),
				Actual:   actual,
				Trace:    trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks if the event appears exactly the specified number of times.
func assertTraceCount(trace []engine.TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range filterTrace(trace, assertion.ID) {
		if Label(event) == assertion.Event {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: describe(assertion, fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertFinalState checks the final record against the expected fields using
// subset semantics.
func assertFinalState(result *Result, assertion Assertion) error {
	rec, ok := result.Record(assertion.ID)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record %s", assertion.ID),
			Actual:   "record not found",
		}
	}

	// Sort fields for deterministic failure messages
	fields := make([]string, 0, len(assertion.Expect))
	for field := range assertion.Expect {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		get, known := recordFields[field]
		if !known {
			return fmt.Errorf("unknown record field %q", field)
		}
		if actual, want := get(rec), assertion.Expect[field]; actual != want {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %q", assertion.ID, field, want),
				Actual:   fmt.Sprintf("%s.%s = %q", assertion.ID, field, actual),
				Trace:    filterTrace(result.Trace, assertion.ID),
			}
		}
	}

	return nil
}

// assertInvalidations checks how many times a cache key was invalidated.
func assertInvalidations(result *Result, assertion Assertion) error {
	count := 0
	for _, key := range result.Invalidations {
		if key == assertion.Key {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertInvalidations,
			Expected: fmt.Sprintf("%d invalidations of %s", assertion.Count, assertion.Key),
			Actual:   fmt.Sprintf("%d invalidations (all keys: %v)", count, result.Invalidations),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against a result.
// Returns a slice of error messages for failed assertions.
// An empty slice indicates all assertions passed.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		case AssertInvalidations:
			err = assertInvalidations(result, assertion)
		default:
			err = fmt.Errorf("unknown assertion type: %s", assertion.Type)
		}

		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %s", i, assertion.Type, err.Error()))
		}
	}

	return errs
}
