package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/space"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
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
			fmt.Fprintf(&buf, "  %s\n", describe(ev))
		}
	}
	return buf.String()
}

// describe renders a trace line for failure messages.
func describe(ev TraceEvent) string {
	if ev.Type == EventEvent {
		return fmt.Sprintf("[%d] event %s %s #%d -> %s", ev.Step, ev.Kind, ev.Registration, ev.Seq, ev.Listener)
	}
	s := fmt.Sprintf("[%d] %s", ev.Step, ev.Op)
	if ev.Name != "" {
		s += " " + ev.Name
	}
	if ev.Txn != "" {
		s += " txn=" + ev.Txn
	}
	s += ": " + ev.Outcome
	if ev.Error != "" {
		s += " " + ev.Error
	}
	if ev.Entry != nil {
		s += fmt.Sprintf(" %s%v", ev.Entry.Type, ev.Entry.Fields)
	}
	return s
}

// stepMatches reports whether a trace line is a step with the assertion's
// op, and its outcome and name when those are given.
func stepMatches(ev TraceEvent, a Assertion) bool {
	if ev.Type != EventStep || ev.Op != a.Op {
		return false
	}
	if a.Outcome != "" && ev.Outcome != a.Outcome {
		return false
	}
	return a.Name == "" || ev.Name == a.Name
}

// assertTraceContains checks that a matching step ran.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if stepMatches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s (outcome %q, name %q)", a.Op, a.Outcome, a.Name),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the named steps first succeeded in the
// given order. Other steps may run in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if ev.Type != EventStep || ev.Outcome != OutcomeOK || ev.Name == "" {
			continue
		}
		if _, seen := positions[ev.Name]; !seen {
			positions[ev.Name] = i
		}
	}

	for _, name := range a.Names {
		if _, ok := positions[name]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all steps succeeded: %v", a.Names),
				Actual:   fmt.Sprintf("no successful step named %s", name),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Names); i++ {
		prev, curr := a.Names[i-1], a.Names[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps succeeded in order: %v", a.Names),
				Actual: fmt.Sprintf("%s (line %d) should be before %s (line %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the number of matching steps.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if stepMatches(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s steps (outcome %q)", a.Count, a.Op, a.Outcome),
			Actual:   fmt.Sprintf("%d steps", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertEventCount checks how many events a listener received.
func assertEventCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == EventEvent && ev.Listener == a.Listener {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d events to %s", a.Count, a.Listener),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState counts the entries visible to everyone that match the
// template once all steps ran.
func assertFinalState(ctx context.Context, s *space.Space, a Assertion) error {
	var tmpl ir.Template
	if a.Template != nil {
		var err error
		if tmpl, err = a.Template.Template(); err != nil {
			return fmt.Errorf("final_state template: %w", err)
		}
	}

	reps, err := s.Contents(ctx, tmpl, "", 0)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%d matching entries", a.Count),
			Actual:   fmt.Sprintf("contents error: %v", err),
		}
	}
	if len(reps) != a.Count {
		views := make([]string, len(reps))
		for i, rep := range reps {
			views[i] = fmt.Sprintf("%s%v", rep.Type, rep.Fields)
		}
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%d matching entries", a.Count),
			Actual:   fmt.Sprintf("%d: %s", len(reps), strings.Join(views, ", ")),
		}
	}
	return nil
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Space *space.Space
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the space for final_state assertions.
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
		case AssertEventCount:
			err = assertEventCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Space == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a space", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Space, assertion)
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
