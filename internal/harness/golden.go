package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"type": ev.Type,
			"step": ev.Step,
		}
		put := func(key, val string) {
			if val != "" {
				m[key] = val
			}
		}
		put("op", ev.Op)
		put("name", ev.Name)
		put("txn", ev.Txn)
		put("outcome", ev.Outcome)
		put("error", ev.Error)
		put("vote", ev.Vote)
		put("listener", ev.Listener)
		put("registration", ev.Registration)
		put("kind", ev.Kind)
		put("handback", ev.Handback)
		if ev.Entry != nil {
			m["entry"] = ev.Entry.canonical()
		}
		if ev.Entries != nil {
			entries := make([]any, len(ev.Entries))
			for j, e := range ev.Entries {
				entries[j] = e.canonical()
			}
			m["entries"] = entries
		}
		if ev.Type == EventEvent {
			m["seq"] = int64(ev.Seq)
			m["visible"] = ev.Visible
		}
		traceList[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

func (v EntryView) canonical() map[string]any {
	return map[string]any{
		"type":   v.Type,
		"fields": v.Fields,
	}
}

// MarshalTrace returns the canonical JSON form of a scenario trace, the
// form golden files hold.
func MarshalTrace(name string, trace []TraceEvent) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: name, Trace: trace}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
