// Package harness runs scripted scenarios against a tuple space.
//
// A scenario declares entry types, names its event listeners and lists
// steps. Each run gets a fresh space on an in-memory store, a manual
// clock and a manual lease scheduler, so the same scenario always
// produces the same trace.
//
// # Scenario Format
//
//	name: blocked_take
//	description: "A take waits for a matching write"
//	config: space.cue          # optional, relative to this file
//	types:
//	  - name: Task
//	    fields: [queue, payload]
//	listeners: [audit]
//	steps:
//	  - op: notify
//	    listener: audit
//	    template: {type: Task}
//	    as: reg
//	  - op: take
//	    template: {type: Task, fields: [build]}
//	    wait: forever
//	    async: true
//	    as: worker
//	  - op: write
//	    entry: {type: Task, fields: [build, "make all"]}
//	  - op: await
//	    target: worker
//	    expect:
//	      entry: {type: Task, fields: [build, "make all"]}
//	assertions:
//	  - type: event_count
//	    listener: audit
//	    count: 1
//	  - type: final_state
//	    template: {type: Task}
//	    count: 0
//
// In a template a YAML null field is a wildcard; list a position under
// nulls to match an explicit null instead.
//
// # Operations
//
//   - write, read, take, read_if_exists, take_if_exists, contents
//   - notify, availability: register a listener
//   - prepare, commit, abort, prepare_and_commit: end a transaction
//   - renew, cancel: act on the lease of a named entry or registration
//   - await: collect an async query
//   - advance: move the clock and fire due leases
//   - reap: run housekeeping
//   - restart: reopen the space from its log
//
// Query waits are wall-clock durations; only leases follow the manual
// clock.
//
// # Assertion Types
//
//   - trace_contains: a step with the given op (and outcome, name) ran
//   - trace_order: named steps succeeded in the given order
//   - trace_count: exactly N matching steps ran
//   - event_count: a listener received exactly N events
//   - final_state: exactly N visible entries match a template
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/blocked_take.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
