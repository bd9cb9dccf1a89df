package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/space"
)

// Scenario is a scripted run against a fresh space. Steps execute in
// order on a manual clock; after every step all queued transitions are
// dispatched and all queued events delivered, so traces are repeatable.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is an optional CUE configuration file, relative to the
	// scenario file.
	Config string `yaml:"config,omitempty"`

	// Types are declared in addition to those in Config.
	Types []ir.TypeDecl `yaml:"types,omitempty"`

	// Listeners names the event listeners steps may register.
	Listeners []string `yaml:"listeners,omitempty"`

	// Steps are the operations to run.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and space.
	// Supported types: trace_contains, trace_order, trace_count,
	// event_count, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step operations.
const (
	OpWrite            = "write"
	OpRead             = "read"
	OpTake             = "take"
	OpReadIfExists     = "read_if_exists"
	OpTakeIfExists     = "take_if_exists"
	OpContents         = "contents"
	OpNotify           = "notify"
	OpAvailability     = "availability"
	OpPrepare          = "prepare"
	OpCommit           = "commit"
	OpAbort            = "abort"
	OpPrepareAndCommit = "prepare_and_commit"
	OpRenew            = "renew"
	OpCancel           = "cancel"
	OpAwait            = "await"
	OpAdvance          = "advance"
	OpReap             = "reap"
	OpRestart          = "restart"
)

// Step is one scenario operation. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// Entry is written by write.
	Entry *EntrySpec `yaml:"entry,omitempty"`

	// Template is matched by the query ops, contents and notify.
	Template *TemplateSpec `yaml:"template,omitempty"`

	// Templates are registered by availability.
	Templates []TemplateSpec `yaml:"templates,omitempty"`

	// Txn is the transaction to run under, or to prepare/commit/abort.
	Txn string `yaml:"txn,omitempty"`

	// Lease is a duration for write, notify, availability and renew.
	// Empty asks for the longest lease the space grants.
	Lease string `yaml:"lease,omitempty"`

	// Wait is how long a query may block: empty for no wait, "forever",
	// or a wall-clock duration. For await it is how long to wait for the
	// operation to finish (default 5s).
	Wait string `yaml:"wait,omitempty"`

	// Async runs a query in the background; await collects it.
	Async bool `yaml:"async,omitempty"`

	// As names the lease, registration or async query the step creates.
	As string `yaml:"as,omitempty"`

	// Target names what renew, cancel or await act on.
	Target string `yaml:"target,omitempty"`

	// Listener receives the events of notify and availability.
	Listener string `yaml:"listener,omitempty"`

	// Handback is echoed in every event of the registration.
	Handback string `yaml:"handback,omitempty"`

	// VisibilityOnly restricts availability events to visible entries.
	VisibilityOnly bool `yaml:"visibility_only,omitempty"`

	// Limit caps the entries contents returns; 0 means all.
	Limit int `yaml:"limit,omitempty"`

	// By is how far advance moves the clock.
	By string `yaml:"by,omitempty"`

	// Expect validates the step's outcome. If nil, anything goes.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is what a step should produce. Unset fields are not checked.
type Expect struct {
	// Outcome is ok, nothing, blocked or error.
	Outcome string `yaml:"outcome,omitempty"`

	// Error is the expected error code, such as TRANSACTION_ENDED or
	// INVALID_ENTRY. Setting it implies outcome error.
	Error string `yaml:"error,omitempty"`

	// Entry is the entry a read or take returns.
	Entry *EntrySpec `yaml:"entry,omitempty"`

	// Count is how many entries contents returns.
	Count *int `yaml:"count,omitempty"`

	// Vote is prepared, not_changed or aborted.
	Vote string `yaml:"vote,omitempty"`
}

// EntrySpec is an entry as written in a scenario file.
type EntrySpec struct {
	Type       string   `yaml:"type"`
	Supertypes []string `yaml:"supertypes,omitempty"`
	Fields     []any    `yaml:"fields"`
}

// Entry converts e to an ir.Entry. YAML null becomes an explicit null field.
func (e EntrySpec) Entry() (ir.Entry, error) {
	entry := ir.Entry{Type: e.Type, Supertypes: e.Supertypes}
	for i, f := range e.Fields {
		v, err := ir.ToIRValue(f)
		if err != nil {
			return ir.Entry{}, fmt.Errorf("fields[%d]: %w", i, err)
		}
		entry.Fields = append(entry.Fields, v)
	}
	return entry, nil
}

// TemplateSpec is a template as written in a scenario file. A YAML null
// field is a wildcard; positions listed in Nulls match only an explicit
// null.
type TemplateSpec struct {
	Type   string `yaml:"type,omitempty"`
	Fields []any  `yaml:"fields,omitempty"`
	Nulls  []int  `yaml:"nulls,omitempty"`
}

// Template converts t to an ir.Template.
func (t TemplateSpec) Template() (ir.Template, error) {
	tmpl := ir.Template{Type: t.Type}
	n := len(t.Fields)
	for _, i := range t.Nulls {
		if i < 0 {
			return ir.Template{}, fmt.Errorf("nulls: negative position %d", i)
		}
		n = max(n, i+1)
	}
	if n == 0 {
		return tmpl, nil
	}
	tmpl.Fields = make([]ir.IRValue, n)
	for i, f := range t.Fields {
		if f == nil {
			continue
		}
		v, err := ir.ToIRValue(f)
		if err != nil {
			return ir.Template{}, fmt.Errorf("fields[%d]: %w", i, err)
		}
		tmpl.Fields[i] = v
	}
	for _, i := range t.Nulls {
		if tmpl.Fields[i] != nil {
			return ir.Template{}, fmt.Errorf("nulls: position %d also has a value", i)
		}
		tmpl.Fields[i] = ir.IRNull{}
	}
	return tmpl, nil
}

// Assertion validates the trace or the final space.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a step with Op (and Outcome, Name) ran
	// - "trace_order": the named steps succeeded in this order
	// - "trace_count": exactly Count steps with Op (and Outcome) ran
	// - "event_count": Listener received exactly Count events
	// - "final_state": exactly Count visible entries match Template
	Type string `yaml:"type"`

	Op      string `yaml:"op,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
	Name    string `yaml:"name,omitempty"`

	// Names is the expected success order (used by trace_order).
	Names []string `yaml:"names,omitempty"`

	Listener string        `yaml:"listener,omitempty"`
	Template *TemplateSpec `yaml:"template,omitempty"`

	// Count is the expected number of occurrences.
	Count int `yaml:"count"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertEventCount    = "event_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative Config path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict: catches typos like "step:" for "steps:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Config != "" && !filepath.IsAbs(scenario.Config) {
		scenario.Config = filepath.Join(filepath.Dir(path), scenario.Config)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Config != "" {
		if _, err := os.Stat(s.Config); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", s.Config)
		}
	}

	names := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(s, names, &step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if step.As != "" {
			names[step.As] = true
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(s, &a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Scenario, names map[string]bool, step *Step) error {
	if step.As != "" && names[step.As] {
		return fmt.Errorf("name %q is already used", step.As)
	}
	if step.Async && !isQuery(step.Op) {
		return fmt.Errorf("async is only allowed on queries, not %s", step.Op)
	}
	if step.Async && step.As == "" {
		return fmt.Errorf("async %s needs a name (as)", step.Op)
	}
	if err := checkDurations(step); err != nil {
		return err
	}

	switch step.Op {
	case OpWrite:
		if step.Entry == nil {
			return fmt.Errorf("entry is required for write")
		}
	case OpRead, OpTake, OpReadIfExists, OpTakeIfExists:
		if step.Template == nil {
			return fmt.Errorf("template is required for %s", step.Op)
		}
	case OpContents:
	case OpNotify, OpAvailability:
		if step.Listener == "" {
			return fmt.Errorf("listener is required for %s", step.Op)
		}
		if !slices.Contains(s.Listeners, step.Listener) {
			return fmt.Errorf("listener %q is not declared", step.Listener)
		}
	case OpPrepare, OpCommit, OpAbort, OpPrepareAndCommit:
		if step.Txn == "" {
			return fmt.Errorf("txn is required for %s", step.Op)
		}
	case OpRenew, OpCancel, OpAwait:
		if step.Target == "" {
			return fmt.Errorf("target is required for %s", step.Op)
		}
		if !names[step.Target] {
			return fmt.Errorf("target %q is not named by an earlier step", step.Target)
		}
	case OpAdvance:
		if step.By == "" {
			return fmt.Errorf("by is required for advance")
		}
	case OpReap, OpRestart:
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

func checkDurations(step *Step) error {
	if step.Lease != "" {
		if _, err := time.ParseDuration(step.Lease); err != nil {
			return fmt.Errorf("lease: %w", err)
		}
	}
	if step.By != "" {
		if _, err := time.ParseDuration(step.By); err != nil {
			return fmt.Errorf("by: %w", err)
		}
	}
	if _, err := parseWait(step.Wait); err != nil {
		return err
	}
	return nil
}

// parseWait turns a step's wait into a query timeout.
func parseWait(s string) (time.Duration, error) {
	switch s {
	case "":
		return space.NoWait, nil
	case "forever":
		return space.Forever, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("wait: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("wait: must be positive, \"forever\" or empty")
	}
	return d, nil
}

func isQuery(op string) bool {
	switch op {
	case OpRead, OpTake, OpReadIfExists, OpTakeIfExists:
		return true
	}
	return false
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(s *Scenario, a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("op is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Names) == 0 {
			return fmt.Errorf("names list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("op is required for trace_count")
		}
	case AssertEventCount:
		if !slices.Contains(s.Listeners, a.Listener) {
			return fmt.Errorf("listener %q is not declared", a.Listener)
		}
	case AssertFinalState:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("count must be non-negative for %s", a.Type)
	}
	return nil
}
