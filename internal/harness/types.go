package harness

// Trace event types.
const (
	EventStep  = "step"  // a scenario step and its outcome
	EventEvent = "event" // a remote event delivered to a listener
)

// Step outcomes.
const (
	OutcomeOK      = "ok"      // the operation succeeded or returned an entry
	OutcomeNothing = "nothing" // a read or take found no entry
	OutcomeBlocked = "blocked" // an async operation is waiting
	OutcomeError   = "error"   // see TraceEvent.Error
)

// EntryView is the client-visible value of an entry in a trace. Ids are
// left out since they are random.
type EntryView struct {
	Type   string `json:"type"`
	Fields []any  `json:"fields"`
}

// TraceEvent is one line of a scenario trace: either a step with its
// outcome or a remote event delivered while the step ran.
type TraceEvent struct {
	Type string `json:"type"` // "step" or "event"
	Step int    `json:"step"` // index of the step that produced the line

	// Step lines.
	Op      string      `json:"op,omitempty"`
	Name    string      `json:"name,omitempty"` // the step's "as" or target
	Txn     string      `json:"txn,omitempty"`
	Outcome string      `json:"outcome,omitempty"`
	Error   string      `json:"error,omitempty"`
	Entry   *EntryView  `json:"entry,omitempty"`
	Entries []EntryView `json:"entries,omitempty"`
	Vote    string      `json:"vote,omitempty"`

	// Event lines.
	Listener     string `json:"listener,omitempty"`
	Registration string `json:"registration,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Seq          uint64 `json:"seq,omitempty"`
	Visible      bool   `json:"visible,omitempty"`
	Handback     string `json:"handback,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains every step and delivered event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step line.
func (r *Result) AddStep(ev TraceEvent) {
	ev.Type = EventStep
	r.Trace = append(r.Trace, ev)
}

// AddEvent appends an event line.
func (r *Result) AddEvent(ev TraceEvent) {
	ev.Type = EventEvent
	r.Trace = append(r.Trace, ev)
}
