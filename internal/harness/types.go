package harness

import "github.com/roach88/graphcache/internal/ir"

// Trace event types.
const (
	EventOp     = "op"
	EventNotify = "notify"
)

// TraceEvent records one executed step or one subscriber notification.
type TraceEvent struct {
	Type  string     `json:"type"`
	Step  int        `json:"step"`
	Op    string     `json:"op,omitempty"`
	Sub   string     `json:"sub,omitempty"`
	State string     `json:"state,omitempty"`
	Data  ir.IRValue `json:"data,omitempty"`
	// Result is the step outcome: a root key, a draft id or a count.
	Result string `json:"result,omitempty"`
	// Error is the error category of a failed step.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step behaved as expected and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains step and notification events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
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

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends an event.
func (r *Result) add(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Notifications returns the notify events of subscription sub.
func (r *Result) Notifications(sub string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventNotify && ev.Sub == sub {
			out = append(out, ev)
		}
	}
	return out
}
