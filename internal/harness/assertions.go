package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/graphcache/internal/cache"
	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/plan"
)

// AssertionContext gives assertions access to the final cache state.
type AssertionContext struct {
	Cache *cache.Cache
	// Plan resolves a schema plan by name, re-rooted when root is set.
	Plan func(name, root string) (*plan.Plan, error)
}

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

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		switch ev.Type {
		case EventOp:
			fmt.Fprintf(&buf, "  [%d] %s %s%s\n", ev.Step, ev.Op, ev.Result, errorSuffix(ev.Error))
		case EventNotify:
			fmt.Fprintf(&buf, "  [%d]   -> %s %s\n", ev.Step, ev.Sub, ev.State)
		}
	}
	return buf.String()
}

func errorSuffix(category string) string {
	if category == "" {
		return ""
	}
	return " !" + category
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertSnapshot:
			err = assertSnapshot(result.Trace, a, actx)
		case AssertRecord:
			err = assertRecord(result.Trace, a, actx)
		case AssertDrafts:
			err = assertDrafts(result.Trace, a, actx)
		case AssertNotifyCount:
			err = assertNotifyCount(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// assertSnapshot builds the plan's snapshot and checks its state and a
// subset of its data.
func assertSnapshot(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	p, err := actx.Plan(a.Plan, a.Root)
	if err != nil {
		return err
	}
	snap := actx.Cache.BuildSnapshot(p)

	if a.State != "" && snap.State.String() != a.State {
		return &AssertionError{
			Type:     AssertSnapshot,
			Expected: fmt.Sprintf("%s state %s", a.Plan, a.State),
			Actual:   fmt.Sprintf("state %s (%v)", snap.State, snap.Err),
			Trace:    trace,
		}
	}
	if a.Data == nil {
		return nil
	}
	want, err := ir.FromGo(a.Data)
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	var got ir.IRValue = ir.IRNull{}
	if snap.Data != nil {
		got = snap.Data
	}
	if !matchSubset(want, got) {
		return &AssertionError{
			Type:     AssertSnapshot,
			Expected: fmt.Sprintf("%s data containing %s", a.Plan, render(want)),
			Actual:   render(got),
			Trace:    trace,
		}
	}
	return nil
}

// assertRecord checks a stored canonical record, ignoring draft overlays.
func assertRecord(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	rec, ok := actx.Cache.Record(a.Key)
	if a.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s absent", a.Key),
				Actual:   fmt.Sprintf("version %d %s", rec.Version, render(rec.Fields)),
				Trace:    trace,
			}
		}
		return nil
	}
	if !ok {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s present", a.Key),
			Actual:   "absent",
			Trace:    trace,
		}
	}
	if a.Version != 0 && rec.Version != a.Version {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s version %d", a.Key, a.Version),
			Actual:   fmt.Sprintf("version %d", rec.Version),
			Trace:    trace,
		}
	}
	if a.Fields == nil {
		return nil
	}
	want, err := ir.FromGo(a.Fields)
	if err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	if !matchSubset(want, rec.Fields) {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s fields containing %s", a.Key, render(want)),
			Actual:   render(rec.Fields),
			Trace:    trace,
		}
	}
	return nil
}

// assertDrafts checks the number of queued drafts.
func assertDrafts(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	got := actx.Cache.Drafts(a.Target)
	if len(got) == a.Count {
		return nil
	}
	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = fmt.Sprintf("%s(%s)", d.ID, d.Status)
	}
	target := a.Target
	if target == "" {
		target = "all targets"
	}
	return &AssertionError{
		Type:     AssertDrafts,
		Expected: fmt.Sprintf("%d drafts for %s", a.Count, target),
		Actual:   fmt.Sprintf("%d drafts %v", len(got), ids),
		Trace:    trace,
	}
}

// assertNotifyCount checks how many snapshots a subscription received,
// including the initial one.
func assertNotifyCount(result *Result, a Assertion) error {
	got := len(result.Notifications(a.Sub))
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertNotifyCount,
		Expected: fmt.Sprintf("%d notifications for %s", a.Count, a.Sub),
		Actual:   fmt.Sprintf("%d notifications", got),
		Trace:    result.Trace,
	}
}

// matchSubset reports whether actual contains want: objects match on the
// keys want names, arrays match element-wise with equal length, and every
// other value must be equal.
func matchSubset(want, actual ir.IRValue) bool {
	switch w := want.(type) {
	case ir.IRObject:
		a, ok := actual.(ir.IRObject)
		if !ok {
			return false
		}
		for k, wv := range w {
			av, ok := a[k]
			if !ok || !matchSubset(wv, av) {
				return false
			}
		}
		return true
	case ir.IRArray:
		a, ok := actual.(ir.IRArray)
		if !ok || len(a) != len(w) {
			return false
		}
		for i := range w {
			if !matchSubset(w[i], a[i]) {
				return false
			}
		}
		return true
	default:
		return ir.Equal(want, actual)
	}
}

func render(v ir.IRValue) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
