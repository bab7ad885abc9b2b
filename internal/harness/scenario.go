package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/graphcache/internal/draft"
)

// Scenario defines a cache scenario: a schema, the plans to subscribe to,
// a sequence of steps and the assertions over the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. Used as the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is inline CUE source declaring types and plans.
	Schema string `yaml:"schema,omitempty"`

	// SchemaFile is a path to a CUE file, relative to the scenario file.
	// Exactly one of Schema and SchemaFile is set.
	SchemaFile string `yaml:"schema_file,omitempty"`

	// Subscribe lists the subscriptions opened before the first step.
	Subscribe []Subscription `yaml:"subscribe,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final cache state and the trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Subscription is a plan subscription opened by the harness.
type Subscription struct {
	// Plan names a plan declared in the schema.
	Plan string `yaml:"plan"`

	// Root overrides the plan's root key.
	Root string `yaml:"root,omitempty"`

	// As names the subscription in the trace. Defaults to Plan.
	As string `yaml:"as,omitempty"`
}

// Label returns the trace name of the subscription.
func (s Subscription) Label() string {
	if s.As != "" {
		return s.As
	}
	return s.Plan
}

// Step is one cache operation.
type Step struct {
	// Op is the operation; see the Op constants.
	Op string `yaml:"op"`

	// Plan and Root select the plan for ingest, fetch, confirm and sync.
	Plan string `yaml:"plan,omitempty"`
	Root string `yaml:"root,omitempty"`

	// Payload is the response or draft payload.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Target and Kind describe a new draft.
	Target string `yaml:"target,omitempty"`
	Kind   string `yaml:"kind,omitempty"`

	// Draft is the id of an existing draft.
	Draft string `yaml:"draft,omitempty"`

	// Error and Status script a failure for fetch and fail.
	Error  string `yaml:"error,omitempty"`
	Status int    `yaml:"status,omitempty"`

	// Keys lists record keys for evict, hydrate and restart.
	Keys []string `yaml:"keys,omitempty"`

	// Responses and Failures script the server for sync, keyed by draft id.
	Responses map[string]map[string]any `yaml:"responses,omitempty"`
	Failures  map[string]string         `yaml:"failures,omitempty"`

	// ExpectError is the expected error category. Empty means success.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	OpIngest  = "ingest"
	OpFetch   = "fetch"
	OpDraft   = "draft"
	OpUpload  = "upload"
	OpConfirm = "confirm"
	OpFail    = "fail"
	OpRetry   = "retry"
	OpDiscard = "discard"
	OpSync    = "sync"
	OpFlush   = "flush"
	OpEvict   = "evict"
	OpHydrate = "hydrate"
	OpRestart = "restart"
)

// Error categories for Step.ExpectError.
const (
	ErrMalformed         = "malformed"
	ErrNetwork           = "network"
	ErrBlocked           = "blocked"
	ErrInFlight          = "in_flight"
	ErrNotFound          = "not_found"
	ErrInvalidTransition = "invalid_transition"
	ErrDurable           = "durable"
	ErrAny               = "any"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Plan and Root select the plan (snapshot).
	Plan string `yaml:"plan,omitempty"`
	Root string `yaml:"root,omitempty"`

	// State is the expected snapshot state (snapshot).
	State string `yaml:"state,omitempty"`

	// Data is a subset of the expected snapshot data (snapshot).
	Data map[string]any `yaml:"data,omitempty"`

	// Key selects a stored record (record).
	Key string `yaml:"key,omitempty"`

	// Version is the expected record version; 0 skips the check (record).
	Version int64 `yaml:"version,omitempty"`

	// Fields is a subset of the expected record fields (record).
	Fields map[string]any `yaml:"fields,omitempty"`

	// Absent asserts that the record does not exist (record).
	Absent bool `yaml:"absent,omitempty"`

	// Target selects a draft queue; empty means every queue (drafts).
	Target string `yaml:"target,omitempty"`

	// Sub names a subscription (notify_count).
	Sub string `yaml:"sub,omitempty"`

	// Count is the expected number of drafts or notifications.
	Count int `yaml:"count"`
}

// Assertion type constants.
const (
	AssertSnapshot    = "snapshot"
	AssertRecord      = "record"
	AssertDrafts      = "drafts"
	AssertNotifyCount = "notify_count"
)

var (
	validOps = []string{
		OpIngest, OpFetch, OpDraft, OpUpload, OpConfirm, OpFail, OpRetry,
		OpDiscard, OpSync, OpFlush, OpEvict, OpHydrate, OpRestart,
	}
	validErrors = []string{
		ErrMalformed, ErrNetwork, ErrBlocked, ErrInFlight, ErrNotFound,
		ErrInvalidTransition, ErrDurable, ErrAny,
	}
)

// LoadScenario reads and parses a scenario YAML file. A relative SchemaFile
// is resolved against the scenario's directory.
// Returns an error if the file doesn't exist, is malformed, contains unknown
// fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML. basePath resolves a relative
// SchemaFile and may be empty.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.SchemaFile != "" && !filepath.IsAbs(scenario.SchemaFile) && basePath != "" {
		scenario.SchemaFile = filepath.Join(basePath, scenario.SchemaFile)
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

	switch {
	case s.Schema == "" && s.SchemaFile == "":
		return fmt.Errorf("schema or schema_file is required")
	case s.Schema != "" && s.SchemaFile != "":
		return fmt.Errorf("schema and schema_file are mutually exclusive")
	case s.SchemaFile != "":
		if _, err := os.Stat(s.SchemaFile); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", s.SchemaFile)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	labels := make(map[string]bool, len(s.Subscribe))
	for i, sub := range s.Subscribe {
		if sub.Plan == "" {
			return fmt.Errorf("subscribe[%d]: plan is required", i)
		}
		if labels[sub.Label()] {
			return fmt.Errorf("subscribe[%d]: duplicate subscription %q, set as:", i, sub.Label())
		}
		labels[sub.Label()] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks the fields each operation needs.
func validateStep(index int, st *Step) error {
	if !slices.Contains(validOps, st.Op) {
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	if st.ExpectError != "" && !slices.Contains(validErrors, st.ExpectError) {
		return fmt.Errorf("steps[%d]: unknown expect_error %q", index, st.ExpectError)
	}

	switch st.Op {
	case OpIngest, OpFetch:
		if st.Plan == "" {
			return fmt.Errorf("steps[%d]: plan is required for %s", index, st.Op)
		}
		if st.Op == OpIngest && st.Payload == nil {
			return fmt.Errorf("steps[%d]: payload is required for ingest", index)
		}
		if st.Op == OpFetch && st.Payload == nil && st.Error == "" && st.Status == 0 {
			return fmt.Errorf("steps[%d]: fetch needs a payload or a scripted failure", index)
		}
	case OpDraft:
		if st.Target == "" {
			return fmt.Errorf("steps[%d]: target is required for draft", index)
		}
		if !draft.Operation(st.Kind).Valid() {
			return fmt.Errorf("steps[%d]: kind must be create, update or delete, got %q", index, st.Kind)
		}
	case OpUpload, OpConfirm, OpFail, OpRetry, OpDiscard:
		if st.Draft == "" {
			return fmt.Errorf("steps[%d]: draft is required for %s", index, st.Op)
		}
		if st.Op == OpConfirm && st.Payload != nil && st.Plan == "" {
			return fmt.Errorf("steps[%d]: plan is required when confirm has a payload", index)
		}
	case OpSync:
		if len(st.Responses) > 0 && st.Plan == "" {
			return fmt.Errorf("steps[%d]: plan is required when sync has responses", index)
		}
	case OpEvict, OpHydrate:
		if len(st.Keys) == 0 {
			return fmt.Errorf("steps[%d]: keys are required for %s", index, st.Op)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertSnapshot:
		if a.Plan == "" {
			return fmt.Errorf("assertions[%d]: plan is required for snapshot", index)
		}
	case AssertRecord:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for record", index)
		}
		if a.Absent && (a.Version != 0 || len(a.Fields) > 0) {
			return fmt.Errorf("assertions[%d]: absent record cannot have version or fields", index)
		}
	case AssertDrafts:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for drafts", index)
		}
	case AssertNotifyCount:
		if a.Sub == "" {
			return fmt.Errorf("assertions[%d]: sub is required for notify_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for notify_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
