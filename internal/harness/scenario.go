package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/record"
)

// Scenario defines a lifecycle scenario.
// A scenario drives the engine through a sequence of submissions, ledger
// notifications and clock movements, then asserts on the resulting trace and
// final records.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Account is the selected account. Empty means no account is selected.
	Account string `yaml:"account"`

	// Config overrides the engine policy for this scenario.
	Config ConfigOverrides `yaml:"config,omitempty"`

	// Steps run in order. Each step settles before the next one starts.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and records.
	// Supported types: trace_contains, trace_order, trace_count, final_state,
	// invalidations
	Assertions []Assertion `yaml:"assertions"`
}

// ConfigOverrides replaces parts of the engine's default policy.
type ConfigOverrides struct {
	FinalityTimeout time.Duration `yaml:"finality_timeout,omitempty"`
	StaleAfter      time.Duration `yaml:"stale_after,omitempty"`
	Decimals        int           `yaml:"decimals,omitempty"`
	AppID           uint32        `yaml:"app_id,omitempty"`
}

// Step is one action of a scenario. Exactly one field is set.
type Step struct {
	// Submit submits a transfer or a data blob.
	Submit *SubmitStep `yaml:"submit,omitempty"`

	// Notify pushes a notification onto a submission's status stream.
	Notify *NotifyStep `yaml:"notify,omitempty"`

	// Close ends the status stream with the given index.
	Close *int `yaml:"close,omitempty"`

	// Advance moves the clock forward.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Wait blocks until a record reaches a fine status.
	Wait *WaitStep `yaml:"wait,omitempty"`

	// Abandon stops watching the record with the given id.
	Abandon string `yaml:"abandon,omitempty"`

	// Select changes the selected account. An empty string deselects.
	Select *string `yaml:"select,omitempty"`

	// Sweep advances the clock by one recheck interval so the in-flight
	// sweep runs.
	Sweep bool `yaml:"sweep,omitempty"`
}

// SubmitStep submits a transfer or a data blob.
type SubmitStep struct {
	// Kind is "transfer" or "data".
	Kind      string `yaml:"kind"`
	Recipient string `yaml:"recipient,omitempty"`
	Amount    string `yaml:"amount,omitempty"`
	Data      string `yaml:"data,omitempty"`

	// Fail makes the ledger reject the submission.
	Fail *FailSpec `yaml:"fail,omitempty"`

	// ExpectError is the fault code Submit must return synchronously.
	// When set no record is expected.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// FailSpec is a ledger-side submission error.
type FailSpec struct {
	// Code is a fault code. Empty means an unclassified error.
	Code    string `yaml:"code,omitempty"`
	Message string `yaml:"message"`
}

// NotifyStep is one raw status notification.
type NotifyStep struct {
	// Stream is the index of the status stream, in submission order.
	Stream    int              `yaml:"stream"`
	Kind      string           `yaml:"kind"`
	TxHash    string           `yaml:"tx_hash,omitempty"`
	BlockHash string           `yaml:"block_hash,omitempty"`
	Dispatch  *faults.Dispatch `yaml:"dispatch,omitempty"`
	Detail    string           `yaml:"detail,omitempty"`
}

// WaitStep blocks until record ID transitions to FineStatus.
type WaitStep struct {
	ID         string `yaml:"id"`
	FineStatus string `yaml:"fine_status"`
}

// Assertion validates the trace, the records or the cache invalidations.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check an event with the given label appears
	// - "trace_order": Check labelled events appear in order
	// - "trace_count": Check an event appears exactly N times
	// - "final_state": Check fields of a record
	// - "invalidations": Check a cache key was invalidated exactly N times
	Type string `yaml:"type"`

	// ID restricts trace assertions to one record, and names the record for
	// final_state.
	ID string `yaml:"id,omitempty"`

	// Event is an event label (used by trace_contains, trace_count).
	// Labels are the trace kind, with the fine status appended for
	// transitions ("transition:in_block") and the notification appended for
	// ignored events ("ignored:finalized").
	Event string `yaml:"event,omitempty"`

	// Events is the expected label order (used by trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (used by trace_count,
	// invalidations).
	Count int `yaml:"count,omitempty"`

	// Key is the cache key (used by invalidations).
	Key string `yaml:"key,omitempty"`

	// Expect contains expected record fields (used by final_state).
	// Subset match: only the listed fields are checked.
	Expect map[string]string `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertInvalidations = "invalidations"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields so typos like "assertion:" fail loudly
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
// Scenario names must be unique within the directory.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", dir)
	}
	sort.Strings(paths)

	seen := make(map[string]string, len(paths))
	out := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(path), s.Name, prev)
		}
		seen[s.Name] = filepath.Base(path)
		out = append(out, s)
	}
	return out, nil
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

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Config.FinalityTimeout < 0 || s.Config.StaleAfter < 0 || s.Config.Decimals < 0 {
		return fmt.Errorf("config: values must be non-negative")
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

// Action names the single action a step performs, or "" if it has none or
// several.
func (s *Step) Action() string {
	var names []string
	if s.Submit != nil {
		names = append(names, "submit")
	}
	if s.Notify != nil {
		names = append(names, "notify")
	}
	if s.Close != nil {
		names = append(names, "close")
	}
	if s.Advance != 0 {
		names = append(names, "advance")
	}
	if s.Wait != nil {
		names = append(names, "wait")
	}
	if s.Abandon != "" {
		names = append(names, "abandon")
	}
	if s.Select != nil {
		names = append(names, "select")
	}
	if s.Sweep {
		names = append(names, "sweep")
	}
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

// validateStep validates a single step based on its action.
func validateStep(index int, s *Step) error {
	switch s.Action() {
	case "":
		return fmt.Errorf("steps[%d]: exactly one action is required", index)
	case "submit":
		switch record.Kind(s.Submit.Kind) {
		case record.KindTransfer:
			if s.Submit.Recipient == "" {
				return fmt.Errorf("steps[%d].submit: recipient is required for transfer", index)
			}
		case record.KindData:
		default:
			return fmt.Errorf("steps[%d].submit: kind must be transfer or data, got %q", index, s.Submit.Kind)
		}
		if s.Submit.Fail != nil && s.Submit.ExpectError != "" {
			return fmt.Errorf("steps[%d].submit: fail and expect_error are exclusive", index)
		}
	case "notify":
		if _, ok := ledger.ParseNotificationKind(s.Notify.Kind); !ok {
			return fmt.Errorf("steps[%d].notify: unknown notification kind %q", index, s.Notify.Kind)
		}
		if s.Notify.Stream < 0 {
			return fmt.Errorf("steps[%d].notify: stream must be non-negative", index)
		}
	case "close":
		if *s.Close < 0 {
			return fmt.Errorf("steps[%d].close: stream must be non-negative", index)
		}
	case "advance":
		if s.Advance < 0 {
			return fmt.Errorf("steps[%d].advance: duration must be positive", index)
		}
	case "wait":
		if s.Wait.ID == "" {
			return fmt.Errorf("steps[%d].wait: id is required", index)
		}
		if _, ok := record.ParseFineStatus(s.Wait.FineStatus); !ok {
			return fmt.Errorf("steps[%d].wait: unknown fine status %q", index, s.Wait.FineStatus)
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
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
		for field := range a.Expect {
			if _, ok := recordFields[field]; !ok {
				return fmt.Errorf("assertions[%d]: unknown record field %q", index, field)
			}
		}
	case AssertInvalidations:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for invalidations", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for invalidations", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
