package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario describes a conformance run: the resources and components a
// fresh runtime starts with, the instances to build and what the
// lifecycle trace and stores must look like afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// FlowToken is stamped on every flow of the run. Defaults to
	// DefaultFlowToken.
	FlowToken string `yaml:"flow_token,omitempty"`

	// MaxInstances bounds constructions per flow. Zero keeps the default.
	MaxInstances int `yaml:"max_instances,omitempty"`

	// Resources maps URLs to the content the loader fetches for them.
	Resources map[string]string `yaml:"resources,omitempty"`

	// Provided maps URLs to values placed in the resource cache up front,
	// the way a bundle announces itself. They are never fetched.
	Provided map[string]any `yaml:"provided,omitempty"`

	// Components are registered before the first step, in order.
	Components []ComponentDef `yaml:"components,omitempty"`

	// Stores are opened and seeded before the first step.
	Stores []StoreSeed `yaml:"stores,omitempty"`

	// Steps create instances, one flow each.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the stores after the last step.
	// Supported types: trace_contains, trace_order, trace_count, record
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultFlowToken is used when a scenario names none.
const DefaultFlowToken = "test-flow"

// ComponentDef is a data-only component manifest.
type ComponentDef struct {
	Name    string         `yaml:"name"`
	Version string         `yaml:"version,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// StoreSeed opens a datastore and writes records into it.
type StoreSeed struct {
	Settings map[string]any   `yaml:"settings"`
	Records  []map[string]any `yaml:"records,omitempty"`
}

// Step builds one instance. Exactly one of Instance and Render names the
// component (index or manifest URL).
type Step struct {
	Instance string         `yaml:"instance,omitempty"`
	Render   string         `yaml:"render,omitempty"`
	Config   map[string]any `yaml:"config,omitempty"`

	// Materialize names a field of the new instance holding a lazy
	// proxy to materialize once the instance is ready.
	Materialize string `yaml:"materialize,omitempty"`

	// Expect is a subset of the instance's fields after the step.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Error is the runtime error code the step must fail with.
	Error string `yaml:"error,omitempty"`
}

// Ref returns the component the step builds.
func (s Step) Ref() string {
	if s.Render != "" {
		return s.Render
	}
	return s.Instance
}

// Assertion validates the trace or a stored record.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Kind and Subject select events (trace_contains, trace_count). An
	// empty Subject matches any subject.
	Kind    string `yaml:"kind,omitempty"`
	Subject string `yaml:"subject,omitempty"`
	Parent  string `yaml:"parent,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events lists "kind subject" labels in expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Store, Key and Expect select a record and the subset of fields it
	// must hold (record).
	Store  map[string]any `yaml:"store,omitempty"`
	Key    any            `yaml:"key,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertRecord        = "record"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
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

// LoadScenarios loads every *.yaml and *.yml file of dir, sorted by file
// name. Scenario names must be unique.
func LoadScenarios(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, m...)
	}
	sort.Strings(paths)

	seen := make(map[string]string)
	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("%s: scenario %q already defined in %s", p, s.Name, prev)
		}
		seen[s.Name] = p
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

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
	if s.MaxInstances < 0 {
		return fmt.Errorf("max_instances must be non-negative")
	}

	for i, c := range s.Components {
		if c.Name == "" {
			return fmt.Errorf("components[%d]: name is required", i)
		}
	}
	for i, st := range s.Stores {
		if len(st.Settings) == 0 {
			return fmt.Errorf("stores[%d]: settings are required", i)
		}
	}

	for i, step := range s.Steps {
		if (step.Instance == "") == (step.Render == "") {
			return fmt.Errorf("steps[%d]: exactly one of instance and render is required", i)
		}
		if step.Error != "" && (step.Expect != nil || step.Materialize != "") {
			return fmt.Errorf("steps[%d]: a failing step cannot expect fields", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("assertions[%d]: at least two events are required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertRecord:
		if len(a.Store) == 0 {
			return fmt.Errorf("assertions[%d]: store is required for record", index)
		}
		if a.Key == nil {
			return fmt.Errorf("assertions[%d]: key is required for record", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
