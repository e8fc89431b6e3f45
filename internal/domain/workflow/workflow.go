// Package workflow defines the phase-driven state machine embedded in a
// workflow task: the definition (phases, agent targets, transitions,
// timeouts, artifact capture) and the mutable per-task state.
//
// The Chimera TDD loop in chimera.go is the reference definition; others can
// be loaded from YAML documents with LoadDefinition.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase names a single workflow state.
type Phase string

// PhaseSpec describes one phase of a workflow definition.
type PhaseSpec struct {
	// Agent is the agent-type the phase dispatches to. Empty for terminal phases.
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
	// Action is the method name invoked on the agent.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	// OnSuccess and OnFailure name the next phase for each outcome.
	// OnFailure may point back to an earlier phase to implement retry loops.
	OnSuccess Phase `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure Phase `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	// Timeout is the hard ceiling on the agent call.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Terminal marks the two distinguished end phases.
	Terminal bool `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	// Capture maps artifact slot → result field, applied when the workflow
	// transitions INTO this phase on success.
	Capture map[string]string `json:"capture,omitempty" yaml:"capture,omitempty"`
}

// Definition is a complete workflow specification.
type Definition struct {
	Name string `json:"name" yaml:"name"`
	// Initial is the phase a fresh workflow starts in.
	Initial Phase `json:"initial" yaml:"initial"`
	// Success and Failure are the two terminal phases.
	Success Phase `json:"success" yaml:"success"`
	Failure Phase `json:"failure" yaml:"failure"`
	// Order preserves declaration order; "earlier phase" for retry counting
	// means a lower index here.
	Order  []Phase             `json:"order" yaml:"order"`
	Phases map[Phase]PhaseSpec `json:"phases" yaml:"phases"`
}

// Validate checks the definition is internally consistent.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow definition has no name")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("workflow %q has no phases", d.Name)
	}
	declared := make(map[Phase]bool, len(d.Order))
	for _, p := range d.Order {
		if _, ok := d.Phases[p]; !ok {
			return fmt.Errorf("workflow %q: ordered phase %q not declared", d.Name, p)
		}
		declared[p] = true
	}
	for p := range d.Phases {
		if !declared[p] {
			return fmt.Errorf("workflow %q: phase %q missing from order", d.Name, p)
		}
	}
	if !declared[d.Initial] {
		return fmt.Errorf("workflow %q: initial phase %q not declared", d.Name, d.Initial)
	}
	for _, terminal := range []Phase{d.Success, d.Failure} {
		spec, ok := d.Phases[terminal]
		if !ok {
			return fmt.Errorf("workflow %q: terminal phase %q not declared", d.Name, terminal)
		}
		if !spec.Terminal {
			return fmt.Errorf("workflow %q: phase %q must be marked terminal", d.Name, terminal)
		}
	}
	for name, spec := range d.Phases {
		if spec.Terminal {
			continue
		}
		if spec.Agent == "" || spec.Action == "" {
			return fmt.Errorf("workflow %q: phase %q needs an agent and an action", d.Name, name)
		}
		if !declared[spec.OnSuccess] {
			return fmt.Errorf("workflow %q: phase %q on_success target %q not declared", d.Name, name, spec.OnSuccess)
		}
		if !declared[spec.OnFailure] {
			return fmt.Errorf("workflow %q: phase %q on_failure target %q not declared", d.Name, name, spec.OnFailure)
		}
		if spec.Timeout <= 0 {
			return fmt.Errorf("workflow %q: phase %q needs a positive timeout", d.Name, name)
		}
	}
	return nil
}

// Index returns the declaration position of a phase, or -1 when unknown.
func (d *Definition) Index(p Phase) int {
	for i, candidate := range d.Order {
		if candidate == p {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether p is one of the definition's terminal phases.
func (d *Definition) IsTerminal(p Phase) bool {
	return p == d.Success || p == d.Failure
}

// DefaultMaxRetries bounds on_failure loopbacks before the workflow is
// promoted straight to its failure phase.
const DefaultMaxRetries = 3

// State is the mutable workflow state embedded in a task.
type State struct {
	Definition   string         `json:"definition"`
	CurrentPhase Phase          `json:"current_phase"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Artifacts    map[string]any `json:"artifacts,omitempty"`
}

// NewState initializes workflow state at the definition's initial phase.
func NewState(def *Definition) *State {
	return &State{
		Definition:   def.Name,
		CurrentPhase: def.Initial,
		MaxRetries:   DefaultMaxRetries,
		Artifacts:    make(map[string]any),
	}
}

// Artifact returns the named artifact slot as a string, or "".
func (s *State) Artifact(key string) string {
	if s.Artifacts == nil {
		return ""
	}
	if v, ok := s.Artifacts[key].(string); ok {
		return v
	}
	return ""
}

// Encode serializes the state into the opaque mapping stored on the task.
func (s *State) Encode() map[string]any {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// DecodeState rebuilds workflow state from the task's embedded mapping.
func DecodeState(embedded map[string]any) (*State, error) {
	if embedded == nil {
		return nil, fmt.Errorf("task carries no workflow state")
	}
	raw, err := json.Marshal(embedded)
	if err != nil {
		return nil, fmt.Errorf("encode workflow state: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode workflow state: %w", err)
	}
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]any)
	}
	return &s, nil
}

// Succeeded interprets an agent result: status "success" or "passed" counts
// as success, everything else (including a missing status) as failure.
func Succeeded(result map[string]any) bool {
	status, _ := result["status"].(string)
	return status == "success" || status == "passed"
}
