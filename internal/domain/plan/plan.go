// Package plan defines the execution-plan domain model: a declarative
// multi-subtask program with a dependency graph, plus the planning-queue
// request and per-plan execution progress records.
package plan

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of an execution plan.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the plan status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SubTask is a lightweight plan node. It becomes a Task when the plan is
// materialized; Dependencies reference other subtask ids within the same plan.
type SubTask struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	TaskType          string         `json:"task_type"`
	Priority          int            `json:"priority"`
	Payload           map[string]any `json:"payload,omitempty"`
	Dependencies      []string       `json:"dependencies,omitempty"`
	EstimatedDuration *time.Duration `json:"estimated_duration,omitempty"`
}

// ExecutionPlan is a declarative multi-subtask program.
type ExecutionPlan struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	// PlanningRequestID links back to the planning_queue row that produced
	// this plan, when one exists.
	PlanningRequestID string `json:"planning_request_id,omitempty"`
	Status            Status `json:"status"`

	TotalSubtasks     int `json:"total_subtasks"`
	CompletedSubtasks int `json:"completed_subtasks"`
	FailedSubtasks    int `json:"failed_subtasks"`

	// SubtaskIDs preserves declaration order; DependencyGraph maps subtask id
	// to its prerequisite subtask ids and must stay acyclic.
	SubtaskIDs      []string            `json:"subtask_ids"`
	Subtasks        map[string]*SubTask `json:"subtasks,omitempty"`
	DependencyGraph map[string][]string `json:"dependency_graph,omitempty"`

	// SubtaskTaskIDs is the stable subtask id → materialized task id mapping,
	// populated when the plan's subtasks are created.
	SubtaskTaskIDs map[string]string `json:"subtask_task_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks structural invariants: every graph id is declared, no
// subtask depends on itself, and the dependency graph is acyclic.
func (p *ExecutionPlan) Validate() error {
	declared := make(map[string]bool, len(p.SubtaskIDs))
	for _, id := range p.SubtaskIDs {
		if declared[id] {
			return fmt.Errorf("duplicate subtask id %q", id)
		}
		declared[id] = true
	}
	for id, deps := range p.DependencyGraph {
		if !declared[id] {
			return fmt.Errorf("dependency graph references undeclared subtask %q", id)
		}
		for _, dep := range deps {
			if !declared[dep] {
				return fmt.Errorf("subtask %q depends on undeclared subtask %q", id, dep)
			}
			if dep == id {
				return fmt.Errorf("subtask %q depends on itself", id)
			}
		}
	}
	return p.checkAcyclic()
}

func (p *ExecutionPlan) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(p.SubtaskIDs))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through subtask %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range p.DependencyGraph[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range p.SubtaskIDs {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Dependents returns the subtask ids that list id as a prerequisite. A
// failed subtask with dependents sits on the critical path.
func (p *ExecutionPlan) Dependents(id string) []string {
	var out []string
	for sub, deps := range p.DependencyGraph {
		for _, dep := range deps {
			if dep == id {
				out = append(out, sub)
				break
			}
		}
	}
	return out
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	dup := *p
	dup.SubtaskIDs = append([]string(nil), p.SubtaskIDs...)
	if p.Subtasks != nil {
		dup.Subtasks = make(map[string]*SubTask, len(p.Subtasks))
		for id, st := range p.Subtasks {
			sc := *st
			sc.Dependencies = append([]string(nil), st.Dependencies...)
			if st.Payload != nil {
				sc.Payload = make(map[string]any, len(st.Payload))
				for k, v := range st.Payload {
					sc.Payload[k] = v
				}
			}
			dup.Subtasks[id] = &sc
		}
	}
	if p.DependencyGraph != nil {
		dup.DependencyGraph = make(map[string][]string, len(p.DependencyGraph))
		for id, deps := range p.DependencyGraph {
			dup.DependencyGraph[id] = append([]string(nil), deps...)
		}
	}
	if p.SubtaskTaskIDs != nil {
		dup.SubtaskTaskIDs = make(map[string]string, len(p.SubtaskTaskIDs))
		for k, v := range p.SubtaskTaskIDs {
			dup.SubtaskTaskIDs[k] = v
		}
	}
	return &dup
}

// RequestStatus represents the lifecycle of a planning-queue entry.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAssigned  RequestStatus = "assigned"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// Request is a planning_queue row: a task description waiting for a planner
// agent to turn it into an execution plan.
type Request struct {
	ID                 string         `json:"id"`
	TaskDescription    string         `json:"task_description"`
	Priority           int            `json:"priority"`
	Requestor          string         `json:"requestor,omitempty"`
	ContextData        map[string]any `json:"context_data,omitempty"`
	Status             RequestStatus  `json:"status"`
	ComplexityEstimate string         `json:"complexity_estimate,omitempty"`
	AssignedAgent      string         `json:"assigned_agent,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	AssignedAt         *time.Time     `json:"assigned_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the planning request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	dup := *r
	if r.ContextData != nil {
		dup.ContextData = make(map[string]any, len(r.ContextData))
		for k, v := range r.ContextData {
			dup.ContextData[k] = v
		}
	}
	if r.AssignedAt != nil {
		at := *r.AssignedAt
		dup.AssignedAt = &at
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		dup.CompletedAt = &at
	}
	return &dup
}

// Execution is a plan_execution row tracking live progress for one plan.
type Execution struct {
	PlanID           string     `json:"plan_id"`
	CurrentPhase     string     `json:"current_phase"`
	ProgressPercent  int        `json:"progress_percent"`
	ActiveSubtasks   []string   `json:"active_subtasks,omitempty"`
	CompletedSubtask []string   `json:"completed_subtasks,omitempty"`
	FailedSubtasks   []string   `json:"failed_subtasks,omitempty"`
	BlockedSubtasks  []string   `json:"blocked_subtasks,omitempty"`
	ExecutionNotes   string     `json:"execution_notes,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the execution record.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	dup := *e
	dup.ActiveSubtasks = append([]string(nil), e.ActiveSubtasks...)
	dup.CompletedSubtask = append([]string(nil), e.CompletedSubtask...)
	dup.FailedSubtasks = append([]string(nil), e.FailedSubtasks...)
	dup.BlockedSubtasks = append([]string(nil), e.BlockedSubtasks...)
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		dup.CompletedAt = &at
	}
	return &dup
}
