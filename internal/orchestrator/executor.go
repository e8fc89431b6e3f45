// Package orchestrator drives workflow container tasks through their embedded
// phase state machine: resolving each phase's agent from the registry,
// invoking it under the phase timeout, applying on_success/on_failure edges
// and the retry budget, and capturing artifacts along the way.
//
// The executor owns the task while it runs. Workflow tasks are never claimed
// by workers; the executor transitions them queued → in_progress →
// completed/failed itself.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chimera/internal/domain/agent"
	"chimera/internal/domain/event"
	"chimera/internal/domain/task"
	"chimera/internal/domain/workflow"
	"chimera/internal/errors"
	"chimera/internal/events"
	"chimera/internal/ids"
	"chimera/internal/logging"
	"chimera/internal/registry"
	"chimera/internal/taskrepo"
)

// DefaultMaxIterations bounds the phase loop of a single ExecuteWorkflow call.
const DefaultMaxIterations = 10

// Config wires the executor's collaborators.
type Config struct {
	Registry *registry.Registry
	Repo     *taskrepo.Repository
	Bus      *events.Bus
	Logger   logging.Logger

	// Metrics defaults to the shared global-registry instance.
	Metrics *Metrics
	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

// Executor runs workflow tasks to a terminal phase.
type Executor struct {
	registry *registry.Registry
	repo     *taskrepo.Repository
	bus      *events.Bus
	log      logging.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	mu          sync.RWMutex
	definitions map[string]*workflow.Definition
}

// New creates an executor with the Chimera reference workflow pre-registered.
func New(cfg Config) *Executor {
	x := &Executor{
		registry:    cfg.Registry,
		repo:        cfg.Repo,
		bus:         cfg.Bus,
		log:         logging.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		definitions: make(map[string]*workflow.Definition),
	}
	if x.metrics == nil {
		x.metrics = defaultMetrics()
	}
	if x.tracer == nil {
		x.tracer = otel.Tracer("chimera/orchestrator")
	}
	x.definitions[workflow.ChimeraName] = workflow.Chimera()
	return x
}

// RegisterDefinition makes a workflow definition available to ExecuteWorkflow.
func (x *Executor) RegisterDefinition(def *workflow.Definition) error {
	const op = "orchestrator.RegisterDefinition"
	if def == nil {
		return errors.E(errors.KindValidation, op, "nil definition")
	}
	if err := def.Validate(); err != nil {
		return errors.E(errors.KindValidation, op, err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.definitions[def.Name]; exists {
		return errors.E(errors.KindConflict, op, "workflow %q already registered", def.Name)
	}
	x.definitions[def.Name] = def
	return nil
}

// Definition returns a registered workflow definition by name.
func (x *Executor) Definition(name string) (*workflow.Definition, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	def, ok := x.definitions[name]
	if !ok {
		return nil, errors.E(errors.KindConfiguration, "orchestrator.Definition", "workflow %q not registered", name)
	}
	return def, nil
}

// ExecuteWorkflow drives the task's workflow until a terminal phase, the
// iteration budget, or cancellation. maxIterations <= 0 selects the default.
//
// The call is synchronous and returns the task in its final state. A missing
// agent is a configuration error with no recovery edge: the task is failed
// and the error returned. Agent failures and timeouts are ordinary phase
// failures handled by the definition's on_failure edges.
func (x *Executor) ExecuteWorkflow(ctx context.Context, taskID string, maxIterations int) (*task.Task, error) {
	const op = "orchestrator.ExecuteWorkflow"
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	ctx, corrID := ids.EnsureCorrelationID(ctx)

	t, err := x.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.IsWorkflow() {
		return nil, errors.E(errors.KindValidation, op, "task %s carries no workflow state", taskID)
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	state, err := workflow.DecodeState(t.Workflow)
	if err != nil {
		return nil, errors.E(errors.KindValidation, op, err)
	}
	def, err := x.Definition(state.Definition)
	if err != nil {
		return nil, err
	}

	if t.Status == task.StatusQueued {
		t, err = x.repo.UpdateTaskStatus(ctx, taskID, task.StatusInProgress, map[string]any{
			"current_phase": string(state.CurrentPhase),
			"reason":        "workflow execution started",
		})
		if err != nil {
			return nil, err
		}
	}

	x.metrics.IncActiveWorkflows()
	defer x.metrics.DecActiveWorkflows()

	x.log.Info("workflow %s: executing task=%s phase=%s", def.Name, taskID, state.CurrentPhase)

	// The phase about to run is already persisted as the task's current
	// phase, so announce it here; subsequent entries are announced after
	// each transition is saved. Terminal phases are announced only through
	// workflow.completed / workflow.failed.
	if !def.IsTerminal(state.CurrentPhase) {
		x.publishPhaseEntered(def, state, taskID, corrID)
	}

	for iterations := 0; iterations < maxIterations && !def.IsTerminal(state.CurrentPhase); iterations++ {
		if ctx.Err() != nil {
			return x.repo.UpdateTaskStatus(context.WithoutCancel(ctx), taskID, task.StatusCancelled, map[string]any{
				"reason": "workflow execution cancelled",
			})
		}

		spec := def.Phases[state.CurrentPhase]
		ag, err := x.registry.Resolve(spec.Agent)
		if err != nil {
			state.ErrorMessage = fmt.Sprintf("phase %s: no agent registered for %q", state.CurrentPhase, spec.Agent)
			x.metrics.IncPhaseFailure(def.Name, string(state.CurrentPhase), "configuration")
			if _, failErr := x.failTask(ctx, taskID, def, state, corrID); failErr != nil {
				return nil, failErr
			}
			return nil, errors.E(errors.KindConfiguration, op, err)
		}

		result, invokeErr := x.invokePhase(ctx, def, state, spec, ag, t)
		if ctx.Err() != nil {
			return x.repo.UpdateTaskStatus(context.WithoutCancel(ctx), taskID, task.StatusCancelled, map[string]any{
				"reason": "workflow execution cancelled",
			})
		}

		success := invokeErr == nil && workflow.Succeeded(result)
		var next workflow.Phase
		var failReason string
		if success {
			next = spec.OnSuccess
		} else {
			failReason = phaseFailure(state.CurrentPhase, spec, result, invokeErr)
			next = spec.OnFailure
			loopback := !def.IsTerminal(next) && def.Index(next) <= def.Index(state.CurrentPhase)
			if loopback {
				if state.RetryCount >= state.MaxRetries {
					next = def.Failure
					x.metrics.IncPhaseFailure(def.Name, string(state.CurrentPhase), "retry_budget_exhausted")
					x.log.Warn("workflow %s: task=%s phase=%s retry budget exhausted (%d/%d)",
						def.Name, taskID, state.CurrentPhase, state.RetryCount, state.MaxRetries)
				} else {
					state.RetryCount++
					x.metrics.IncPhaseRetry(def.Name, string(state.CurrentPhase))
				}
			}
			if def.IsTerminal(next) {
				x.metrics.IncPhaseFailure(def.Name, string(state.CurrentPhase), failureLabel(invokeErr))
			}
		}

		capture(state, def.Phases[next].Capture, result)
		if next == def.Failure && failReason != "" {
			state.ErrorMessage = failReason
		}

		prev := state.CurrentPhase
		state.CurrentPhase = next
		if t, err = x.repo.SaveWorkflowState(ctx, taskID, string(next), state.Encode(), state.ErrorMessage); err != nil {
			return nil, err
		}

		outcome := "failure"
		if success {
			outcome = "success"
		}
		x.publish(event.New(event.WorkflowPhaseCompleted, corrID, map[string]any{
			"task_id":    taskID,
			"workflow":   def.Name,
			"phase":      string(prev),
			"outcome":    outcome,
			"next_phase": string(next),
		}))
		if !def.IsTerminal(next) {
			x.publishPhaseEntered(def, state, taskID, corrID)
		}
	}

	if !def.IsTerminal(state.CurrentPhase) {
		state.ErrorMessage = fmt.Sprintf("workflow stopped in phase %s: iteration budget exhausted", state.CurrentPhase)
		state.CurrentPhase = def.Failure
		if _, err := x.repo.SaveWorkflowState(ctx, taskID, string(def.Failure), state.Encode(), state.ErrorMessage); err != nil {
			return nil, err
		}
		x.metrics.IncPhaseFailure(def.Name, string(def.Failure), "iteration_budget_exhausted")
	}

	if state.CurrentPhase == def.Success {
		t, err = x.repo.UpdateTaskStatus(ctx, taskID, task.StatusCompleted, map[string]any{
			"current_phase": string(def.Success),
			"reason":        "workflow reached success phase",
		})
		if err != nil {
			return nil, err
		}
		x.publish(event.New(event.WorkflowCompleted, corrID, map[string]any{
			"task_id":   taskID,
			"workflow":  def.Name,
			"artifacts": state.Artifacts,
		}))
		x.log.Info("workflow %s: task=%s completed", def.Name, taskID)
		return t, nil
	}

	return x.failTask(ctx, taskID, def, state, corrID)
}

func (x *Executor) publish(ev event.Event) {
	if x.bus != nil {
		x.bus.Publish(ev)
	}
}

func (x *Executor) publishPhaseEntered(def *workflow.Definition, state *workflow.State, taskID, corrID string) {
	x.publish(event.New(event.WorkflowPhaseEntered, corrID, map[string]any{
		"task_id":     taskID,
		"workflow":    def.Name,
		"phase":       string(state.CurrentPhase),
		"retry_count": state.RetryCount,
	}))
}

// failTask moves the task to failed and emits workflow.failed.
func (x *Executor) failTask(ctx context.Context, taskID string, def *workflow.Definition, state *workflow.State, corrID string) (*task.Task, error) {
	if state.ErrorMessage == "" {
		state.ErrorMessage = fmt.Sprintf("workflow %s failed", def.Name)
	}
	t, err := x.repo.UpdateTaskStatus(ctx, taskID, task.StatusFailed, map[string]any{
		"current_phase": string(state.CurrentPhase),
		"error_message": state.ErrorMessage,
		"reason":        "workflow reached failure phase",
	})
	if err != nil {
		return nil, err
	}
	x.publish(event.New(event.WorkflowFailed, corrID, map[string]any{
		"task_id":       taskID,
		"workflow":      def.Name,
		"phase":         string(state.CurrentPhase),
		"error_message": state.ErrorMessage,
	}))
	x.log.Warn("workflow %s: task=%s failed: %s", def.Name, taskID, state.ErrorMessage)
	return t, nil
}

// invokePhase calls the phase agent under the phase timeout. A panicking or
// hung agent is reported as an error; the deadline is enforced here rather
// than trusted to the agent.
func (x *Executor) invokePhase(ctx context.Context, def *workflow.Definition, state *workflow.State, spec workflow.PhaseSpec, ag agent.Agent, t *task.Task) (map[string]any, error) {
	const op = "orchestrator.invokePhase"
	phase := state.CurrentPhase

	ctx, span := x.tracer.Start(ctx, "workflow.phase",
		trace.WithAttributes(
			attribute.String("chimera.workflow", def.Name),
			attribute.String("chimera.phase", string(phase)),
			attribute.String("chimera.agent", spec.Agent),
			attribute.String("chimera.action", spec.Action),
			attribute.Int("chimera.retry_count", state.RetryCount),
		))
	defer span.End()

	input := make(map[string]any, len(t.Payload)+len(state.Artifacts)+1)
	for k, v := range t.Payload {
		input[k] = v
	}
	for k, v := range state.Artifacts {
		input[k] = v
	}
	input["task_id"] = t.ID

	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	started := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.E(errors.KindAgent, op, "agent %s panicked: %v", ag.ID(), r)}
			}
		}()
		result, err := ag.Execute(ctx, spec.Action, input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(started)
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, "agent error")
			x.metrics.ObservePhaseDuration(def.Name, string(phase), "error", elapsed)
			return out.result, errors.E(errors.KindAgent, op, out.err)
		}
		outcomeLabel := "failure"
		if workflow.Succeeded(out.result) {
			outcomeLabel = "success"
		} else {
			span.SetStatus(codes.Error, "phase reported failure")
		}
		x.metrics.ObservePhaseDuration(def.Name, string(phase), outcomeLabel, elapsed)
		return out.result, nil
	case <-ctx.Done():
		elapsed := time.Since(started)
		span.SetStatus(codes.Error, "phase timeout")
		x.metrics.ObservePhaseDuration(def.Name, string(phase), "timeout", elapsed)
		return nil, errors.E(errors.KindTimeout, op, "phase %s exceeded its %s timeout", phase, spec.Timeout)
	}
}

// phaseFailure renders the error message recorded for a failed phase.
func phaseFailure(phase workflow.Phase, spec workflow.PhaseSpec, result map[string]any, invokeErr error) string {
	if invokeErr != nil {
		if errors.Kindof(invokeErr) == errors.KindTimeout {
			return fmt.Sprintf("phase %s timed out after %s", phase, spec.Timeout)
		}
		return fmt.Sprintf("phase %s: %v", phase, invokeErr)
	}
	if msg, ok := result["error"].(string); ok && msg != "" {
		return fmt.Sprintf("phase %s: %s", phase, msg)
	}
	status, _ := result["status"].(string)
	return fmt.Sprintf("phase %s reported status %q", phase, status)
}

// capture merges result fields into artifact slots per the target phase's
// capture table. Absent fields are skipped, never zeroed.
func capture(state *workflow.State, table map[string]string, result map[string]any) {
	if len(table) == 0 || result == nil {
		return
	}
	if state.Artifacts == nil {
		state.Artifacts = make(map[string]any)
	}
	for slot, field := range table {
		if v, ok := result[field]; ok && v != nil {
			state.Artifacts[slot] = v
		}
	}
}

// failureLabel maps an invocation error to a metrics reason label.
func failureLabel(invokeErr error) string {
	switch {
	case invokeErr == nil:
		return "phase_failed"
	case errors.Kindof(invokeErr) == errors.KindTimeout:
		return "timeout"
	default:
		return "agent_error"
	}
}
