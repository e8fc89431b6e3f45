package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"chimera/internal/domain/agent"
	"chimera/internal/domain/event"
	"chimera/internal/domain/task"
	"chimera/internal/domain/workflow"
	"chimera/internal/errors"
	"chimera/internal/events"
	"chimera/internal/registry"
	"chimera/internal/store/memory"
	"chimera/internal/taskrepo"
)

type fakeAgent struct {
	id      string
	typ     string
	caps    []agent.Capability
	execute func(ctx context.Context, action string, input map[string]any) (map[string]any, error)
}

func (a *fakeAgent) ID() string                       { return a.id }
func (a *fakeAgent) Type() string                     { return a.typ }
func (a *fakeAgent) Capabilities() []agent.Capability { return a.caps }
func (a *fakeAgent) HealthCheck(context.Context) agent.Health {
	return agent.Health{Status: agent.HealthHealthy}
}

func (a *fakeAgent) Execute(ctx context.Context, action string, input map[string]any) (map[string]any, error) {
	return a.execute(ctx, action, input)
}

type fixture struct {
	store    *memory.Store
	repo     *taskrepo.Repository
	bus      *events.Bus
	registry *registry.Registry
	exec     *Executor
	seen     chan event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	seen := make(chan event.Event, 256)
	bus.SubscribeAll(func(ev event.Event) { seen <- ev })
	repo := taskrepo.New(taskrepo.Config{Store: st, Bus: bus})
	reg := registry.New(nil)
	exec := New(Config{
		Registry: reg,
		Repo:     repo,
		Bus:      bus,
		Metrics:  MustNewMetrics(prometheus.NewRegistry()),
	})
	return &fixture{store: st, repo: repo, bus: bus, registry: reg, exec: exec, seen: seen}
}

func (f *fixture) waitEvent(t *testing.T, want event.Type) event.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-f.seen:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s not observed", want)
		}
	}
}

func (f *fixture) register(t *testing.T, typ string, cap agent.Capability,
	execute func(ctx context.Context, action string, input map[string]any) (map[string]any, error)) {
	t.Helper()
	require.NoError(t, f.registry.Register(&fakeAgent{
		id:      typ + "-1",
		typ:     typ,
		caps:    []agent.Capability{cap},
		execute: execute,
	}))
}

// registerChimeraAgents wires the four Chimera agents. The guardian rejects
// the first rejections reviews before approving; a negative value rejects forever.
func (f *fixture) registerChimeraAgents(t *testing.T, rejections int) *atomic.Int32 {
	t.Helper()
	var reviews atomic.Int32
	var implementations atomic.Int32

	f.register(t, "e2e-tester-agent", agent.CapabilityTest,
		func(_ context.Context, action string, _ map[string]any) (map[string]any, error) {
			if action == "generate_test" {
				return map[string]any{"status": "success", "test_path": "t.py"}, nil
			}
			return map[string]any{"status": "passed"}, nil
		})
	f.register(t, "coder-agent", agent.CapabilityCode,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			n := implementations.Add(1)
			if n == 1 {
				return map[string]any{"status": "success", "pr_id": "PR1", "commit_sha": "c1"}, nil
			}
			return map[string]any{"status": "success", "pr_id": "PR2", "commit_sha": "c2"}, nil
		})
	f.register(t, "guardian-agent", agent.CapabilityReview,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			n := reviews.Add(1)
			if rejections < 0 || int(n) <= rejections {
				return map[string]any{"status": "failure", "error": "review rejected"}, nil
			}
			return map[string]any{"status": "success", "decision": "approved"}, nil
		})
	f.register(t, "deployment-agent", agent.CapabilityDeploy,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			return map[string]any{"status": "success", "staging_url": "https://staging/x"}, nil
		})
	return &reviews
}

func (f *fixture) createChimera(t *testing.T) *task.Task {
	t.Helper()
	created, err := f.exec.CreateChimeraTask(context.Background(), ChimeraInput{
		FeatureDescription: "checkout flow",
		TargetURL:          "https://app.example.com",
		StagingURL:         "https://staging.example.com",
	})
	require.NoError(t, err)
	return created
}

func TestCreateChimeraTask(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.CreateChimeraTask(context.Background(), ChimeraInput{TargetURL: "https://x"})
	require.True(t, errors.IsValidation(err))
	_, err = f.exec.CreateChimeraTask(context.Background(), ChimeraInput{FeatureDescription: "x"})
	require.True(t, errors.IsValidation(err))

	created := f.createChimera(t)
	require.Equal(t, workflow.ChimeraName, created.TaskType)
	require.Equal(t, task.StatusQueued, created.Status)
	require.Equal(t, 3, created.Priority)
	require.Equal(t, "checkout flow", created.Payload["feature_description"])
	require.Equal(t, "https://app.example.com", created.Payload["target_url"])
	require.Equal(t, "https://staging.example.com", created.Payload["staging_url"])

	state, err := workflow.DecodeState(created.Workflow)
	require.NoError(t, err)
	require.Equal(t, workflow.ChimeraName, state.Definition)
	require.Equal(t, workflow.PhaseTestGeneration, state.CurrentPhase)
	require.Equal(t, 0, state.RetryCount)
	require.Equal(t, workflow.DefaultMaxRetries, state.MaxRetries)
}

func TestExecuteWorkflowCompletesWithOneReviewLoopback(t *testing.T) {
	f := newFixture(t)
	f.registerChimeraAgents(t, 1)
	created := f.createChimera(t)

	final, err := f.exec.ExecuteWorkflow(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Equal(t, string(workflow.PhaseComplete), final.CurrentPhase)

	state, err := workflow.DecodeState(final.Workflow)
	require.NoError(t, err)
	require.Equal(t, 1, state.RetryCount)
	require.Equal(t, map[string]any{
		"test_path":         "t.py",
		"code_pr_id":        "PR2",
		"commit_sha":        "c2",
		"review_decision":   "approved",
		"deployment_url":    "https://staging/x",
		"validation_status": "passed",
	}, state.Artifacts)

	ev := f.waitEvent(t, event.WorkflowCompleted)
	require.Equal(t, created.ID, ev.Payload["task_id"])
}

func TestExecuteWorkflowPromotesToFailedAfterRetryBudget(t *testing.T) {
	f := newFixture(t)
	reviews := f.registerChimeraAgents(t, -1)
	created := f.createChimera(t)

	final, err := f.exec.ExecuteWorkflow(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, final.Status)
	require.Equal(t, string(workflow.PhaseFailed), final.CurrentPhase)
	require.NotEmpty(t, final.ErrorMessage)
	require.Contains(t, final.ErrorMessage, "review rejected")

	state, err := workflow.DecodeState(final.Workflow)
	require.NoError(t, err)
	require.Equal(t, state.MaxRetries, state.RetryCount)
	require.Equal(t, "review rejected", state.Artifacts["error_message"])

	// three loopback reviews plus the one promoted straight to failed
	require.Equal(t, int32(4), reviews.Load())

	ev := f.waitEvent(t, event.WorkflowFailed)
	require.Equal(t, created.ID, ev.Payload["task_id"])
}

func TestExecuteWorkflowMissingAgentIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	// Everything except the guardian.
	f.register(t, "e2e-tester-agent", agent.CapabilityTest,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			return map[string]any{"status": "success", "test_path": "t.py"}, nil
		})
	f.register(t, "coder-agent", agent.CapabilityCode,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			return map[string]any{"status": "success", "pr_id": "PR1"}, nil
		})
	created := f.createChimera(t)

	_, err := f.exec.ExecuteWorkflow(context.Background(), created.ID, 0)
	require.Error(t, err)
	require.Equal(t, errors.KindConfiguration, errors.Kindof(err))

	final, err := f.repo.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "guardian-agent")
}

// twoPhaseDefinition builds a minimal workflow for timeout and budget tests:
// one work phase feeding a second, both falling through to failed.
func twoPhaseDefinition(timeout time.Duration) *workflow.Definition {
	return &workflow.Definition{
		Name:    "two_phase",
		Initial: "first",
		Success: "done",
		Failure: "broken",
		Order:   []workflow.Phase{"first", "second", "done", "broken"},
		Phases: map[workflow.Phase]workflow.PhaseSpec{
			"first": {
				Agent: "first-agent", Action: "run",
				OnSuccess: "second", OnFailure: "broken",
				Timeout: timeout,
			},
			"second": {
				Agent: "second-agent", Action: "run",
				OnSuccess: "done", OnFailure: "broken",
				Timeout: timeout,
			},
			"done":   {Terminal: true},
			"broken": {Terminal: true, Capture: map[string]string{"error_message": "error"}},
		},
	}
}

func (f *fixture) createTwoPhaseTask(t *testing.T, def *workflow.Definition) *task.Task {
	t.Helper()
	require.NoError(t, f.exec.RegisterDefinition(def))
	created, err := f.repo.CreateTask(context.Background(), taskrepo.CreateTaskInput{
		Title:    "two phase",
		TaskType: def.Name,
		Workflow: workflow.NewState(def).Encode(),
	})
	require.NoError(t, err)
	return created
}

func TestExecuteWorkflowPhaseEventOrdering(t *testing.T) {
	f := newFixture(t)
	def := twoPhaseDefinition(time.Second)
	ok := func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"status": "success"}, nil
	}
	f.register(t, "first-agent", agent.CapabilityCustom, ok)
	f.register(t, "second-agent", agent.CapabilityCustom, ok)
	created := f.createTwoPhaseTask(t, def)

	_, err := f.exec.ExecuteWorkflow(context.Background(), created.ID, 0)
	require.NoError(t, err)

	// phase_entered follows the persisted transition into the phase;
	// phase_completed carries the edge taken; terminal phases are announced
	// only by workflow.completed.
	var got []string
	deadline := time.After(time.Second)
	for len(got) == 0 || got[len(got)-1] != "workflow.completed" {
		select {
		case ev := <-f.seen:
			switch ev.Type {
			case event.WorkflowPhaseEntered:
				got = append(got, "entered:"+ev.Payload["phase"].(string))
			case event.WorkflowPhaseCompleted:
				got = append(got, "completed:"+ev.Payload["phase"].(string)+">"+ev.Payload["next_phase"].(string))
			case event.WorkflowCompleted:
				got = append(got, "workflow.completed")
			}
		case <-deadline:
			t.Fatalf("workflow.completed not observed, got %v", got)
		}
	}
	require.Equal(t, []string{
		"entered:first",
		"completed:first>second",
		"entered:second",
		"completed:second>done",
		"workflow.completed",
	}, got)
}

func TestExecuteWorkflowPhaseTimeout(t *testing.T) {
	f := newFixture(t)
	def := twoPhaseDefinition(50 * time.Millisecond)
	f.register(t, "first-agent", agent.CapabilityCustom,
		func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	f.register(t, "second-agent", agent.CapabilityCustom,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			return map[string]any{"status": "success"}, nil
		})
	created := f.createTwoPhaseTask(t, def)

	final, err := f.exec.ExecuteWorkflow(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "timed out")
}

func TestExecuteWorkflowCancelledBetweenPhases(t *testing.T) {
	f := newFixture(t)
	def := twoPhaseDefinition(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	f.register(t, "first-agent", agent.CapabilityCustom,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			cancel()
			return map[string]any{"status": "success"}, nil
		})
	f.register(t, "second-agent", agent.CapabilityCustom,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			t.Error("second phase must not run after cancellation")
			return map[string]any{"status": "success"}, nil
		})
	created := f.createTwoPhaseTask(t, def)

	final, err := f.exec.ExecuteWorkflow(ctx, created.ID, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, final.Status)
}

func TestExecuteWorkflowIterationBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	def := twoPhaseDefinition(time.Second)
	f.register(t, "first-agent", agent.CapabilityCustom,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			return map[string]any{"status": "success"}, nil
		})
	f.register(t, "second-agent", agent.CapabilityCustom,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			return map[string]any{"status": "success"}, nil
		})
	created := f.createTwoPhaseTask(t, def)

	final, err := f.exec.ExecuteWorkflow(context.Background(), created.ID, 1)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "iteration budget")
}

func TestExecuteWorkflowAgentPanicIsPhaseFailure(t *testing.T) {
	f := newFixture(t)
	def := twoPhaseDefinition(time.Second)
	f.register(t, "first-agent", agent.CapabilityCustom,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			panic("agent exploded")
		})
	f.register(t, "second-agent", agent.CapabilityCustom,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			return map[string]any{"status": "success"}, nil
		})
	created := f.createTwoPhaseTask(t, def)

	final, err := f.exec.ExecuteWorkflow(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "panicked")
}

func TestExecuteWorkflowIdempotentOnTerminalTask(t *testing.T) {
	f := newFixture(t)
	f.registerChimeraAgents(t, 0)
	created := f.createChimera(t)

	first, err := f.exec.ExecuteWorkflow(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, first.Status)

	again, err := f.exec.ExecuteWorkflow(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, again.Status)
}

func TestExecuteWorkflowRejectsPlainTask(t *testing.T) {
	f := newFixture(t)
	created, err := f.repo.CreateTask(context.Background(), taskrepo.CreateTaskInput{
		Title: "plain", TaskType: "code",
	})
	require.NoError(t, err)

	_, err = f.exec.ExecuteWorkflow(context.Background(), created.ID, 0)
	require.True(t, errors.IsValidation(err))
}

func TestRegisterDefinition(t *testing.T) {
	f := newFixture(t)

	require.True(t, errors.IsValidation(f.exec.RegisterDefinition(nil)))
	require.True(t, errors.IsValidation(f.exec.RegisterDefinition(&workflow.Definition{Name: ""})))

	def := twoPhaseDefinition(time.Second)
	require.NoError(t, f.exec.RegisterDefinition(def))
	require.True(t, errors.IsConflict(f.exec.RegisterDefinition(twoPhaseDefinition(time.Second))))

	got, err := f.exec.Definition("two_phase")
	require.NoError(t, err)
	require.Equal(t, def.Name, got.Name)

	_, err = f.exec.Definition("nope")
	require.Equal(t, errors.KindConfiguration, errors.Kindof(err))
}
