package orchestrator

import (
	"context"

	"chimera/internal/domain/task"
	"chimera/internal/domain/workflow"
	"chimera/internal/errors"
	"chimera/internal/taskrepo"
)

// ChimeraInput carries the parameters for a Chimera TDD workflow task.
type ChimeraInput struct {
	FeatureDescription string
	TargetURL          string
	StagingURL         string
	Priority           int
}

// CreateChimeraTask creates a queued workflow container task pre-loaded with
// the Chimera definition at its initial phase. The task is not executed;
// callers hand it to ExecuteWorkflow (or a background runner) afterwards.
func (x *Executor) CreateChimeraTask(ctx context.Context, in ChimeraInput) (*task.Task, error) {
	const op = "orchestrator.CreateChimeraTask"
	if in.FeatureDescription == "" {
		return nil, errors.E(errors.KindValidation, op, "feature_description is required")
	}
	if in.TargetURL == "" {
		return nil, errors.E(errors.KindValidation, op, "target_url is required")
	}

	def, err := x.Definition(workflow.ChimeraName)
	if err != nil {
		return nil, err
	}
	state := workflow.NewState(def)

	payload := map[string]any{
		"feature_description": in.FeatureDescription,
		"target_url":          in.TargetURL,
	}
	if in.StagingURL != "" {
		payload["staging_url"] = in.StagingURL
	}

	return x.repo.CreateTask(ctx, taskrepo.CreateTaskInput{
		Title:    "Chimera: " + in.FeatureDescription,
		TaskType: workflow.ChimeraName,
		Priority: in.Priority,
		Payload:  payload,
		Workflow: state.Encode(),
	})
}
