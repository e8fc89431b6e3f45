package workflow

import "time"

// Chimera phase names. The loop is generate-test → implement → review →
// deploy → validate, with review and validation failures looping back to
// implementation.
const (
	PhaseTestGeneration Phase = "e2e_test_generation"
	PhaseImplementation Phase = "code_implementation"
	PhaseGuardianReview Phase = "guardian_review"
	PhaseStagingDeploy  Phase = "staging_deployment"
	PhaseValidation     Phase = "e2e_validation"
	PhaseComplete       Phase = "complete"
	PhaseFailed         Phase = "failed"
)

// ChimeraName is the task_type and definition name of the reference workflow.
const ChimeraName = "chimera_workflow"

// Chimera returns the reference TDD workflow definition.
func Chimera() *Definition {
	return &Definition{
		Name:    ChimeraName,
		Initial: PhaseTestGeneration,
		Success: PhaseComplete,
		Failure: PhaseFailed,
		Order: []Phase{
			PhaseTestGeneration,
			PhaseImplementation,
			PhaseGuardianReview,
			PhaseStagingDeploy,
			PhaseValidation,
			PhaseComplete,
			PhaseFailed,
		},
		Phases: map[Phase]PhaseSpec{
			PhaseTestGeneration: {
				Agent:     "e2e-tester-agent",
				Action:    "generate_test",
				OnSuccess: PhaseImplementation,
				OnFailure: PhaseFailed,
				Timeout:   300 * time.Second,
			},
			PhaseImplementation: {
				Agent:     "coder-agent",
				Action:    "implement_feature",
				OnSuccess: PhaseGuardianReview,
				OnFailure: PhaseFailed,
				Timeout:   1800 * time.Second,
				Capture:   map[string]string{"test_path": "test_path"},
			},
			PhaseGuardianReview: {
				Agent:     "guardian-agent",
				Action:    "review_pr",
				OnSuccess: PhaseStagingDeploy,
				OnFailure: PhaseImplementation,
				Timeout:   600 * time.Second,
				Capture:   map[string]string{"code_pr_id": "pr_id", "commit_sha": "commit_sha"},
			},
			PhaseStagingDeploy: {
				Agent:     "deployment-agent",
				Action:    "deploy_to_staging",
				OnSuccess: PhaseValidation,
				OnFailure: PhaseFailed,
				Timeout:   900 * time.Second,
				Capture:   map[string]string{"review_decision": "decision"},
			},
			PhaseValidation: {
				Agent:     "e2e-tester-agent",
				Action:    "execute_test",
				OnSuccess: PhaseComplete,
				OnFailure: PhaseImplementation,
				Timeout:   600 * time.Second,
				Capture:   map[string]string{"deployment_url": "staging_url"},
			},
			PhaseComplete: {
				Terminal: true,
				Capture:  map[string]string{"validation_status": "status"},
			},
			PhaseFailed: {
				Terminal: true,
				Capture:  map[string]string{"error_message": "error"},
			},
		},
	}
}
