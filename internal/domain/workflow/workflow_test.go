package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChimeraDefinition(t *testing.T) {
	def := Chimera()
	require.NoError(t, def.Validate())

	assert.Equal(t, PhaseTestGeneration, def.Initial)
	assert.Equal(t, PhaseComplete, def.Success)
	assert.Equal(t, PhaseFailed, def.Failure)

	review := def.Phases[PhaseGuardianReview]
	assert.Equal(t, "guardian-agent", review.Agent)
	assert.Equal(t, "review_pr", review.Action)
	assert.Equal(t, PhaseStagingDeploy, review.OnSuccess)
	assert.Equal(t, PhaseImplementation, review.OnFailure)
	assert.Equal(t, 600*time.Second, review.Timeout)

	impl := def.Phases[PhaseImplementation]
	assert.Equal(t, 1800*time.Second, impl.Timeout)
	assert.Equal(t, PhaseFailed, impl.OnFailure)

	// Review failure loops back to an earlier phase.
	assert.Less(t, def.Index(review.OnFailure), def.Index(PhaseGuardianReview))
}

func TestValidateRejectsBrokenDefinitions(t *testing.T) {
	broken := Chimera()
	broken.Phases[PhaseGuardianReview] = PhaseSpec{
		Agent: "guardian-agent", Action: "review_pr",
		OnSuccess: "nowhere", OnFailure: PhaseImplementation,
		Timeout: time.Minute,
	}
	require.Error(t, broken.Validate())

	broken = Chimera()
	delete(broken.Phases, PhaseComplete)
	broken.Order = broken.Order[:len(broken.Order)-2]
	broken.Order = append(broken.Order, PhaseFailed)
	require.Error(t, broken.Validate())

	broken = Chimera()
	spec := broken.Phases[PhaseTestGeneration]
	spec.Timeout = 0
	broken.Phases[PhaseTestGeneration] = spec
	require.Error(t, broken.Validate())
}

func TestStateRoundTrip(t *testing.T) {
	def := Chimera()
	state := NewState(def)
	state.CurrentPhase = PhaseGuardianReview
	state.RetryCount = 2
	state.Artifacts["test_path"] = "t.py"
	state.Artifacts["code_pr_id"] = "PR1"

	embedded := state.Encode()
	require.NotNil(t, embedded)

	decoded, err := DecodeState(embedded)
	require.NoError(t, err)
	assert.Equal(t, ChimeraName, decoded.Definition)
	assert.Equal(t, PhaseGuardianReview, decoded.CurrentPhase)
	assert.Equal(t, 2, decoded.RetryCount)
	assert.Equal(t, "t.py", decoded.Artifact("test_path"))
	assert.Equal(t, "PR1", decoded.Artifact("code_pr_id"))
}

func TestDecodeStateNil(t *testing.T) {
	_, err := DecodeState(nil)
	require.Error(t, err)
}

func TestSucceeded(t *testing.T) {
	assert.True(t, Succeeded(map[string]any{"status": "success"}))
	assert.True(t, Succeeded(map[string]any{"status": "passed"}))
	assert.False(t, Succeeded(map[string]any{"status": "error"}))
	assert.False(t, Succeeded(map[string]any{}))
	assert.False(t, Succeeded(nil))
}

const sampleYAML = `
name: review_loop
initial: review
success: done
failure: failed
order: [review, fix, done, failed]
phases:
  review:
    agent: guardian-agent
    action: review_pr
    on_success: done
    on_failure: fix
    timeout: 10m
  fix:
    agent: coder-agent
    action: implement_feature
    on_success: review
    on_failure: failed
    timeout: 30m
    capture:
      review_decision: decision
  done:
    terminal: true
  failed:
    terminal: true
`

func TestLoadDefinition(t *testing.T) {
	def, err := LoadDefinition([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "review_loop", def.Name)
	assert.Equal(t, Phase("review"), def.Initial)
	assert.Equal(t, 10*time.Minute, def.Phases["review"].Timeout)
	assert.Equal(t, "decision", def.Phases["fix"].Capture["review_decision"])
	assert.True(t, def.Phases["done"].Terminal)
}

func TestLoadDefinitionBadTimeout(t *testing.T) {
	doc := []byte(`
name: x
initial: a
success: done
failure: failed
order: [a, done, failed]
phases:
  a: {agent: g, action: act, on_success: done, on_failure: failed, timeout: soon}
  done: {terminal: true}
  failed: {terminal: true}
`)
	_, err := LoadDefinition(doc)
	require.Error(t, err)
}
