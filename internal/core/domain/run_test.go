package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)

func newTestReport() *DeployReport {
	target := RemoteTarget{Host: "10.0.0.5", User: "deploy", BasePath: "/srv/app"}
	artifact, _ := NewReleaseArtifact("build/docker-compose.yml", target)
	return NewDeployReport(target, artifact, testNow)
}

// =============================================================================
// Transition Table Tests
// =============================================================================

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to RunState
		valid    bool
	}{
		{StateIdle, StatePreflight, true},
		{StatePreflight, StateProvisioning, true},
		{StatePreflight, StateFatal, true},
		{StateProvisioning, StateTransferring, true},
		{StateProvisioning, StateFatal, true},
		{StateTransferring, StateActivating, true},
		{StateTransferring, StateFatal, true},
		{StateActivating, StateSuccess, true},
		{StateActivating, StateRollingBack, true},
		{StateRollingBack, StateFatal, true},

		// Rollback is only reachable from activation
		{StatePreflight, StateRollingBack, false},
		{StateProvisioning, StateRollingBack, false},
		{StateTransferring, StateRollingBack, false},
		// Rollback never succeeds the run
		{StateRollingBack, StateSuccess, false},
		// No skipping stages
		{StateIdle, StateActivating, false},
		{StatePreflight, StateTransferring, false},
		// Terminal states
		{StateSuccess, StatePreflight, false},
		{StateFatal, StatePreflight, false},
		{RunState("bogus"), StatePreflight, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestRunState_Terminal(t *testing.T) {
	assert.True(t, StateSuccess.Terminal())
	assert.True(t, StateFatal.Terminal())
	assert.False(t, StateRollingBack.Terminal())
	assert.False(t, StateIdle.Terminal())
}

// =============================================================================
// Report Tests
// =============================================================================

func TestNewDeployReport(t *testing.T) {
	r := newTestReport()

	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, StateIdle, r.State)
	assert.Equal(t, OutcomePending, r.Outcome)
	assert.Equal(t, "/srv/app/docker-compose.yml", r.Artifact.DestPath)
	assert.Nil(t, r.FinishedAt)
}

func TestDeployReport_HappyPath(t *testing.T) {
	r := newTestReport()

	for _, s := range []RunState{StatePreflight, StateProvisioning, StateTransferring, StateActivating, StateSuccess} {
		_, err := r.Transition(s, testNow)
		require.NoError(t, err)
	}

	assert.Equal(t, OutcomeSuccess, r.Outcome)
	assert.True(t, r.Succeeded())
	require.NotNil(t, r.FinishedAt)
	assert.Len(t, r.Transitions, 5)
	assert.Equal(t, StateIdle, r.Transitions[0].From)
	assert.Equal(t, StateSuccess, r.Transitions[4].To)
}

func TestDeployReport_TransitionRejected(t *testing.T) {
	r := newTestReport()

	_, err := r.Transition(StateActivating, testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateIdle, r.State)
	assert.Empty(t, r.Transitions)
}

func TestDeployReport_FailDuringPreflight(t *testing.T) {
	r := newTestReport()
	_, err := r.Transition(StatePreflight, testNow)
	require.NoError(t, err)

	cause := errors.New("dial tcp: i/o timeout")
	_, err = r.Fail(ReasonUnreachableTarget, cause, testNow.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, StateFatal, r.State)
	assert.Equal(t, OutcomeFatal, r.Outcome)
	assert.Equal(t, StatePreflight, r.FailedStage)
	assert.ErrorIs(t, r.Err, ErrUnreachableTarget)
	assert.ErrorIs(t, r.Err, cause)
	assert.Equal(t, time.Second, r.Duration())
}

func TestDeployReport_FailAfterRollbackBlamesActivation(t *testing.T) {
	r := newTestReport()
	for _, s := range []RunState{StatePreflight, StateProvisioning, StateTransferring, StateActivating, StateRollingBack} {
		_, err := r.Transition(s, testNow)
		require.NoError(t, err)
	}
	assert.Equal(t, OutcomeRolledBack, r.Outcome)

	_, err := r.Fail(ReasonActivationFailed, nil, testNow)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFatal, r.Outcome)
	assert.Equal(t, StateActivating, r.FailedStage)
	assert.ErrorIs(t, r.Err, ErrActivationFailed)
}

// =============================================================================
// Error Tests
// =============================================================================

func TestStageError_Message(t *testing.T) {
	err := NewStageError(StateProvisioning, ReasonProvisioningError, errors.New("permission denied"))
	assert.Equal(t, "provisioning: provisioning_error: permission denied", err.Error())

	bare := NewStageError(StateActivating, ReasonActivationFailed, nil)
	assert.Equal(t, "activating: activation_failed", bare.Error())
}

func TestPublishError(t *testing.T) {
	cause := errors.New("denied: requested access to the resource is denied")
	err := NewPublishError(StepPush, cause)

	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "publish push")

	var pe *PublishError
	require.True(t, errors.As(error(err), &pe))
	assert.Equal(t, StepPush, pe.Step)
}
