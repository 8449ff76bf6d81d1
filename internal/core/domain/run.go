package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run State
// =============================================================================

type RunState string

const (
	StateIdle         RunState = "idle"
	StatePreflight    RunState = "preflight"
	StateProvisioning RunState = "provisioning"
	StateTransferring RunState = "transferring"
	StateActivating   RunState = "activating"
	StateRollingBack  RunState = "rolling_back"
	StateSuccess      RunState = "success"
	StateFatal        RunState = "fatal"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == StateSuccess || s == StateFatal
}

// =============================================================================
// Deploy Outcome
// =============================================================================

type DeployOutcome string

const (
	OutcomePending    DeployOutcome = ""
	OutcomeSuccess    DeployOutcome = "success"
	OutcomeRolledBack DeployOutcome = "rolled_back"
	OutcomeFatal      DeployOutcome = "fatal"
)

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed run state transitions. Every stage
// before activation fails straight to fatal; only activation can roll back.
var validTransitions = map[RunState][]RunState{
	StateIdle:         {StatePreflight},
	StatePreflight:    {StateProvisioning, StateFatal},
	StateProvisioning: {StateTransferring, StateFatal},
	StateTransferring: {StateActivating, StateFatal},
	StateActivating:   {StateSuccess, StateRollingBack, StateFatal},
	StateRollingBack:  {StateFatal},
	StateSuccess:      {},
	StateFatal:        {},
}

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to RunState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Transition is one recorded state change.
type Transition struct {
	From RunState  `json:"from" yaml:"from"`
	To   RunState  `json:"to" yaml:"to"`
	At   time.Time `json:"at" yaml:"at"`
}

// =============================================================================
// Deploy Report
// =============================================================================

// DeployReport is the record of one deploy run. It is mutated only through
// Transition and Fail, and is final once State is terminal.
type DeployReport struct {
	RunID    string          `json:"run_id" yaml:"run_id"`
	Target   RemoteTarget    `json:"target" yaml:"target"`
	Artifact ReleaseArtifact `json:"artifact" yaml:"artifact"`
	State    RunState        `json:"state" yaml:"state"`
	Outcome  DeployOutcome   `json:"outcome" yaml:"outcome"`
	Reason   FailureReason   `json:"reason,omitempty" yaml:"reason,omitempty"`

	// FailedStage is the state the run was in when it failed.
	FailedStage RunState `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Err         error    `json:"-" yaml:"-"`

	RollbackAttempted bool `json:"rollback_attempted" yaml:"rollback_attempted"`
	RollbackSucceeded bool `json:"rollback_succeeded" yaml:"rollback_succeeded"`
	RestoredPrevious  bool `json:"restored_previous" yaml:"restored_previous"`

	Images      []string     `json:"images,omitempty" yaml:"images,omitempty"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
	StartedAt   time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// NewDeployReport creates an idle report for one run.
func NewDeployReport(target RemoteTarget, artifact ReleaseArtifact, now time.Time) *DeployReport {
	return &DeployReport{
		RunID:     uuid.New().String(),
		Target:    target,
		Artifact:  artifact,
		State:     StateIdle,
		StartedAt: now.UTC(),
	}
}

// Transition moves the run to a new state and records it.
func (r *DeployReport) Transition(to RunState, now time.Time) (Transition, error) {
	if err := ValidateTransition(r.State, to); err != nil {
		return Transition{}, err
	}
	t := Transition{From: r.State, To: to, At: now.UTC()}
	r.State = to
	r.Transitions = append(r.Transitions, t)

	switch to {
	case StateSuccess:
		r.Outcome = OutcomeSuccess
		r.finish(now)
	case StateRollingBack:
		r.Outcome = OutcomeRolledBack
	case StateFatal:
		r.Outcome = OutcomeFatal
		r.finish(now)
	}
	return t, nil
}

// Fail records the failure cause and moves the run to fatal. The stage
// recorded is the one the run was in when the failure was observed, except
// for a rollback, where the activation is what failed.
func (r *DeployReport) Fail(reason FailureReason, cause error, now time.Time) (Transition, error) {
	stage := r.State
	if stage == StateRollingBack {
		stage = StateActivating
	}
	r.Reason = reason
	r.FailedStage = stage
	r.Err = NewStageError(stage, reason, cause)
	return r.Transition(StateFatal, now)
}

// Succeeded reports whether the run ended in success.
func (r *DeployReport) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Duration returns the wall time of a finished run.
func (r *DeployReport) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *DeployReport) finish(now time.Time) {
	t := now.UTC()
	r.FinishedAt = &t
}
