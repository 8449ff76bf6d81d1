package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Failure Taxonomy
// =============================================================================

var (
	ErrUnreachableTarget = errors.New("remote target unreachable")
	ErrProvisioning      = errors.New("remote provisioning failed")
	ErrTransfer          = errors.New("artifact transfer failed")
	ErrActivationFailed  = errors.New("activation failed")
	ErrPublish           = errors.New("image publish failed")

	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrInvalidReference  = errors.New("invalid image reference")
	ErrInvalidTarget     = errors.New("invalid remote target")
	ErrInvalidArtifact   = errors.New("invalid release artifact")
)

// FailureReason classifies a fatal deploy outcome.
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonUnreachableTarget FailureReason = "unreachable_target"
	ReasonProvisioningError FailureReason = "provisioning_error"
	ReasonTransferError     FailureReason = "transfer_error"
	ReasonActivationFailed  FailureReason = "activation_failed"
)

// Sentinel returns the package sentinel matching the reason.
func (r FailureReason) Sentinel() error {
	switch r {
	case ReasonUnreachableTarget:
		return ErrUnreachableTarget
	case ReasonProvisioningError:
		return ErrProvisioning
	case ReasonTransferError:
		return ErrTransfer
	case ReasonActivationFailed:
		return ErrActivationFailed
	default:
		return nil
	}
}

// StageError is the terminal error of a deploy run. It names the state the
// run was in when it failed and wraps both the reason sentinel and the cause.
type StageError struct {
	Stage  RunState
	Reason FailureReason
	Err    error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Reason, e.Err)
}

// Unwrap exposes both the reason sentinel and the underlying cause so that
// errors.Is works against either.
func (e *StageError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Reason.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewStageError creates a new StageError.
func NewStageError(stage RunState, reason FailureReason, err error) *StageError {
	return &StageError{Stage: stage, Reason: reason, Err: err}
}

// =============================================================================
// Publish Errors
// =============================================================================

// PublishStep names a step of the image publish sequence.
type PublishStep string

const (
	StepAuthenticate PublishStep = "authenticate"
	StepBuild        PublishStep = "build"
	StepPush         PublishStep = "push"
	StepCleanup      PublishStep = "cleanup"
)

// PublishError reports the step at which a publish aborted.
type PublishError struct {
	Step PublishStep
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Step, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{ErrPublish, e.Err}
}

// NewPublishError creates a new PublishError.
func NewPublishError(step PublishStep, err error) *PublishError {
	return &PublishError{Step: step, Err: err}
}
