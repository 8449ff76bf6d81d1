// Package deployer drives one release artifact onto one remote target:
// preflight, provisioning, transfer, activation and, when activation fails,
// a single rollback.
package deployer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/artpar/shipit/internal/core/command"
	"github.com/artpar/shipit/internal/core/compose"
	"github.com/artpar/shipit/internal/core/domain"
	"github.com/artpar/shipit/internal/shell/remote"
)

// Transferer copies a local file to the target and verifies it there.
type Transferer interface {
	Transfer(ctx context.Context, sourcePath, destPath string) error
}

// Observer is told about every state change of a run. Errors are logged
// and do not affect the run.
type Observer interface {
	OnTransition(ctx context.Context, report *domain.DeployReport, t domain.Transition) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, report *domain.DeployReport, t domain.Transition) error

func (f ObserverFunc) OnTransition(ctx context.Context, report *domain.DeployReport, t domain.Transition) error {
	return f(ctx, report, t)
}

// Config configures the controller.
type Config struct {
	// ProbeTimeout bounds the preflight connectivity probe.
	// Default: 5 seconds.
	ProbeTimeout time.Duration

	// CommandTimeout bounds provisioning and promotion commands. Activation
	// and rollback are never bounded. Zero means unbounded.
	CommandTimeout time.Duration

	Compose command.Compose

	// StagedManifest uploads to a staging path and promotes it just before
	// activation, keeping the previous manifest for rollback.
	StagedManifest bool

	// ValidateManifest parses the artifact locally before any bytes are copied.
	ValidateManifest bool

	// ManifestEnv is used for ${VAR} interpolation during validation.
	ManifestEnv map[string]string

	// ExpectImage, when set, logs a warning if the manifest does not
	// reference its repository.
	ExpectImage *domain.ImageReference

	Observers []Observer

	// Now is the run clock. Default: time.Now.
	Now func() time.Time
}

// DefaultProbeTimeout is the preflight probe budget.
const DefaultProbeTimeout = 5 * time.Second

// Controller implements the DEPLOY stage for one target.
type Controller struct {
	runner     remote.Runner
	transferer Transferer
	target     domain.RemoteTarget
	config     Config
	logger     *slog.Logger
}

// NewController creates a controller that reaches target only through
// runner and transferer.
func NewController(runner remote.Runner, transferer Transferer, target domain.RemoteTarget, config Config, logger *slog.Logger) *Controller {
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		runner:     runner,
		transferer: transferer,
		target:     target,
		config:     config,
		logger:     logger.With("component", "deployer", "target", target.String()),
	}
}

// Run creates a report for artifact and executes it.
func (c *Controller) Run(ctx context.Context, artifact domain.ReleaseArtifact) (*domain.DeployReport, error) {
	report := domain.NewDeployReport(c.target, artifact, c.config.Now())
	return report, c.Execute(ctx, report)
}

// Execute drives an idle report to a terminal state. The returned error is
// report.Err: nil on success, a *domain.StageError otherwise.
func (c *Controller) Execute(ctx context.Context, report *domain.DeployReport) error {
	if report.State != domain.StateIdle {
		return fmt.Errorf("%w: run %s is %s", domain.ErrInvalidTransition, report.RunID, report.State)
	}
	log := c.logger.With("run_id", report.RunID, "artifact", report.Artifact.DestPath)
	log.Info("deploy run started", "staged", c.config.StagedManifest)

	c.execute(ctx, report, log)

	if report.Succeeded() {
		log.Info("deploy run succeeded", "duration", report.Duration())
		return nil
	}
	log.Error("deploy run failed",
		"reason", report.Reason,
		"failed_stage", report.FailedStage,
		"rollback_attempted", report.RollbackAttempted,
		"rollback_succeeded", report.RollbackSucceeded,
		"error", report.Err,
	)
	return report.Err
}

func (c *Controller) execute(ctx context.Context, report *domain.DeployReport, log *slog.Logger) {
	artifact := report.Artifact

	// Preflight: nothing on the host has been touched yet.
	c.transition(ctx, report, domain.StatePreflight)
	if _, err := c.runner.Execute(ctx, command.Probe, remote.ExecOptions{
		ConnectTimeout: c.config.ProbeTimeout,
		CommandTimeout: c.config.ProbeTimeout,
	}); err != nil {
		c.fail(ctx, report, domain.ReasonUnreachableTarget, err)
		return
	}

	c.transition(ctx, report, domain.StateProvisioning)
	if _, err := c.runner.Execute(ctx, command.EnsureDir(c.target.BasePath), remote.ExecOptions{
		CommandTimeout: c.config.CommandTimeout,
	}); err != nil {
		c.fail(ctx, report, domain.ReasonProvisioningError, err)
		return
	}

	c.transition(ctx, report, domain.StateTransferring)
	if c.config.ValidateManifest {
		images, err := c.validate(artifact.SourcePath)
		if err != nil {
			c.fail(ctx, report, domain.ReasonTransferError, err)
			return
		}
		report.Images = images
		log.Info("manifest validated", "images", images)
	}

	dest := artifact.DestPath
	if c.config.StagedManifest {
		dest = artifact.StagingPath()
	}
	if err := c.transferer.Transfer(ctx, artifact.SourcePath, dest); err != nil {
		c.fail(ctx, report, domain.ReasonTransferError, err)
		return
	}
	if c.config.StagedManifest {
		if _, err := c.runner.Execute(ctx, command.Promote(artifact), remote.ExecOptions{
			CommandTimeout: c.config.CommandTimeout,
		}); err != nil {
			c.fail(ctx, report, domain.ReasonTransferError, fmt.Errorf("promote staged manifest: %w", err))
			return
		}
	}

	// Once dispatched the activation cannot be aborted; only its exit
	// status is observed.
	activeCtx := context.WithoutCancel(ctx)

	c.transition(ctx, report, domain.StateActivating)
	_, activationErr := c.runner.Execute(activeCtx, c.config.Compose.Activate(artifact.DestPath), remote.ExecOptions{})
	if activationErr == nil {
		c.transition(ctx, report, domain.StateSuccess)
		return
	}
	log.Warn("activation failed, rolling back", "error", activationErr)

	c.transition(ctx, report, domain.StateRollingBack)
	rollback := c.config.Compose.Rollback(artifact.DestPath)
	if c.config.StagedManifest {
		rollback = c.config.Compose.RollbackRestoring(artifact)
	}
	report.RollbackAttempted = true
	res, rollbackErr := c.runner.Execute(activeCtx, rollback, remote.ExecOptions{})
	report.RollbackSucceeded = rollbackErr == nil
	report.RestoredPrevious = strings.Contains(res.Stdout, command.RestoredMarker)
	if rollbackErr != nil {
		log.Error("rollback command failed", "error", rollbackErr)
	} else {
		log.Info("rollback command succeeded", "restored_previous", report.RestoredPrevious)
	}

	c.fail(ctx, report, domain.ReasonActivationFailed, activationErr)
}

// validate parses the local manifest and returns the images it references.
func (c *Controller) validate(sourcePath string) ([]string, error) {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := compose.ParseManifest(string(content), c.config.ManifestEnv)
	if err != nil {
		return nil, err
	}
	if c.config.ExpectImage != nil && !manifest.ReferencesRepository(*c.config.ExpectImage) {
		c.logger.Warn("manifest does not reference the published image", "image", c.config.ExpectImage.Name())
	}
	return manifest.Images(), nil
}

// =============================================================================
// State Bookkeeping
// =============================================================================

func (c *Controller) transition(ctx context.Context, report *domain.DeployReport, to domain.RunState) {
	t, err := report.Transition(to, c.config.Now())
	if err != nil {
		// The controller only walks edges of the transition table.
		panic(fmt.Sprintf("deployer: %s -> %s: %v", report.State, to, err))
	}
	c.notify(ctx, report, t)
}

func (c *Controller) fail(ctx context.Context, report *domain.DeployReport, reason domain.FailureReason, cause error) {
	t, err := report.Fail(reason, cause, c.config.Now())
	if err != nil {
		panic(fmt.Sprintf("deployer: %s -> fatal: %v", report.State, err))
	}
	c.notify(ctx, report, t)
}

func (c *Controller) notify(ctx context.Context, report *domain.DeployReport, t domain.Transition) {
	c.logger.Debug("run state changed", "run_id", report.RunID, "from", t.From, "to", t.To)

	// Observers record the run even when the caller's context is done.
	ctx = context.WithoutCancel(ctx)
	for _, o := range c.config.Observers {
		if err := o.OnTransition(ctx, report, t); err != nil {
			c.logger.Warn("run observer failed", "run_id", report.RunID, "to", t.To, "error", err)
		}
	}
}
