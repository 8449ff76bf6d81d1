// Package publisher builds a release image, tags it with a stable and a
// time-derived tag, pushes both and removes the local copies.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/shipit/internal/core/domain"
	"github.com/artpar/shipit/internal/shell/docker"
	"github.com/artpar/shipit/internal/shell/secrets"
)

// ErrMissingPassword is returned by New when a username has no password.
var ErrMissingPassword = errors.New("registry password is required when a username is set")

// ImageClient is the part of the Docker client the publisher drives.
type ImageClient interface {
	Login(ctx context.Context, auth docker.RegistryAuth) error
	Logout(serverAddress string) error
	BuildImage(ctx context.Context, opts docker.BuildOptions) (string, error)
	PushImage(ctx context.Context, ref string, onOutput docker.OutputCallback) error
	RemoveImage(ctx context.Context, ref string) error
}

// Config configures the publisher.
type Config struct {
	Registry   string
	Repository string

	// StableTag is the mutable channel tag. Default: latest.
	StableTag string

	// Username and Password authenticate against Registry. An empty
	// Username skips the login step.
	Username string
	Password secrets.Secret

	// StrictCleanup turns a failed local image removal after an otherwise
	// successful publish into a PublishError.
	StrictCleanup bool

	// Now is the build clock. Default: time.Now.
	Now func() time.Time
}

// Request is one build of one image.
type Request struct {
	ContextDir string
	Dockerfile string
	BuildArgs  map[string]string
	Labels     map[string]string
}

// Publisher implements the BUILD stage.
type Publisher struct {
	images ImageClient
	config Config
	stable domain.ImageReference
	logger *slog.Logger
}

// New creates a Publisher. The registry, repository and stable tag are
// validated up front.
func New(images ImageClient, config Config, logger *slog.Logger) (*Publisher, error) {
	if config.StableTag == "" {
		config.StableTag = domain.DefaultStableTag
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	stable, err := domain.NewImageReference(config.Registry, config.Repository, config.StableTag)
	if err != nil {
		return nil, err
	}
	if config.Username != "" && config.Password.IsZero() {
		return nil, fmt.Errorf("user %q: %w", config.Username, ErrMissingPassword)
	}

	return &Publisher{
		images: images,
		config: config,
		stable: stable,
		logger: logger.With("component", "publisher", "image", stable.Name()),
	}, nil
}

// Publish runs authenticate, build, push, logout and cleanup. Any failure
// aborts the remaining steps with a *domain.PublishError naming the step.
// Logout runs whenever login succeeded; cleanup runs whenever the build did.
// Neither overrides an earlier error.
func (p *Publisher) Publish(ctx context.Context, req Request) (result domain.PublishResult, err error) {
	unique := p.stable.WithTag(domain.UniqueTag(p.config.Now()))
	result = domain.PublishResult{Stable: p.stable, Unique: unique}

	tags := result.Tags()
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.String()
	}

	var loggedIn, built bool
	defer func() {
		if loggedIn {
			p.logout()
		}
		if !built {
			return
		}
		cleanupErrs := p.cleanup(names)
		result.CleanupErrors = cleanupErrs
		if err == nil && p.config.StrictCleanup && len(cleanupErrs) > 0 {
			err = domain.NewPublishError(domain.StepCleanup, errors.Join(cleanupErrs...))
			result = domain.PublishResult{CleanupErrors: cleanupErrs}
		}
	}()

	if p.config.Username != "" {
		if err := p.images.Login(ctx, docker.RegistryAuth{
			ServerAddress: p.config.Registry,
			Username:      p.config.Username,
			Password:      p.config.Password.Reveal(),
		}); err != nil {
			return domain.PublishResult{}, domain.NewPublishError(domain.StepAuthenticate, err)
		}
		loggedIn = true
	} else {
		p.logger.Debug("no registry username configured, pushing anonymously")
	}

	p.logger.Info("building image", "tags", names, "context", req.ContextDir)
	imageID, err := p.images.BuildImage(ctx, docker.BuildOptions{
		ContextDir: req.ContextDir,
		Dockerfile: req.Dockerfile,
		Tags:       names,
		BuildArgs:  req.BuildArgs,
		Labels:     req.Labels,
		OnOutput:   p.progress("build"),
	})
	if err != nil {
		return domain.PublishResult{}, domain.NewPublishError(domain.StepBuild, err)
	}
	built = true

	// Unique first: a failed push never moves the stable tag.
	for _, name := range names {
		if err := p.images.PushImage(ctx, name, p.progress("push")); err != nil {
			return domain.PublishResult{}, domain.NewPublishError(domain.StepPush, err)
		}
		p.logger.Info("pushed image", "ref", name)
	}

	p.logger.Info("image published", "image_id", imageID, "stable", result.Stable.String(), "unique", result.Unique.String())
	return result, nil
}

func (p *Publisher) logout() {
	if err := p.images.Logout(p.config.Registry); err != nil {
		p.logger.Warn("registry logout failed", "error", err)
	}
}

// cleanup removes every local tag, continuing past failures.
func (p *Publisher) cleanup(names []string) []error {
	// The publish context may already be cancelled.
	ctx := context.Background()

	var errs []error
	for _, name := range names {
		if err := p.images.RemoveImage(ctx, name); err != nil {
			p.logger.Warn("failed to remove local image", "ref", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

func (p *Publisher) progress(step string) docker.OutputCallback {
	return func(line string) {
		p.logger.Debug(line, "step", step)
	}
}
