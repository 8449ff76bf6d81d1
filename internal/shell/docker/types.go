// Package docker builds, pushes and removes images through the Docker Engine API.
package docker

import (
	"context"
)

// =============================================================================
// Registry Types
// =============================================================================

// RegistryAuth holds credentials for one registry.
type RegistryAuth struct {
	ServerAddress string
	Username      string
	Password      string
}

// =============================================================================
// Build Types
// =============================================================================

// BuildOptions describes one image build.
type BuildOptions struct {
	ContextDir string            // Directory sent as the build context
	Dockerfile string            // Relative to ContextDir. Default: Dockerfile
	Tags       []string          // Every tag applied to the built image
	BuildArgs  map[string]string // --build-arg values
	Labels     map[string]string

	// OnOutput receives rendered build progress lines.
	OnOutput OutputCallback
}

// OutputCallback is invoked with incremental build or push messages.
type OutputCallback func(string)

// =============================================================================
// Client Interface
// =============================================================================

// Client is the image-side subset of the Docker Engine API the publisher needs.
type Client interface {
	// Login verifies credentials against the registry and keeps them for
	// subsequent pushes.
	Login(ctx context.Context, auth RegistryAuth) error

	// Logout forgets the credentials for serverAddress. It never contacts
	// the registry.
	Logout(serverAddress string) error

	// BuildImage builds an image and applies every tag in opts.Tags.
	BuildImage(ctx context.Context, opts BuildOptions) (string, error)

	// PushImage pushes ref using the credentials stored by Login for its registry.
	PushImage(ctx context.Context, ref string, onOutput OutputCallback) error

	// RemoveImage removes a local tag. A missing image is not an error.
	RemoveImage(ctx context.Context, ref string) error

	Ping(ctx context.Context) error
	Close() error
}
