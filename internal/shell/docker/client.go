package docker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/artpar/shipit/internal/core/domain"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli    *client.Client
	logger *slog.Logger

	mu    sync.Mutex        // Protects auths
	auths map[string]string // registry domain -> encoded auth header
}

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it falls back to the per-user socket.
func NewDockerClient(host string, logger *slog.Logger) (*DockerClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "docker")

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", err.Error(), ErrConnectionFailed)
	}

	d := &DockerClient{cli: cli, logger: logger, auths: make(map[string]string)}

	if host == "" {
		ctx := context.Background()
		if _, pingErr := cli.Ping(ctx); pingErr != nil {
			homeDir, _ := os.UserHomeDir()
			desktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

			cli2, err2 := client.NewClientWithOpts(client.WithHost(desktopSocket), client.WithAPIVersionNegotiation())
			if err2 == nil {
				if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
					cli.Close()
					d.cli = cli2
					logger.Debug("using docker desktop socket", "host", desktopSocket)
					return d, nil
				}
				cli2.Close()
			}
		}
	}

	return d, nil
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Registry Session
// =============================================================================

// registryKey maps a registry address, or an image reference, onto the key
// credentials are stored under. Docker Hub aliases collapse to docker.io.
func registryKey(addr string) string {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "https://"), "http://")
	addr = strings.TrimSuffix(addr, "/")
	switch addr {
	case "", "index.docker.io", "registry-1.docker.io", "index.docker.io/v1":
		return "docker.io"
	}
	return addr
}

// registryOf returns the registry key an image reference pushes to.
func registryOf(ref string) (string, error) {
	parsed, err := domain.ParseImageReference(ref)
	if err != nil {
		return "", err
	}
	return registryKey(parsed.Registry), nil
}

// Login verifies auth with the daemon and keeps the encoded credentials.
func (d *DockerClient) Login(ctx context.Context, auth RegistryAuth) error {
	cfg := registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	}
	if _, err := d.cli.RegistryLogin(ctx, cfg); err != nil {
		return NewDockerError("Login", auth.ServerAddress, err.Error(), ErrAuthFailed)
	}

	encoded, err := registry.EncodeAuthConfig(cfg)
	if err != nil {
		return NewDockerError("Login", auth.ServerAddress, "encode credentials", err)
	}

	d.mu.Lock()
	d.auths[registryKey(auth.ServerAddress)] = encoded
	d.mu.Unlock()

	d.logger.Info("registry login succeeded", "registry", auth.ServerAddress, "user", auth.Username)
	return nil
}

// Logout drops the stored credentials. The Engine API keeps no session, so
// nothing is sent to the registry.
func (d *DockerClient) Logout(serverAddress string) error {
	d.mu.Lock()
	delete(d.auths, registryKey(serverAddress))
	d.mu.Unlock()
	return nil
}

func (d *DockerClient) authFor(ref string) string {
	key, err := registryOf(ref)
	if err != nil {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.auths[key]
}

// =============================================================================
// Image Operations
// =============================================================================

// BuildImage builds opts.ContextDir and tags the result with every opts.Tags
// entry. It returns the built image ID when the daemon reports one.
func (d *DockerClient) BuildImage(ctx context.Context, opts BuildOptions) (string, error) {
	if strings.TrimSpace(opts.ContextDir) == "" {
		return "", NewDockerError("BuildImage", "", "build context cannot be empty", ErrInvalidBuild)
	}
	if len(opts.Tags) == 0 {
		return "", NewDockerError("BuildImage", "", "at least one tag is required", ErrInvalidBuild)
	}

	buildCtx, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", NewDockerError("BuildImage", opts.Tags[0], fmt.Sprintf("create build context: %v", err), ErrBuildFailed)
	}
	defer buildCtx.Close()

	buildArgs := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		buildArgs[k] = &v
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        opts.Tags,
		Dockerfile:  opts.Dockerfile,
		BuildArgs:   buildArgs,
		Labels:      opts.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", NewDockerError("BuildImage", opts.Tags[0], err.Error(), ErrBuildFailed)
	}
	defer resp.Body.Close()

	result, err := decodeStream(resp.Body, opts.OnOutput)
	if err != nil {
		return "", NewDockerError("BuildImage", opts.Tags[0], err.Error(), ErrBuildFailed)
	}
	return result.ImageID, nil
}

// PushImage pushes ref with the credentials stored for its registry, or
// anonymously when there are none.
func (d *DockerClient) PushImage(ctx context.Context, ref string, onOutput OutputCallback) error {
	reader, err := d.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: d.authFor(ref)})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("PushImage", ref, "image not found", ErrImageNotFound)
		}
		return NewDockerError("PushImage", ref, err.Error(), ErrPushFailed)
	}
	defer reader.Close()

	// The daemon reports push failures inside the stream, not as an HTTP error.
	if _, err := decodeStream(reader, onOutput); err != nil {
		return NewDockerError("PushImage", ref, err.Error(), ErrPushFailed)
	}
	return nil
}

// RemoveImage untags ref locally.
func (d *DockerClient) RemoveImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return NewDockerError("RemoveImage", ref, err.Error(), err)
	}
	return nil
}
