package domain

import (
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
)

// DefaultSSHPort is used when a target does not name a port.
const DefaultSSHPort = 22

// RemoteTarget is the host a deploy run drives. It is static for a run.
type RemoteTarget struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	BasePath string `json:"base_path" yaml:"base_path"`
}

// Validate checks that every field needed to reach the host is present.
func (t RemoteTarget) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidTarget)
	}
	if strings.TrimSpace(t.User) == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidTarget)
	}
	if strings.TrimSpace(t.BasePath) == "" {
		return fmt.Errorf("%w: base path is required", ErrInvalidTarget)
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, t.Port)
	}
	return nil
}

// Address returns host:port, defaulting the port to 22.
func (t RemoteTarget) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// String identifies the target in logs and in the run store.
func (t RemoteTarget) String() string {
	return fmt.Sprintf("%s@%s:%s", t.User, t.Address(), t.BasePath)
}

// ReleaseArtifact is the manifest file copied to the target for one run.
type ReleaseArtifact struct {
	SourcePath string `json:"source_path" yaml:"source_path"`
	DestPath   string `json:"dest_path" yaml:"dest_path"`
}

// NewReleaseArtifact places the local file at basePath/<filename> on the target.
func NewReleaseArtifact(sourcePath string, target RemoteTarget) (ReleaseArtifact, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return ReleaseArtifact{}, fmt.Errorf("%w: source path is required", ErrInvalidArtifact)
	}
	name := path.Base(strings.ReplaceAll(sourcePath, "\\", "/"))
	if name == "." || name == "/" {
		return ReleaseArtifact{}, fmt.Errorf("%w: %q has no file name", ErrInvalidArtifact, sourcePath)
	}
	return ReleaseArtifact{
		SourcePath: sourcePath,
		DestPath:   path.Join(target.BasePath, name),
	}, nil
}

// StagingPath is where a staged upload lands before promotion.
func (a ReleaseArtifact) StagingPath() string {
	return a.DestPath + ".incoming"
}

// PreviousPath holds the manifest that was live before the last promotion.
func (a ReleaseArtifact) PreviousPath() string {
	return a.DestPath + ".previous"
}
