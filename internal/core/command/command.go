package command

import (
	"fmt"
	"strings"

	"github.com/artpar/shipit/internal/core/domain"
)

// Probe is the no-op liveness command used by preflight.
const Probe = "exit 0"

// RestoredMarker is echoed by the restoring rollback when a previous manifest
// was put back in place.
const RestoredMarker = "shipit:restored-previous"

// DefaultComposeBinary is the compose-equivalent invoked on the remote host.
const DefaultComposeBinary = "docker compose"

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// EnsureDir creates path and its parents. It succeeds if path already exists.
func EnsureDir(path string) string {
	return "mkdir -p " + Quote(path)
}

// FileExists exits zero only when path is a regular file.
func FileExists(path string) string {
	return "test -f " + Quote(path)
}

// Upload writes stdin to path with the given permission bits.
func Upload(path string, mode uint32) string {
	q := Quote(path)
	return fmt.Sprintf("cat > %s && chmod %04o %s", q, mode, q)
}

// Checksum prints the SHA-256 of path in sha256sum format.
func Checksum(path string) string {
	return "sha256sum " + Quote(path)
}

// ParseChecksum extracts the hex digest from sha256sum output.
func ParseChecksum(output string) (string, bool) {
	fields := strings.Fields(output)
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

// Promote moves a staged manifest into place. The live manifest is copied to
// the previous slot first; with no live manifest any stale previous copy is
// dropped so a later rollback cannot restore an unrelated release.
func Promote(a domain.ReleaseArtifact) string {
	dest, prev, staged := Quote(a.DestPath), Quote(a.PreviousPath()), Quote(a.StagingPath())
	return fmt.Sprintf("if [ -f %s ]; then cp -p %s %s; else rm -f %s; fi && mv -f %s %s",
		dest, dest, prev, prev, staged, dest)
}

// =============================================================================
// Compose
// =============================================================================

// Compose renders compose-equivalent invocations for one manifest.
type Compose struct {
	// Binary is the compose executable, e.g. "docker compose" or "docker-compose".
	Binary string
	// ProjectName pins the compose project; empty lets compose derive it
	// from the manifest directory.
	ProjectName string
}

func (c Compose) base(manifest string) string {
	bin := c.Binary
	if strings.TrimSpace(bin) == "" {
		bin = DefaultComposeBinary
	}
	var b strings.Builder
	b.WriteString(bin)
	if c.ProjectName != "" {
		b.WriteString(" -p ")
		b.WriteString(Quote(c.ProjectName))
	}
	b.WriteString(" -f ")
	b.WriteString(Quote(manifest))
	return b.String()
}

// Activate pulls the manifest's images and force-recreates its services.
func (c Compose) Activate(manifest string) string {
	base := c.base(manifest)
	return fmt.Sprintf("%s pull && %s up -d --force-recreate", base, base)
}

// Rollback stops whatever runs under the manifest and starts it again from
// the manifest on disk, without pulling or forcing a recreate.
func (c Compose) Rollback(manifest string) string {
	base := c.base(manifest)
	return fmt.Sprintf("%s down && %s up -d", base, base)
}

// RollbackRestoring stops the services of the new manifest, puts the
// previous manifest back when one was kept, and starts the services again.
// RestoredMarker is printed when the previous manifest was restored.
func (c Compose) RollbackRestoring(a domain.ReleaseArtifact) string {
	base := c.base(a.DestPath)
	prev, dest := Quote(a.PreviousPath()), Quote(a.DestPath)
	return fmt.Sprintf("%s down && if [ -f %s ]; then mv -f %s %s && echo %s; fi && %s up -d",
		base, prev, prev, dest, RestoredMarker, base)
}
