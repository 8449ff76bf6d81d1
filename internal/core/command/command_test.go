package command

import (
	"testing"

	"github.com/artpar/shipit/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func testArtifact() domain.ReleaseArtifact {
	return domain.ReleaseArtifact{SourcePath: "docker-compose.yml", DestPath: "/srv/app/docker-compose.yml"}
}

// =============================================================================
// Quoting
// =============================================================================

func TestQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "''"},
		{"/srv/app", "'/srv/app'"},
		{"/srv/my app", "'/srv/my app'"},
		{"/srv/it's", `'/srv/it'\''s'`},
		{"$(rm -rf /)", "'$(rm -rf /)'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in), tt.in)
	}
}

// =============================================================================
// Filesystem Commands
// =============================================================================

func TestEnsureDir_IsIdempotent(t *testing.T) {
	// -p makes a second run against an existing directory exit zero
	assert.Equal(t, "mkdir -p '/srv/app'", EnsureDir("/srv/app"))
}

func TestFileExists(t *testing.T) {
	assert.Equal(t, "test -f '/srv/app/docker-compose.yml'", FileExists("/srv/app/docker-compose.yml"))
}

func TestUpload(t *testing.T) {
	assert.Equal(t, "cat > '/srv/a.yml' && chmod 0644 '/srv/a.yml'", Upload("/srv/a.yml", 0o644))
}

func TestParseChecksum(t *testing.T) {
	sum := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

	got, ok := ParseChecksum(sum + "  /srv/app/docker-compose.yml\n")
	assert.True(t, ok)
	assert.Equal(t, sum, got)

	_, ok = ParseChecksum("")
	assert.False(t, ok)
	_, ok = ParseChecksum("sha256sum: /srv/x: No such file or directory")
	assert.False(t, ok)
}

func TestPromote(t *testing.T) {
	want := "if [ -f '/srv/app/docker-compose.yml' ]; then " +
		"cp -p '/srv/app/docker-compose.yml' '/srv/app/docker-compose.yml.previous'; " +
		"else rm -f '/srv/app/docker-compose.yml.previous'; fi && " +
		"mv -f '/srv/app/docker-compose.yml.incoming' '/srv/app/docker-compose.yml'"
	assert.Equal(t, want, Promote(testArtifact()))
}

// =============================================================================
// Compose Commands
// =============================================================================

func TestCompose_Activate(t *testing.T) {
	c := Compose{}
	want := "docker compose -f '/srv/app/docker-compose.yml' pull && " +
		"docker compose -f '/srv/app/docker-compose.yml' up -d --force-recreate"
	assert.Equal(t, want, c.Activate("/srv/app/docker-compose.yml"))
}

func TestCompose_ActivateWithProject(t *testing.T) {
	c := Compose{Binary: "docker-compose", ProjectName: "shop"}
	want := "docker-compose -p 'shop' -f '/m.yml' pull && docker-compose -p 'shop' -f '/m.yml' up -d --force-recreate"
	assert.Equal(t, want, c.Activate("/m.yml"))
}

func TestCompose_Rollback(t *testing.T) {
	c := Compose{}
	got := c.Rollback("/srv/app/docker-compose.yml")

	assert.Equal(t, "docker compose -f '/srv/app/docker-compose.yml' down && "+
		"docker compose -f '/srv/app/docker-compose.yml' up -d", got)
	assert.NotContains(t, got, "pull")
	assert.NotContains(t, got, "--force-recreate")
}

func TestCompose_RollbackRestoring(t *testing.T) {
	c := Compose{}
	got := c.RollbackRestoring(testArtifact())

	want := "docker compose -f '/srv/app/docker-compose.yml' down && " +
		"if [ -f '/srv/app/docker-compose.yml.previous' ]; then " +
		"mv -f '/srv/app/docker-compose.yml.previous' '/srv/app/docker-compose.yml' && echo shipit:restored-previous; fi && " +
		"docker compose -f '/srv/app/docker-compose.yml' up -d"
	assert.Equal(t, want, got)
	assert.NotContains(t, got, "--force-recreate")
}
