package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/shipit/internal/core/domain"
	"github.com/artpar/shipit/internal/shell/secrets"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Target   TargetConfig   `mapstructure:"target"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Release  ReleaseConfig  `mapstructure:"release"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Registry RegistryConfig `mapstructure:"registry"`
	Build    BuildConfig    `mapstructure:"build"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds run history configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// TargetConfig identifies the deploy host and how to log in to it.
type TargetConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	BasePath string `mapstructure:"base_path"`

	// One of PrivateKeyFile, PrivateKey or PrivateKeySealed (PEM).
	PrivateKeyFile   string `mapstructure:"private_key_file"`
	PrivateKey       string `mapstructure:"private_key"`
	PrivateKeySealed string `mapstructure:"private_key_sealed"`

	Passphrase       string `mapstructure:"passphrase"`
	PassphraseSealed string `mapstructure:"passphrase_sealed"`

	// KnownHostsFile enables host key verification.
	KnownHostsFile string `mapstructure:"known_hosts_file"`
}

// RemoteTarget converts the config into a validated domain target.
func (c TargetConfig) RemoteTarget() (domain.RemoteTarget, error) {
	t := domain.RemoteTarget{Host: c.Host, Port: c.Port, User: c.User, BasePath: c.BasePath}
	if err := t.Validate(); err != nil {
		return domain.RemoteTarget{}, err
	}
	return t, nil
}

// SSHConfig holds remote executor timeouts.
type SSHConfig struct {
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// ReleaseConfig selects the artifact and the ref that may release.
type ReleaseConfig struct {
	Artifact string `mapstructure:"artifact"`
	// Ref gates both stages; empty disables the gate.
	Ref string `mapstructure:"ref"`
}

// DeployConfig tunes the deploy controller.
type DeployConfig struct {
	ComposeBinary    string        `mapstructure:"compose_binary"`
	ProjectName      string        `mapstructure:"project_name"`
	StagedManifest   bool          `mapstructure:"staged_manifest"`
	ValidateManifest bool          `mapstructure:"validate_manifest"`
	VerifyChecksum   bool          `mapstructure:"verify_checksum"`
	TransferTimeout  time.Duration `mapstructure:"transfer_timeout"`
	StaleRunAfter    time.Duration `mapstructure:"stale_run_after"`
}

// RegistryConfig identifies the image repository and its credentials.
type RegistryConfig struct {
	Address    string `mapstructure:"address"`
	Repository string `mapstructure:"repository"`
	StableTag  string `mapstructure:"stable_tag"`
	Username   string `mapstructure:"username"`

	Password       string `mapstructure:"password"`
	PasswordSealed string `mapstructure:"password_sealed"`
	// PasswordSource is "config" or "keyring".
	PasswordSource string `mapstructure:"password_source"`
	KeyringService string `mapstructure:"keyring_service"`

	StrictCleanup bool `mapstructure:"strict_cleanup"`
}

// BuildConfig describes the image build.
type BuildConfig struct {
	Context    string `mapstructure:"context"`
	Dockerfile string `mapstructure:"dockerfile"`
	// BuildArgs and Labels are KEY=VALUE lists; viper would lowercase map keys.
	BuildArgs []string `mapstructure:"build_args"`
	Labels    []string `mapstructure:"labels"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	// Textfile is written after every run for node_exporter's textfile
	// collector. Empty disables export.
	Textfile string `mapstructure:"textfile"`
}

// SecretsConfig holds the key for *_sealed values.
type SecretsConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.dsn", "./data/shipit.db")
	v.SetDefault("docker.host", "")

	v.SetDefault("target.host", "")
	v.SetDefault("target.port", 22)
	v.SetDefault("target.user", "")
	v.SetDefault("target.base_path", "")
	v.SetDefault("target.private_key_file", "")
	v.SetDefault("target.private_key", "")
	v.SetDefault("target.private_key_sealed", "")
	v.SetDefault("target.passphrase", "")
	v.SetDefault("target.passphrase_sealed", "")
	v.SetDefault("target.known_hosts_file", "")

	v.SetDefault("ssh.probe_timeout", "5s")
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "0s") // Unbounded

	v.SetDefault("release.artifact", "docker-compose.yml")
	v.SetDefault("release.ref", "")

	v.SetDefault("deploy.compose_binary", "docker compose")
	v.SetDefault("deploy.project_name", "")
	v.SetDefault("deploy.staged_manifest", true)
	v.SetDefault("deploy.validate_manifest", true)
	v.SetDefault("deploy.verify_checksum", false)
	v.SetDefault("deploy.transfer_timeout", "2m")
	v.SetDefault("deploy.stale_run_after", "1h")

	v.SetDefault("registry.address", "")
	v.SetDefault("registry.repository", "")
	v.SetDefault("registry.stable_tag", domain.DefaultStableTag)
	v.SetDefault("registry.username", "")
	v.SetDefault("registry.password", "")
	v.SetDefault("registry.password_sealed", "")
	v.SetDefault("registry.password_source", secrets.SourceConfig)
	v.SetDefault("registry.keyring_service", secrets.DefaultKeyringService)
	v.SetDefault("registry.strict_cleanup", false)

	v.SetDefault("build.context", ".")
	v.SetDefault("build.dockerfile", "Dockerfile")

	v.SetDefault("metrics.textfile", "")
	v.SetDefault("secrets.encryption_key", "") // Must be set via environment

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	v.SetEnvPrefix("SHIPIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to w so that stdout stays free for command output.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
