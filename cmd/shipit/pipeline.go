package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artpar/shipit/internal/core/command"
	"github.com/artpar/shipit/internal/core/crypto"
	"github.com/artpar/shipit/internal/core/domain"
	"github.com/artpar/shipit/internal/shell/deployer"
	"github.com/artpar/shipit/internal/shell/docker"
	"github.com/artpar/shipit/internal/shell/metrics"
	"github.com/artpar/shipit/internal/shell/publisher"
	"github.com/artpar/shipit/internal/shell/remote"
	"github.com/artpar/shipit/internal/shell/secrets"
	"github.com/artpar/shipit/internal/shell/store"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess          = 0
	ExitConfigError      = 1
	ExitDatabaseError    = 2
	ExitDockerError      = 3
	ExitRunActive        = 4
	ExitUnreachable      = 10
	ExitProvisioning     = 11
	ExitTransfer         = 12
	ExitActivationFailed = 13
	ExitPublishFailed    = 20
)

// PipelineError represents a stage error with an exit code.
type PipelineError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// exitCodeFor maps an error returned by a command to the process exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) && pipeErr.ExitCode != 0 {
		return pipeErr.ExitCode
	}

	switch {
	case errors.Is(err, store.ErrRunActive):
		return ExitRunActive
	case errors.Is(err, domain.ErrUnreachableTarget):
		return ExitUnreachable
	case errors.Is(err, domain.ErrProvisioning):
		return ExitProvisioning
	case errors.Is(err, domain.ErrTransfer):
		return ExitTransfer
	case errors.Is(err, domain.ErrActivationFailed):
		return ExitActivationFailed
	case errors.Is(err, domain.ErrPublish):
		return ExitPublishFailed
	default:
		return ExitConfigError
	}
}

// =============================================================================
// Ref Gate
// =============================================================================

// refEnvVars are consulted in order when --ref is not given.
var refEnvVars = []string{"SHIPIT_REF", "GITHUB_REF", "CI_COMMIT_REF_NAME"}

// currentRef returns the ref this invocation runs for.
func currentRef(flag string, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	for _, name := range refEnvVars {
		if v := getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "refs/heads/")
	return strings.TrimPrefix(ref, "refs/tags/")
}

// refMatches reports whether current may release. An empty release ref
// disables the gate; an unknown current ref never matches an enabled one.
func refMatches(release, current string) bool {
	if strings.TrimSpace(release) == "" {
		return true
	}
	c := normalizeRef(current)
	return c != "" && c == normalizeRef(release)
}

// =============================================================================
// App
// =============================================================================

// app carries what every command needs.
type app struct {
	cfg    *Config
	logger *slog.Logger
	stdout io.Writer

	keyring secrets.Keyring // nil uses the OS keyring
	getenv  func(string) string
	now     func() time.Time
}

func newApp(cfg *Config, logger *slog.Logger, stdout io.Writer) *app {
	return &app{
		cfg:    cfg,
		logger: logger,
		stdout: stdout,
		getenv: os.Getenv,
		now:    time.Now,
	}
}

// gate logs and returns false when the stage must be skipped for ref.
func (a *app) gate(stage, flagRef string) bool {
	ref := currentRef(flagRef, a.getenv)
	if refMatches(a.cfg.Release.Ref, ref) {
		return true
	}
	a.logger.Info("ref does not match release ref, skipping",
		"stage", stage,
		"ref", ref,
		"release_ref", a.cfg.Release.Ref,
	)
	return false
}

func (a *app) resolver() (*secrets.Resolver, error) {
	r, err := secrets.NewResolver(a.cfg.Secrets.EncryptionKey, a.keyring)
	if err != nil {
		return nil, &PipelineError{Op: "load encryption key", Err: err, ExitCode: ExitConfigError}
	}
	return r, nil
}

func (a *app) openStore() (*store.SQLiteStore, error) {
	dsn := a.cfg.Database.DSN
	if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &PipelineError{Op: "create data directory", Err: err, ExitCode: ExitDatabaseError}
		}
	}
	st, err := store.NewSQLiteStore(dsn)
	if err != nil {
		return nil, &PipelineError{Op: "open database", Err: err, ExitCode: ExitDatabaseError}
	}
	return st, nil
}

func (a *app) writeMetrics(recorder *metrics.Recorder) {
	if err := recorder.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("failed to write metrics textfile", "path", a.cfg.Metrics.Textfile, "error", err)
	}
}

// =============================================================================
// Build
// =============================================================================

func (a *app) runBuild(ctx context.Context, flagRef string) error {
	if !a.gate("build", flagRef) {
		return nil
	}
	cfg := a.cfg

	resolver, err := a.resolver()
	if err != nil {
		return err
	}
	password, err := resolver.Resolve(secrets.Spec{
		Name:           "registry.password",
		Plain:          cfg.Registry.Password,
		Sealed:         cfg.Registry.PasswordSealed,
		Source:         cfg.Registry.PasswordSource,
		KeyringService: cfg.Registry.KeyringService,
		KeyringUser:    cfg.Registry.Username,
	})
	if err != nil {
		return &PipelineError{Op: "resolve registry password", Err: err, ExitCode: ExitConfigError}
	}

	client, err := docker.NewDockerClient(cfg.Docker.Host, a.logger)
	if err != nil {
		return &PipelineError{Op: "create docker client", Err: err, ExitCode: ExitDockerError}
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		return &PipelineError{Op: "ping docker", Err: err, ExitCode: ExitDockerError}
	}

	pub, err := publisher.New(client, publisher.Config{
		Registry:      cfg.Registry.Address,
		Repository:    cfg.Registry.Repository,
		StableTag:     cfg.Registry.StableTag,
		Username:      cfg.Registry.Username,
		Password:      password,
		StrictCleanup: cfg.Registry.StrictCleanup,
		Now:           a.now,
	}, a.logger)
	if err != nil {
		return &PipelineError{Op: "configure publisher", Err: err, ExitCode: ExitConfigError}
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recorder := metrics.NewRecorder()
	started := a.now()
	result, pubErr := pub.Publish(ctx, publisher.Request{
		ContextDir: cfg.Build.Context,
		Dockerfile: cfg.Build.Dockerfile,
		BuildArgs:  keyValues(cfg.Build.BuildArgs),
		Labels:     keyValues(cfg.Build.Labels),
	})
	finished := a.now()

	stable, _ := domain.NewImageReference(cfg.Registry.Address, cfg.Registry.Repository, cfg.Registry.StableTag)
	if err := st.RecordBuild(context.WithoutCancel(ctx), store.BuildRecord{
		ID:         uuid.New().String(),
		Image:      stable.Name(),
		Result:     result,
		Err:        pubErr,
		StartedAt:  started,
		FinishedAt: finished,
	}); err != nil {
		a.logger.Warn("failed to record build", "error", err)
	}
	recorder.ObservePublish(pubErr, finished)
	a.writeMetrics(recorder)

	if pubErr != nil {
		return &PipelineError{Op: "build", Err: pubErr, ExitCode: ExitPublishFailed}
	}

	for _, ref := range result.Tags() {
		fmt.Fprintln(a.stdout, ref.String())
	}
	return nil
}

// =============================================================================
// Deploy
// =============================================================================

func (a *app) runDeploy(ctx context.Context, flagRef, artifactPath string) error {
	if !a.gate("deploy", flagRef) {
		return nil
	}
	cfg := a.cfg

	target, err := cfg.Target.RemoteTarget()
	if err != nil {
		return &PipelineError{Op: "load target", Err: err, ExitCode: ExitConfigError}
	}
	if artifactPath == "" {
		artifactPath = cfg.Release.Artifact
	}
	artifact, err := domain.NewReleaseArtifact(artifactPath, target)
	if err != nil {
		return &PipelineError{Op: "load artifact", Err: err, ExitCode: ExitConfigError}
	}

	resolver, err := a.resolver()
	if err != nil {
		return err
	}
	signer, err := loadSigner(cfg.Target, resolver)
	if err != nil {
		return &PipelineError{Op: "load ssh key", Err: err, ExitCode: ExitConfigError}
	}
	hostKeys, err := remote.HostKeyCallback(cfg.Target.KnownHostsFile)
	if err != nil {
		return &PipelineError{Op: "load known hosts", Err: err, ExitCode: ExitConfigError}
	}

	executor, err := remote.NewSSHExecutor(target, remote.Config{
		Signer:          signer,
		HostKeyCallback: hostKeys,
		ConnectTimeout:  cfg.SSH.ConnectTimeout,
	}, a.logger)
	if err != nil {
		return &PipelineError{Op: "create ssh executor", Err: err, ExitCode: ExitConfigError}
	}
	defer executor.Close()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recorder := metrics.NewRecorder()
	transferer := remote.NewTransferer(executor, remote.TransferOptions{
		Timeout:        cfg.Deploy.TransferTimeout,
		VerifyChecksum: cfg.Deploy.VerifyChecksum,
	}, a.logger)

	dcfg := deployer.Config{
		ProbeTimeout:   cfg.SSH.ProbeTimeout,
		CommandTimeout: cfg.SSH.CommandTimeout,
		Compose: command.Compose{
			Binary:      cfg.Deploy.ComposeBinary,
			ProjectName: cfg.Deploy.ProjectName,
		},
		StagedManifest:   cfg.Deploy.StagedManifest,
		ValidateManifest: cfg.Deploy.ValidateManifest,
		ManifestEnv:      keyValues(os.Environ()),
		Observers:        []deployer.Observer{st, recorder},
		Now:              a.now,
	}
	if cfg.Registry.Repository != "" {
		if ref, err := domain.NewImageReference(cfg.Registry.Address, cfg.Registry.Repository, cfg.Registry.StableTag); err == nil {
			dcfg.ExpectImage = &ref
		}
	}
	controller := deployer.NewController(executor, transferer, target, dcfg, a.logger)

	a.logger.Info("deploying",
		"target", target.String(),
		"artifact", artifact.SourcePath,
		"key", crypto.Fingerprint(signer),
	)

	report := domain.NewDeployReport(target, artifact, a.now())
	if err := st.BeginRun(ctx, report, cfg.Deploy.StaleRunAfter); err != nil {
		if errors.Is(err, store.ErrRunActive) {
			return &PipelineError{Op: "begin run", Err: err, ExitCode: ExitRunActive}
		}
		return &PipelineError{Op: "begin run", Err: err, ExitCode: ExitDatabaseError}
	}

	runErr := controller.Execute(ctx, report)
	a.writeMetrics(recorder)

	if err := printReport(a.stdout, report); err != nil {
		a.logger.Warn("failed to print report", "error", err)
	}
	if runErr != nil {
		return &PipelineError{Op: "deploy", Err: runErr, ExitCode: exitCodeFor(runErr)}
	}
	return nil
}

// loadSigner reads the deploy key from config or disk and decrypts it.
func loadSigner(cfg TargetConfig, resolver *secrets.Resolver) (ssh.Signer, error) {
	var pemBytes []byte
	switch {
	case cfg.PrivateKey != "" || cfg.PrivateKeySealed != "":
		key, err := resolver.Resolve(secrets.Spec{
			Name:   "target.private_key",
			Plain:  cfg.PrivateKey,
			Sealed: cfg.PrivateKeySealed,
		})
		if err != nil {
			return nil, err
		}
		pemBytes = []byte(key.Reveal())
	case cfg.PrivateKeyFile != "":
		data, err := os.ReadFile(expandHome(cfg.PrivateKeyFile))
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pemBytes = data
	default:
		return nil, errors.New("one of target.private_key_file, target.private_key or target.private_key_sealed is required")
	}

	passphrase, err := resolver.Resolve(secrets.Spec{
		Name:   "target.passphrase",
		Plain:  cfg.Passphrase,
		Sealed: cfg.PassphraseSealed,
	})
	if err != nil {
		return nil, err
	}
	return crypto.ParseSigner(pemBytes, []byte(passphrase.Reveal()))
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// keyValues turns KEY=VALUE pairs into a map. Entries without "=" or with an
// empty key are dropped.
func keyValues(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// printReport writes the deploy report as YAML.
func printReport(w io.Writer, report *domain.DeployReport) error {
	out := struct {
		domain.DeployReport `yaml:",inline"`
		Error               string `yaml:"error,omitempty"`
		Duration            string `yaml:"duration"`
	}{
		DeployReport: *report,
		Duration:     report.Duration().Round(time.Millisecond).String(),
	}
	if report.Err != nil {
		out.Error = report.Err.Error()
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

// =============================================================================
// History
// =============================================================================

func (a *app) runHistory(ctx context.Context, limit int, kind, output string) error {
	switch output {
	case "table", "yaml":
	default:
		return &PipelineError{Op: "history", Err: fmt.Errorf("unknown output format %q", output), ExitCode: ExitConfigError}
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, store.ListOptions{Limit: limit, Kind: kind}.Normalize())
	if err != nil {
		return &PipelineError{Op: "list runs", Err: err, ExitCode: ExitDatabaseError}
	}

	if output == "yaml" {
		return writeRunsYAML(a.stdout, runs)
	}
	return writeRunsTable(a.stdout, runs)
}

func writeRunsYAML(w io.Writer, runs []store.RunRecord) error {
	if runs == nil {
		runs = []store.RunRecord{}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(runs); err != nil {
		return err
	}
	return enc.Close()
}

func writeRunsTable(w io.Writer, runs []store.RunRecord) error {
	tw := tabwriter.NewWriter(w, 1, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTARGET\tOUTCOME\tREASON\tSTARTED\tDURATION")
	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = r.State
		}
		reason := r.Reason
		if reason == "" {
			reason = r.FailedStage
		}
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID),
			r.Kind,
			r.Target,
			outcome,
			dash(reason),
			r.StartedAt.UTC().Format(time.RFC3339),
			duration,
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// Seal
// =============================================================================

// runSeal reads a secret from in. With keyringUser set the value is stored in
// the OS keyring; otherwise it is printed sealed for a *_sealed config key.
func (a *app) runSeal(in io.Reader, keyringService, keyringUser string) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return &PipelineError{Op: "read secret", Err: err, ExitCode: ExitConfigError}
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return &PipelineError{Op: "read secret", Err: errors.New("empty input"), ExitCode: ExitConfigError}
	}

	resolver, err := a.resolver()
	if err != nil {
		return err
	}

	if keyringUser != "" {
		if keyringService == "" {
			keyringService = a.cfg.Registry.KeyringService
		}
		if err := resolver.Store(keyringService, keyringUser, secrets.Secret(value)); err != nil {
			return &PipelineError{Op: "store secret", Err: err, ExitCode: ExitConfigError}
		}
		a.logger.Info("secret stored in keyring", "service", keyringService, "user", keyringUser)
		return nil
	}

	sealed, err := resolver.Seal(value)
	if err != nil {
		return &PipelineError{Op: "seal secret", Err: err, ExitCode: ExitConfigError}
	}
	fmt.Fprintln(a.stdout, sealed)
	return nil
}

// =============================================================================
// Keygen
// =============================================================================

type keygenOutput struct {
	AuthorizedKey    string `yaml:"authorized_key"`
	Fingerprint      string `yaml:"fingerprint"`
	PrivateKeyFile   string `yaml:"private_key_file,omitempty"`
	PrivateKeySealed string `yaml:"private_key_sealed,omitempty"`
}

func (a *app) runKeygen(outPath string) error {
	pemBytes, authorized, err := crypto.GenerateKeyPair()
	if err != nil {
		return &PipelineError{Op: "generate key", Err: err, ExitCode: ExitConfigError}
	}
	signer, err := crypto.ParseSigner(pemBytes, nil)
	if err != nil {
		return &PipelineError{Op: "generate key", Err: err, ExitCode: ExitConfigError}
	}
	out := keygenOutput{
		AuthorizedKey: strings.TrimSpace(authorized),
		Fingerprint:   crypto.Fingerprint(signer),
	}

	if outPath != "" {
		path := expandHome(outPath)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return &PipelineError{Op: "write private key", Err: err, ExitCode: ExitConfigError}
		}
		if _, err := f.Write(pemBytes); err != nil {
			f.Close()
			return &PipelineError{Op: "write private key", Err: err, ExitCode: ExitConfigError}
		}
		if err := f.Close(); err != nil {
			return &PipelineError{Op: "write private key", Err: err, ExitCode: ExitConfigError}
		}
		out.PrivateKeyFile = path
	} else {
		resolver, err := a.resolver()
		if err != nil {
			return err
		}
		sealed, err := resolver.Seal(string(pemBytes))
		if err != nil {
			return &PipelineError{Op: "seal private key", Err: err, ExitCode: ExitConfigError}
		}
		out.PrivateKeySealed = sealed
	}

	a.logger.Info("deploy key generated", "key", out.Fingerprint)
	enc := yaml.NewEncoder(a.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}
