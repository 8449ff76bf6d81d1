package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := rootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shipit: %v\n", err)
		return exitCodeFor(err)
	}
	return ExitSuccess
}

// rootCmd builds the command tree. The app is created once the --config flag
// has been parsed.
func rootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		configPath string
		a          *app
	)

	cmd := &cobra.Command{
		Use:           "shipit",
		Short:         "Build, publish and deploy a compose release",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return &PipelineError{Op: "load config", Err: err, ExitCode: ExitConfigError}
			}
			logger := SetupLogger(cfg, stderr)
			logger.Debug("config loaded", "config", configPath, "version", Version)
			a = newApp(cfg, logger, stdout)
			return nil
		},
	}
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	appFn := func() *app { return a }
	cmd.AddCommand(buildCmd(appFn))
	cmd.AddCommand(deployCmd(appFn))
	cmd.AddCommand(historyCmd(appFn))
	cmd.AddCommand(sealCmd(appFn))
	cmd.AddCommand(keygenCmd(appFn))

	return cmd
}

// buildCmd publishes the image under its unique and stable tags.
func buildCmd(appFn func() *app) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the image and push it under its unique and stable tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appFn().runBuild(cmd.Context(), ref)
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "Ref this run is for (default: $SHIPIT_REF, $GITHUB_REF, $CI_COMMIT_REF_NAME)")
	return cmd
}

// deployCmd copies the release manifest to the target and activates it.
func deployCmd(appFn func() *app) *cobra.Command {
	var ref, artifact string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Copy the release manifest to the target host and activate it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appFn().runDeploy(cmd.Context(), ref, artifact)
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "Ref this run is for (default: $SHIPIT_REF, $GITHUB_REF, $CI_COMMIT_REF_NAME)")
	cmd.Flags().StringVar(&artifact, "artifact", "", "Manifest to deploy (default: release.artifact)")
	return cmd
}

// historyCmd lists recorded runs, newest first.
func historyCmd(appFn func() *app) *cobra.Command {
	var (
		limit  int
		kind   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded build and deploy runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appFn().runHistory(cmd.Context(), limit, kind, output)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	cmd.Flags().StringVar(&kind, "kind", "", "Only show runs of this kind (build or deploy)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or yaml")
	return cmd
}

// sealCmd encrypts a secret read from stdin, or stores it in the keyring.
func sealCmd(appFn func() *app) *cobra.Command {
	var service, user string
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal a secret read from stdin for use in a *_sealed config value",
		Long: `Reads a secret from stdin and prints it encrypted with secrets.encryption_key.

With --keyring-user the secret is written to the OS keyring instead, for use
with registry.password_source: keyring.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appFn().runSeal(cmd.InOrStdin(), service, user)
		},
	}
	cmd.Flags().StringVar(&service, "keyring-service", "", "Keyring service (default: registry.keyring_service)")
	cmd.Flags().StringVar(&user, "keyring-user", "", "Store the secret in the keyring under this user")
	return cmd
}

// keygenCmd creates a deploy key for the target host.
func keygenCmd(appFn func() *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 deploy key for the target host",
		Long: `Generates an Ed25519 key pair and prints the public half in authorized_keys
format for the target user.

With --out the private key is written to that file (mode 0600, never
overwritten). Otherwise it is printed sealed with secrets.encryption_key, ready
for target.private_key_sealed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return appFn().runKeygen(out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Write the private key to this file")
	return cmd
}
