// Package remote runs commands on, and copies files to, a deploy target over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/artpar/shipit/internal/core/domain"
	"golang.org/x/crypto/ssh"
)

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecOptions tunes a single Execute call.
type ExecOptions struct {
	// ConnectTimeout bounds establishing the channel. Zero uses the
	// executor default.
	ConnectTimeout time.Duration

	// CommandTimeout bounds the command itself. Zero means unbounded.
	CommandTimeout time.Duration

	// AllowNonZero returns a non-zero exit as a Result instead of a
	// CommandError.
	AllowNonZero bool

	// Stdin is streamed to the remote command when set.
	Stdin io.Reader
}

// Runner executes commands on one remote target. Retries are the caller's
// decision; a Runner never retries.
type Runner interface {
	Execute(ctx context.Context, command string, opts ExecOptions) (Result, error)
}

// Config configures the SSH executor.
type Config struct {
	Signer ssh.Signer

	// HostKeyCallback verifies the server key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback

	ConnectTimeout time.Duration // Default: 10 seconds
}

// DefaultConnectTimeout applies when neither Config nor ExecOptions set one.
const DefaultConnectTimeout = 10 * time.Second

// SSHExecutor implements Runner over a cached SSH connection.
type SSHExecutor struct {
	target         domain.RemoteTarget
	clientConfig   *ssh.ClientConfig
	connectTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex // Protects client
	client *ssh.Client
}

// NewSSHExecutor creates an executor for target. No connection is made
// until the first Execute.
func NewSSHExecutor(target domain.RemoteTarget, config Config, logger *slog.Logger) (*SSHExecutor, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if config.Signer == nil {
		return nil, fmt.Errorf("ssh signer is required")
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "remote", "target", target.Address())

	hostKeyCallback := config.HostKeyCallback
	if hostKeyCallback == nil {
		logger.Warn("host key verification disabled; set target.known_hosts_file to enable it")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &SSHExecutor{
		target: target,
		clientConfig: &ssh.ClientConfig{
			User:            target.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(config.Signer)},
			HostKeyCallback: hostKeyCallback,
		},
		connectTimeout: config.ConnectTimeout,
		logger:         logger,
	}, nil
}

// =============================================================================
// Connection Management
// =============================================================================

// connect returns the cached client, dialling when there is none or the
// cached one no longer answers a keepalive.
func (e *SSHExecutor) connect(ctx context.Context, timeout time.Duration) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The keepalive may use half the budget; a redial gets the rest.
	if e.client != nil {
		if keepalive(dialCtx, e.client, timeout/2) {
			return e.client, nil
		}
		e.logger.Debug("cached ssh connection did not answer keepalive, redialling")
		e.client.Close()
		e.client = nil
	}

	addr := e.target.Address()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	// The handshake gets whatever is left of the same budget.
	deadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, e.clientConfig)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	e.client = ssh.NewClient(c, chans, reqs)
	e.logger.Debug("ssh connection established")
	return e.client, nil
}

// keepalive reports whether client answers a keepalive within wait. A
// half-open connection never answers, so the request is not waited on past
// wait or ctx. Closing the client releases the pending request.
func keepalive(ctx context.Context, client *ssh.Client, wait time.Duration) bool {
	reply := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@shipit", true, nil)
		reply <- err
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err == nil
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// drop discards a client that failed to open a session.
func (e *SSHExecutor) drop(client *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == client {
		e.client.Close()
		e.client = nil
	}
}

// Close closes the SSH connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		err := e.client.Close()
		e.client = nil
		return err
	}
	return nil
}

// =============================================================================
// Command Execution
// =============================================================================

// Execute runs command on the target. It fails with *ConnectionError when
// the channel cannot be established within the connect timeout and with
// *CommandError on a non-zero exit unless opts.AllowNonZero is set.
func (e *SSHExecutor) Execute(ctx context.Context, command string, opts ExecOptions) (Result, error) {
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = e.connectTimeout
	}

	client, err := e.connect(ctx, timeout)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.drop(client)
		return Result{ExitCode: -1}, &ConnectionError{Addr: e.target.Address(), Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if opts.Stdin != nil {
		session.Stdin = opts.Stdin
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var timeoutC <-chan time.Time
	if opts.CommandTimeout > 0 {
		timer := time.NewTimer(opts.CommandTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var runErr error
	select {
	case <-ctx.Done():
		return Result{ExitCode: -1}, ctx.Err()
	case <-timeoutC:
		return Result{ExitCode: -1}, fmt.Errorf("%w after %v: %s", ErrCommandTimeout, opts.CommandTimeout, command)
	case runErr = <-done:
	}

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		// The channel closed without an exit status.
		result.ExitCode = -1
		e.drop(client)
		return result, &ConnectionError{Addr: e.target.Address(), Err: runErr}
	}

	e.logger.Debug("remote command finished", "command", command, "exit_code", result.ExitCode)

	if result.ExitCode != 0 && !opts.AllowNonZero {
		return result, &CommandError{
			Command:  command,
			ExitCode: result.ExitCode,
			Stderr:   strings.TrimSpace(result.Stderr),
		}
	}
	return result, nil
}
