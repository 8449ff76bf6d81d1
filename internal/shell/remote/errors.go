package remote

import (
	"errors"
	"fmt"

	"github.com/artpar/shipit/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrUnreachable is wrapped by every ConnectionError.
	ErrUnreachable = errors.New("remote host unreachable")

	// ErrCommandFailed is wrapped by every CommandError.
	ErrCommandFailed = errors.New("remote command failed")

	// ErrCommandTimeout is returned when a command outlives its timeout.
	ErrCommandTimeout = errors.New("remote command timed out")

	// ErrNotPresent is returned when a transferred file cannot be found at
	// its destination.
	ErrNotPresent = errors.New("file not present at destination")

	// ErrChecksumMismatch is returned when the remote copy differs from the
	// local file.
	ErrChecksumMismatch = errors.New("remote checksum does not match")
)

// ConnectionError reports that the SSH channel could not be established.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrUnreachable, e.Err}
}

// CommandError reports a remote command that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command %q exited %d", e.Command, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

// TransferError reports a failed or unverified artifact copy.
type TransferError struct {
	Op   string // open, copy, verify, checksum
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() []error {
	return []error{domain.ErrTransfer, e.Err}
}

// NewTransferError creates a new TransferError.
func NewTransferError(op, path string, err error) *TransferError {
	return &TransferError{Op: op, Path: path, Err: err}
}
