package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/artpar/shipit/internal/core/command"
)

// TransferOptions configures the Transferer.
type TransferOptions struct {
	// Mode is applied to the remote file. Default: 0644.
	Mode uint32

	// Timeout bounds the copy. Zero means unbounded.
	Timeout time.Duration

	// VerifyChecksum compares the remote SHA-256 with the local file in
	// addition to the mandatory existence check.
	VerifyChecksum bool
}

// Transferer copies local files to the target through a Runner and verifies
// them there. A copy is not complete until verification passes.
type Transferer struct {
	runner Runner
	opts   TransferOptions
	logger *slog.Logger
}

// NewTransferer creates a Transferer on top of runner.
func NewTransferer(runner Runner, opts TransferOptions, logger *slog.Logger) *Transferer {
	if opts.Mode == 0 {
		opts.Mode = 0o644
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transferer{
		runner: runner,
		opts:   opts,
		logger: logger.With("component", "transfer"),
	}
}

// Transfer streams sourcePath to destPath on the target, then confirms the
// file is present at destPath. Any failure, including a copy that reports
// success but leaves no file behind, is a *TransferError.
func (t *Transferer) Transfer(ctx context.Context, sourcePath, destPath string) error {
	f, err := os.Open(sourcePath)
	if err != nil {
		return NewTransferError("open", sourcePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return NewTransferError("open", sourcePath, err)
	}
	if info.IsDir() {
		return NewTransferError("open", sourcePath, fmt.Errorf("is a directory"))
	}

	sum := sha256.New()
	if _, err := t.runner.Execute(ctx, command.Upload(destPath, t.opts.Mode), ExecOptions{
		CommandTimeout: t.opts.Timeout,
		Stdin:          io.TeeReader(f, sum),
	}); err != nil {
		return NewTransferError("copy", destPath, err)
	}

	if err := t.verifyPresent(ctx, destPath); err != nil {
		return err
	}
	if t.opts.VerifyChecksum {
		if err := t.verifyChecksum(ctx, destPath, sum); err != nil {
			return err
		}
	}

	t.logger.Info("artifact transferred", "source", sourcePath, "dest", destPath, "bytes", info.Size())
	return nil
}

func (t *Transferer) verifyPresent(ctx context.Context, destPath string) error {
	res, err := t.runner.Execute(ctx, command.FileExists(destPath), ExecOptions{AllowNonZero: true})
	if err != nil {
		return NewTransferError("verify", destPath, err)
	}
	if res.ExitCode != 0 {
		return NewTransferError("verify", destPath, ErrNotPresent)
	}
	return nil
}

func (t *Transferer) verifyChecksum(ctx context.Context, destPath string, local hash.Hash) error {
	res, err := t.runner.Execute(ctx, command.Checksum(destPath), ExecOptions{})
	if err != nil {
		return NewTransferError("checksum", destPath, err)
	}
	remoteSum, ok := command.ParseChecksum(res.Stdout)
	if !ok {
		return NewTransferError("checksum", destPath, fmt.Errorf("unexpected sha256sum output %q", res.Stdout))
	}
	if want := hex.EncodeToString(local.Sum(nil)); remoteSum != want {
		return NewTransferError("checksum", destPath, fmt.Errorf("%w: local %s remote %s", ErrChecksumMismatch, want, remoteSum))
	}
	return nil
}
