package connectors

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/models"
)

// LocalConnector runs diagnostics on the worker host itself. Only
// allowlisted binaries may run, always via argv, never through a shell.
type LocalConnector struct {
	allowlist map[string]bool
	killGrace time.Duration
}

// NewLocalConnector builds the local connector from config.
func NewLocalConnector(cfg config.ConnectorsConfig) *LocalConnector {
	allow := make(map[string]bool, len(cfg.LocalAllowlist))
	for _, cmd := range cfg.LocalAllowlist {
		allow[cmd] = true
	}
	return &LocalConnector{allowlist: allow, killGrace: cfg.KillGrace}
}

// Kind identifies this connector.
func (c *LocalConnector) Kind() models.ConnectorKind { return models.ConnectorLocal }

// Execute runs the command locally.
func (c *LocalConnector) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	argv := splitArgv(req.Command)
	if len(argv) == 0 {
		return failure(start, models.ErrKindValidation, "empty command"), nil
	}
	if !c.allowlist[argv[0]] {
		return failure(start, models.ErrKindPolicyDenied,
			"command %q is not on the local allowlist", argv[0]), nil
	}

	if req.DryRun {
		return dryRunResult(start, "would run locally: "+req.Command), nil
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &chunkWriter{buf: &outBuf, kind: "stdout", onOutput: req.OnOutput}
	cmd.Stderr = &chunkWriter{buf: &errBuf, kind: "stderr", onOutput: req.OnOutput}
	// SIGTERM first; the hard kill lands after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.killGrace

	err := cmd.Run()

	res := &Result{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() != nil {
		tr := timeoutOrCancel(ctx, start)
		tr.Stdout = res.Stdout
		tr.Stderr = res.Stderr
		return tr, nil
	}
	if err == nil {
		res.Success = true
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		res.ErrorKind = models.ErrKindConnectorPermanent
		res.FailReason = fmt.Sprintf("command exited with status %d", res.ExitCode)
		return res, nil
	}
	res.ExitCode = -1
	res.ErrorKind = models.ErrKindConnectorTransient
	res.FailReason = fmt.Sprintf("command failed to run: %v", err)
	return res, nil
}
