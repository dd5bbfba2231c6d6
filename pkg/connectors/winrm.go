package connectors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/masterzen/winrm"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

const defaultWinRMPort = 5986

// WinRMConnector executes commands on Windows targets over WinRM (HTTPS
// transport). Commands run through cmd.exe; input values were escaped at
// bind time.
type WinRMConnector struct {
	dialTimeout time.Duration
}

// NewWinRMConnector builds the WinRM connector.
func NewWinRMConnector() *WinRMConnector {
	return &WinRMConnector{dialTimeout: 30 * time.Second}
}

// Kind identifies this connector.
func (c *WinRMConnector) Kind() models.ConnectorKind { return models.ConnectorWinRM }

// Execute runs the command on the target.
func (c *WinRMConnector) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	port := req.Target.Port
	if port == 0 {
		port = defaultWinRMPort
	}

	if req.DryRun {
		return dryRunResult(start, fmt.Sprintf("would run over winrm on %s:%d: %s",
			req.Target.Host, port, req.Command)), nil
	}

	var password string
	if err := req.Credential.Use(func(secret []byte) error {
		password = string(secret)
		return nil
	}); err != nil {
		return failure(start, models.ErrKindCredential, "borrowing winrm credential: %v", err), nil
	}

	endpoint := winrm.NewEndpoint(req.Target.Host, port, true, false, nil, nil, nil, c.dialTimeout)
	client, err := winrm.NewClient(endpoint, req.Credential.Username, password)
	password = ""
	if err != nil {
		return failure(start, models.ErrKindConnectorTransient, "creating winrm client: %v", err), nil
	}

	var outBuf, errBuf strings.Builder
	exitCode, err := client.RunWithContext(ctx,
		req.Command,
		&chunkWriter{buf: &outBuf, kind: "stdout", onOutput: req.OnOutput},
		&chunkWriter{buf: &errBuf, kind: "stderr", onOutput: req.OnOutput})

	if ctx.Err() != nil {
		res := timeoutOrCancel(ctx, start)
		res.Stdout = outBuf.String()
		res.Stderr = errBuf.String()
		return res, nil
	}
	if err != nil {
		return classifyWinRMError(start, err), nil
	}

	res := &Result{
		ExitCode: exitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(start),
	}
	if exitCode == 0 {
		res.Success = true
	} else {
		res.ErrorKind = models.ErrKindConnectorPermanent
		res.FailReason = fmt.Sprintf("command exited with status %d", exitCode)
	}
	return res, nil
}

func classifyWinRMError(start time.Time, err error) *Result {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "access is denied") {
		return failure(start, models.ErrKindCredential, "winrm authentication failed: %v", err)
	}
	return failure(start, models.ErrKindConnectorTransient, "winrm execution failed: %v", err)
}

// chunkWriter adapts streamed protocol output to the OutputFunc callback
// while accumulating the full capture.
type chunkWriter struct {
	mu       sync.Mutex
	buf      *strings.Builder
	kind     string
	onOutput OutputFunc
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.onOutput != nil && len(p) > 0 {
		cp := make([]byte, len(p))
		copy(cp, p)
		w.onOutput(w.kind, cp)
	}
	return len(p), nil
}
