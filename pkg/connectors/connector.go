// Package connectors implements the per-protocol execution adapters the
// worker runtime dispatches to: ssh, winrm, azure_run_command, gcp_iap,
// database, rest and local. Every adapter honors the same contract:
// context cancellation, a per-step timeout, streamed output chunks and a
// classified result.
package connectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/credentials"
	"github.com/codeready-toolchain/remedy/pkg/masking"
	"github.com/codeready-toolchain/remedy/pkg/models"
)

// OutputFunc receives streamed output as it is produced. kind is "stdout"
// or "stderr". Connectors call it from a single goroutine.
type OutputFunc func(kind string, data []byte)

// Request is one command execution against one target.
type Request struct {
	Command       string
	RequiresShell bool
	Timeout       time.Duration
	Target        models.InfrastructureConnection
	Credential    *credentials.Handle
	DryRun        bool
	OnOutput      OutputFunc
}

// Result is the classified outcome of one execution attempt.
type Result struct {
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	ErrorKind  models.ErrorKind
	FailReason string
}

// Connector executes commands over one protocol. Execute returns an error
// only when the attempt could not be classified; protocol and command
// failures come back inside the Result.
type Connector interface {
	Kind() models.ConnectorKind
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry holds the connector instances available to a worker.
type Registry struct {
	connectors map[models.ConnectorKind]Connector
}

// NewRegistry builds the full connector set from config.
func NewRegistry(cfg config.ConnectorsConfig, masker *masking.Service) *Registry {
	r := &Registry{connectors: make(map[models.ConnectorKind]Connector)}
	r.Register(NewSSHConnector(cfg))
	r.Register(NewWinRMConnector())
	r.Register(NewAzureConnector())
	r.Register(NewGCPIAPConnector(cfg))
	r.Register(NewDatabaseConnector(cfg))
	r.Register(NewRESTConnector(cfg, masker))
	r.Register(NewLocalConnector(cfg))
	return r
}

// Register adds or replaces a connector.
func (r *Registry) Register(c Connector) {
	r.connectors[c.Kind()] = c
}

// Get returns the connector for a kind.
func (r *Registry) Get(kind models.ConnectorKind) (Connector, error) {
	c, ok := r.connectors[kind]
	if !ok {
		return nil, fmt.Errorf("no connector registered for kind %q", kind)
	}
	return c, nil
}

// Kinds lists the registered connector kinds, the worker's capability set.
func (r *Registry) Kinds() []models.ConnectorKind {
	out := make([]models.ConnectorKind, 0, len(r.connectors))
	for k := range r.connectors {
		out = append(out, k)
	}
	return out
}

// dryRunResult is the synthetic success every connector returns for a
// dry-run request after validating what it can without touching the
// target.
func dryRunResult(start time.Time, note string) *Result {
	return &Result{
		Success:  true,
		ExitCode: 0,
		Stdout:   "[dry-run] " + note,
		Duration: time.Since(start),
	}
}

// failure builds a classified failed result.
func failure(start time.Time, kind models.ErrorKind, format string, args ...any) *Result {
	return &Result{
		Success:    false,
		ExitCode:   -1,
		Duration:   time.Since(start),
		ErrorKind:  kind,
		FailReason: fmt.Sprintf(format, args...),
	}
}

// timeoutOrCancel classifies a context error at the end of an attempt.
func timeoutOrCancel(ctx context.Context, start time.Time) *Result {
	if ctx.Err() == context.DeadlineExceeded {
		return failure(start, models.ErrKindTimeout, "command exceeded its timeout")
	}
	return failure(start, models.ErrKindCancelled, "command cancelled")
}

// splitArgv breaks a realized command into argv elements for connectors
// that execute without a shell. Values bound by the template layer arrive
// verbatim, so a plain whitespace split is the contract: an element is
// never re-interpreted.
func splitArgv(command string) []string {
	return strings.Fields(command)
}
