package connectors

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/models"
)

// GCPIAPConnector reaches GCE instances with no public IP by opening an
// IAP tunnel with the gcloud CLI and running SSH through it. The target's
// resource ID is "projects/{project}/zones/{zone}/instances/{name}".
type GCPIAPConnector struct {
	ssh          *SSHConnector
	tunnelWait   time.Duration
	gcloudBinary string
}

// NewGCPIAPConnector builds the IAP connector; command execution is
// delegated to the SSH connector once the tunnel is up.
func NewGCPIAPConnector(cfg config.ConnectorsConfig) *GCPIAPConnector {
	return &GCPIAPConnector{
		ssh:          NewSSHConnector(cfg),
		tunnelWait:   30 * time.Second,
		gcloudBinary: "gcloud",
	}
}

// Kind identifies this connector.
func (c *GCPIAPConnector) Kind() models.ConnectorKind { return models.ConnectorGCPIAP }

type gcpInstance struct {
	project, zone, name string
}

func parseGCPResourceID(id string) (*gcpInstance, error) {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "zones" || parts[4] != "instances" {
		return nil, fmt.Errorf("expected projects/{p}/zones/{z}/instances/{n}, got %q", id)
	}
	return &gcpInstance{project: parts[1], zone: parts[3], name: parts[5]}, nil
}

// Execute opens the tunnel, runs the command over SSH, and tears the
// tunnel down.
func (c *GCPIAPConnector) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	inst, err := parseGCPResourceID(req.Target.ResourceID)
	if err != nil {
		return failure(start, models.ErrKindValidation, "invalid gcp resource id: %v", err), nil
	}

	if req.DryRun {
		return dryRunResult(start, fmt.Sprintf("would run through iap tunnel on %s: %s",
			inst.name, req.Command)), nil
	}

	localPort, err := freePort()
	if err != nil {
		return failure(start, models.ErrKindInternal, "allocating tunnel port: %v", err), nil
	}

	tunnelCtx, stopTunnel := context.WithCancel(ctx)
	defer stopTunnel()

	tunnel := exec.CommandContext(tunnelCtx, c.gcloudBinary,
		"compute", "start-iap-tunnel", inst.name, "22",
		"--local-host-port", fmt.Sprintf("localhost:%d", localPort),
		"--zone", inst.zone,
		"--project", inst.project)
	if err := tunnel.Start(); err != nil {
		return failure(start, models.ErrKindConnectorTransient, "starting iap tunnel: %v", err), nil
	}
	defer func() {
		stopTunnel()
		_ = tunnel.Wait()
	}()

	if err := waitForTunnel(ctx, localPort, c.tunnelWait); err != nil {
		if ctx.Err() != nil {
			return timeoutOrCancel(ctx, start), nil
		}
		return failure(start, models.ErrKindConnectorTransient, "iap tunnel did not come up: %v", err), nil
	}

	return c.runThroughTunnel(ctx, start, localPort, req)
}

// runThroughTunnel executes over SSH via the local tunnel endpoint. Host
// key verification checks the instance name, not localhost, so known_hosts
// entries keyed by instance stay authoritative.
func (c *GCPIAPConnector) runThroughTunnel(ctx context.Context, start time.Time, localPort int, req *Request) (*Result, error) {
	hostKeyCallback, err := knownhosts.New(c.ssh.knownHostsPath)
	if err != nil {
		return failure(start, models.ErrKindConnectorPermanent, "loading known_hosts: %v", err), nil
	}
	auth, err := c.ssh.authMethod(req)
	if err != nil {
		return failure(start, models.ErrKindCredential, "preparing ssh auth: %v", err), nil
	}
	cfg := &ssh.ClientConfig{
		User: req.Credential.Username,
		Auth: []ssh.AuthMethod{auth},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return hostKeyCallback(addr(req.Target.Host, req.Target.Port, defaultSSHPort), remote, key)
		},
		Timeout: c.ssh.dialTimeout,
	}

	client, err := dialSSH(ctx, fmt.Sprintf("localhost:%d", localPort), cfg)
	if err != nil {
		return classifySSHError(start, err), nil
	}
	defer client.Close()

	return c.ssh.run(ctx, start, client, req)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForTunnel polls the local endpoint until gcloud starts listening.
func waitForTunnel(ctx context.Context, port int, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("no listener on port %d after %s", port, maxWait)
}
