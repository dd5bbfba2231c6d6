package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/models"
)

const defaultSSHPort = 22

// SSHConnector executes commands over SSH with strict host key
// verification and optional bastion hopping. Input safety is decided at
// bind time: shell-quoted values for requires_shell steps, verbatim
// values otherwise; the connector runs the realized string as-is.
type SSHConnector struct {
	knownHostsPath string
	killGrace      time.Duration
	dialTimeout    time.Duration
}

// NewSSHConnector builds the SSH connector from config.
func NewSSHConnector(cfg config.ConnectorsConfig) *SSHConnector {
	return &SSHConnector{
		knownHostsPath: cfg.KnownHostsPath,
		killGrace:      cfg.KillGrace,
		dialTimeout:    15 * time.Second,
	}
}

// Kind identifies this connector.
func (c *SSHConnector) Kind() models.ConnectorKind { return models.ConnectorSSH }

// Execute runs the command on the target host.
func (c *SSHConnector) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	hostKeyCallback, err := knownhosts.New(c.knownHostsPath)
	if err != nil {
		return failure(start, models.ErrKindConnectorPermanent, "loading known_hosts: %v", err), nil
	}

	if req.DryRun {
		return dryRunResult(start, fmt.Sprintf("would run over ssh on %s: %s",
			addr(req.Target.Host, req.Target.Port, defaultSSHPort), req.Command)), nil
	}

	auth, err := c.authMethod(req)
	if err != nil {
		return failure(start, models.ErrKindCredential, "preparing ssh auth: %v", err), nil
	}

	clientCfg := &ssh.ClientConfig{
		User:            req.Credential.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.dialTimeout,
	}

	client, err := c.dial(ctx, req.Target, clientCfg)
	if err != nil {
		return classifySSHError(start, err), nil
	}
	defer client.Close()

	return c.run(ctx, start, client, req)
}

// dial connects to the target, through the bastion when one is
// configured. The bastion uses the same credential and host key policy as
// the target.
func (c *SSHConnector) dial(ctx context.Context, target models.InfrastructureConnection, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	targetAddr := addr(target.Host, target.Port, defaultSSHPort)

	if target.BastionHost == "" {
		return dialSSH(ctx, targetAddr, cfg)
	}

	bastion, err := dialSSH(ctx, addr(target.BastionHost, target.BastionPort, defaultSSHPort), cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to bastion: %w", err)
	}

	tunnel, err := bastion.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		bastion.Close()
		return nil, fmt.Errorf("tunneling to target through bastion: %w", err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(tunnel, targetAddr, cfg)
	if err != nil {
		bastion.Close()
		return nil, err
	}
	client := ssh.NewClient(conn, chans, reqs)
	// Tie the bastion's lifetime to the target client.
	go func() {
		_ = client.Wait()
		bastion.Close()
	}()
	return client, nil
}

func (c *SSHConnector) run(ctx context.Context, start time.Time, client *ssh.Client, req *Request) (*Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return classifySSHError(start, err), nil
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return failure(start, models.ErrKindInternal, "opening stdout: %v", err), nil
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return failure(start, models.ErrKindInternal, "opening stderr: %v", err), nil
	}

	if err := session.Start(req.Command); err != nil {
		return classifySSHError(start, err), nil
	}

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go streamOutput(&wg, stdout, &outBuf, "stdout", req.OnOutput)
	go streamOutput(&wg, stderr, &errBuf, "stderr", req.OnOutput)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- session.Wait()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Cooperative stop first, hard close after the grace window.
		_ = session.Signal(ssh.SIGTERM)
		select {
		case err = <-done:
		case <-time.After(c.killGrace):
			session.Close()
			client.Close()
			<-done
		}
		res := timeoutOrCancel(ctx, start)
		res.Stdout = outBuf.String()
		res.Stderr = errBuf.String()
		return res, nil
	}

	res := &Result{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		res.Success = true
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		res.ErrorKind = models.ErrKindConnectorPermanent
		res.FailReason = fmt.Sprintf("command exited with status %d", res.ExitCode)
		return res, nil
	}
	res.ExitCode = -1
	res.ErrorKind = models.ErrKindConnectorTransient
	res.FailReason = fmt.Sprintf("ssh session failed: %v", err)
	return res, nil
}

// authMethod builds the ssh auth from the credential handle. The secret is
// only borrowed long enough to derive the signer or password.
func (c *SSHConnector) authMethod(req *Request) (ssh.AuthMethod, error) {
	switch req.Credential.Kind {
	case "private_key":
		var signer ssh.Signer
		err := req.Credential.Use(func(secret []byte) error {
			var parseErr error
			signer, parseErr = ssh.ParsePrivateKey(secret)
			return parseErr
		})
		if err != nil {
			return nil, err
		}
		return ssh.PublicKeys(signer), nil
	default:
		var password string
		err := req.Credential.Use(func(secret []byte) error {
			password = string(secret)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ssh.Password(password), nil
	}
}

func dialSSH(ctx context.Context, address string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func streamOutput(wg *sync.WaitGroup, r io.Reader, buf *strings.Builder, kind string, onOutput OutputFunc) {
	defer wg.Done()
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if onOutput != nil {
				cp := make([]byte, n)
				copy(cp, chunk[:n])
				onOutput(kind, cp)
			}
		}
		if err != nil {
			return
		}
	}
}

// classifySSHError maps connection-phase errors to the error taxonomy.
// Host key mismatches and auth failures never retry; network errors may.
func classifySSHError(start time.Time, err error) *Result {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "knownhosts: key mismatch"),
		strings.Contains(msg, "knownhosts: key is unknown"):
		return failure(start, models.ErrKindConnectorPermanent, "host key verification failed: %v", err)
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return failure(start, models.ErrKindCredential, "ssh authentication failed: %v", err)
	default:
		return failure(start, models.ErrKindConnectorTransient, "ssh connection failed: %v", err)
	}
}

func addr(host string, port, def int) string {
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}
