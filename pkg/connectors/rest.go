package connectors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/masking"
	"github.com/codeready-toolchain/remedy/pkg/models"
)

// capturedHeaders are the only response headers included in step output.
// Everything else is dropped rather than risk echoing auth material.
var capturedHeaders = []string{"Content-Type", "Content-Length", "Retry-After", "X-Request-Id"}

// RESTConnector calls management APIs over HTTPS. The command is
// "METHOD path" with an optional request body after the path, e.g.
// "POST /api/v1/services/payments/restart {}". Captured bodies are
// truncated at the configured cap and masked before capture.
type RESTConnector struct {
	bodyCap int
	masker  *masking.Service
	client  *http.Client
}

// NewRESTConnector builds the REST connector from config.
func NewRESTConnector(cfg config.ConnectorsConfig, masker *masking.Service) *RESTConnector {
	return &RESTConnector{
		bodyCap: cfg.RESTBodyCap,
		masker:  masker,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Kind identifies this connector.
func (c *RESTConnector) Kind() models.ConnectorKind { return models.ConnectorREST }

// Execute performs the HTTP call described by the command.
func (c *RESTConnector) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	method, path, body, err := parseRESTCommand(req.Command)
	if err != nil {
		return failure(start, models.ErrKindValidation, "%v", err), nil
	}

	scheme := "https"
	u := fmt.Sprintf("%s://%s%s", scheme, addr(req.Target.Host, req.Target.Port, 443), path)

	if req.DryRun {
		return dryRunResult(start, fmt.Sprintf("would call %s %s", method, u)), nil
	}

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return failure(start, models.ErrKindValidation, "building request: %v", err), nil
	}
	if body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	var token string
	if err := req.Credential.Use(func(secret []byte) error {
		token = string(secret)
		return nil
	}); err != nil {
		return failure(start, models.ErrKindCredential, "borrowing api credential: %v", err), nil
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return timeoutOrCancel(ctx, start), nil
		}
		return failure(start, models.ErrKindConnectorTransient, "http request failed: %v", err), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.bodyCap)))
	if err != nil {
		return failure(start, models.ErrKindConnectorTransient, "reading response: %v", err), nil
	}
	truncated := false
	if _, err := resp.Body.Read(make([]byte, 1)); err != io.EOF {
		truncated = true
	}

	var out strings.Builder
	out.WriteString(fmt.Sprintf("HTTP %s\n", resp.Status))
	for _, h := range capturedHeaders {
		if v := resp.Header.Get(h); v != "" {
			out.WriteString(fmt.Sprintf("%s: %s\n", h, v))
		}
	}
	out.WriteString("\n")
	out.Write(respBody)
	if truncated {
		out.WriteString(fmt.Sprintf("\n[truncated at %d bytes]", c.bodyCap))
	}

	// Mask the exact token value too, in case the API echoes it back.
	captured := c.masker.MaskValue(out.String(), token)
	token = ""

	res := &Result{
		ExitCode: resp.StatusCode,
		Stdout:   captured,
		Duration: time.Since(start),
	}
	if req.OnOutput != nil {
		req.OnOutput("stdout", []byte(captured))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Success = true
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		res.ErrorKind = models.ErrKindCredential
		res.FailReason = fmt.Sprintf("api rejected credentials with %s", resp.Status)
	case resp.StatusCode == 409 || resp.StatusCode == 423:
		res.ErrorKind = models.ErrKindTargetBusy
		res.FailReason = fmt.Sprintf("target busy: %s", resp.Status)
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		res.ErrorKind = models.ErrKindConnectorTransient
		res.FailReason = fmt.Sprintf("api returned %s", resp.Status)
	default:
		res.ErrorKind = models.ErrKindConnectorPermanent
		res.FailReason = fmt.Sprintf("api returned %s", resp.Status)
	}
	return res, nil
}

func parseRESTCommand(command string) (method, path, body string, err error) {
	parts := strings.SplitN(strings.TrimSpace(command), " ", 3)
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf(`rest command must be "METHOD /path [body]", got %q`, command)
	}
	method = strings.ToUpper(parts[0])
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return "", "", "", fmt.Errorf("unsupported http method %q", parts[0])
	}
	path = parts[1]
	if !strings.HasPrefix(path, "/") {
		return "", "", "", fmt.Errorf("rest path must be absolute, got %q", path)
	}
	if len(parts) == 3 {
		body = parts[2]
	}
	return method, path, body, nil
}
