package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

// AzureConnector executes commands on Azure VMs via the Run Command API.
// Azure serializes run commands per VM; a rejected overlapping invocation
// surfaces as target_busy so the step can retry against the same VM later
// instead of failing outright.
type AzureConnector struct{}

// NewAzureConnector builds the Azure Run Command connector.
func NewAzureConnector() *AzureConnector {
	return &AzureConnector{}
}

// Kind identifies this connector.
func (c *AzureConnector) Kind() models.ConnectorKind { return models.ConnectorAzureRunCmd }

// Execute runs the command on the VM identified by the target's resource
// ID. The credential handle carries an Azure service principal: username
// is "tenant_id/client_id", the secret is the client secret.
func (c *AzureConnector) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	rid, err := arm.ParseResourceID(req.Target.ResourceID)
	if err != nil {
		return failure(start, models.ErrKindValidation, "invalid azure resource id %q: %v", req.Target.ResourceID, err), nil
	}

	if req.DryRun {
		return dryRunResult(start, fmt.Sprintf("would run via azure run command on %s: %s",
			rid.Name, req.Command)), nil
	}

	cred, err := c.servicePrincipal(req)
	if err != nil {
		return failure(start, models.ErrKindCredential, "building azure credential: %v", err), nil
	}

	client, err := armcompute.NewVirtualMachinesClient(rid.SubscriptionID, cred, nil)
	if err != nil {
		return failure(start, models.ErrKindInternal, "creating compute client: %v", err), nil
	}

	input := armcompute.RunCommandInput{
		CommandID: ptr("RunShellScript"),
		Script:    []*string{ptr(req.Command)},
	}
	poller, err := client.BeginRunCommand(ctx, rid.ResourceGroupName, rid.Name, input, nil)
	if err != nil {
		return classifyAzureError(ctx, start, err), nil
	}

	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return classifyAzureError(ctx, start, err), nil
	}

	res := &Result{Success: true, Duration: time.Since(start)}
	var out strings.Builder
	for _, status := range resp.Value {
		if status == nil || status.Message == nil {
			continue
		}
		out.WriteString(*status.Message)
		if status.Code != nil && strings.Contains(*status.Code, "Failed") {
			res.Success = false
			res.ExitCode = 1
			res.ErrorKind = models.ErrKindConnectorPermanent
			res.FailReason = "run command reported failure"
		}
	}
	res.Stdout = out.String()
	if req.OnOutput != nil && res.Stdout != "" {
		req.OnOutput("stdout", []byte(res.Stdout))
	}
	return res, nil
}

func (c *AzureConnector) servicePrincipal(req *Request) (azcore.TokenCredential, error) {
	parts := strings.SplitN(req.Credential.Username, "/", 2)
	if len(parts) != 2 {
		return nil, errors.New(`azure credential username must be "tenant_id/client_id"`)
	}
	var cred *azidentity.ClientSecretCredential
	err := req.Credential.Use(func(secret []byte) error {
		var buildErr error
		cred, buildErr = azidentity.NewClientSecretCredential(parts[0], parts[1], string(secret), nil)
		return buildErr
	})
	return cred, err
}

// classifyAzureError maps ARM failures to the taxonomy. A 409 with
// Conflict or RunCommandInProgress means another invocation holds the VM.
func classifyAzureError(ctx context.Context, start time.Time, err error) *Result {
	if ctx.Err() != nil {
		return timeoutOrCancel(ctx, start)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == 409,
			respErr.ErrorCode == "Conflict",
			respErr.ErrorCode == "RunCommandInProgress":
			return failure(start, models.ErrKindTargetBusy, "run command already in progress on target")
		case respErr.StatusCode == 401 || respErr.StatusCode == 403:
			return failure(start, models.ErrKindCredential, "azure authorization failed: %s", respErr.ErrorCode)
		case respErr.StatusCode == 404:
			return failure(start, models.ErrKindConnectorPermanent, "azure resource not found")
		case respErr.StatusCode >= 500:
			return failure(start, models.ErrKindConnectorTransient, "azure service error %d", respErr.StatusCode)
		}
	}
	return failure(start, models.ErrKindConnectorTransient, "azure run command failed: %v", err)
}

func ptr[T any](v T) *T { return &v }
