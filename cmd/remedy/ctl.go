package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/api"
)

// Exit codes of the control subcommand.
const (
	exitOK          = 0
	exitMisuse      = 2
	exitUnavailable = 10
	exitRejected    = 20
)

const ctlUsage = `Usage: remedy ctl [flags] <command> <session-id> [args]

Commands:
  status  <session-id>               Show an execution session
  cancel  <session-id> [reason]      Cancel an execution
  approve <session-id> <step-index>  Approve a step awaiting approval
  reject  <session-id> <step-index>  Reject a step awaiting approval
  resume  <session-id>               Resume a paused execution

Flags:
`

// runCtl is a thin operator client over the REST surface. It returns the
// process exit code: 0 success, 2 misuse, 10 orchestrator unreachable,
// 20 tenant or policy rejection.
func runCtl(args []string) int {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	server := fs.String("server", getEnv("REMEDY_SERVER", "http://localhost:8080"), "Orchestrator base URL")
	tenant := fs.String("tenant", os.Getenv("REMEDY_TENANT"), "Tenant identifier")
	actor := fs.String("actor", os.Getenv("USER"), "Acting operator identity")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), ctlUsage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitMisuse
	}

	rest := fs.Args()
	if len(rest) < 2 || *tenant == "" {
		fs.Usage()
		return exitMisuse
	}
	command, sessionID := rest[0], rest[1]

	method := http.MethodPost
	var path string
	var body any
	switch command {
	case "status":
		method = http.MethodGet
		path = "/api/v1/executions/" + sessionID
	case "cancel":
		reason := "cancelled by operator"
		if len(rest) > 2 {
			reason = rest[2]
		}
		path = "/api/v1/executions/" + sessionID + "/cancel"
		body = api.CancelExecutionRequest{Reason: reason, Actor: *actor}
	case "approve", "reject":
		if len(rest) < 3 {
			fs.Usage()
			return exitMisuse
		}
		idx, err := strconv.Atoi(rest[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, "step index must be a number:", rest[2])
			return exitMisuse
		}
		decision := "approve"
		if command == "reject" {
			decision = "reject"
		}
		path = "/api/v1/executions/" + sessionID + "/approve"
		body = api.ApproveStepRequest{StepIndex: idx, Approver: *actor, Decision: decision}
	case "resume":
		path = "/api/v1/executions/" + sessionID + "/resume"
		body = api.ResumeExecutionRequest{Actor: *actor}
	default:
		fs.Usage()
		return exitMisuse
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encoding request:", err)
			return exitMisuse
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, strings.TrimRight(*server, "/")+path, payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, "building request:", err)
		return exitMisuse
	}
	req.Header.Set("X-Tenant-Id", *tenant)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator unreachable:", err)
		return exitUnavailable
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading response:", err)
		return exitUnavailable
	}

	switch {
	case resp.StatusCode < http.StatusMultipleChoices:
		fmt.Println(strings.TrimSpace(string(out)))
		return exitOK
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		fmt.Fprintln(os.Stderr, strings.TrimSpace(string(out)))
		return exitMisuse
	case resp.StatusCode >= http.StatusInternalServerError:
		fmt.Fprintln(os.Stderr, strings.TrimSpace(string(out)))
		return exitUnavailable
	default:
		// 401/403/409/422/429: authentication, protocol, or tenant limits.
		fmt.Fprintln(os.Stderr, strings.TrimSpace(string(out)))
		return exitRejected
	}
}
