package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

func TestNewService_RequiresTokenAndChannel(t *testing.T) {
	assert.Nil(t, NewService(ServiceConfig{DefaultChannel: "#ops"}))
	assert.Nil(t, NewService(ServiceConfig{Token: "xoxb-test"}))
	assert.NotNil(t, NewService(ServiceConfig{Token: "xoxb-test", DefaultChannel: "#ops"}))
}

func TestNilServiceIsNoOp(t *testing.T) {
	var s *Service
	s.NotifyEscalation(context.Background(), "#ops", models.ApprovalTask{})
	s.NotifySessionTerminal(context.Background(), "s-1", "completed", "")
}

func TestBuildEscalationMessage(t *testing.T) {
	task := models.ApprovalTask{
		SessionID:   "s-42",
		StepIndex:   1,
		StepName:    "restart checkout",
		BlastRadius: models.BlastHigh,
		SLADeadline: time.Now(),
	}
	blocks := BuildEscalationMessage(task, "https://remedy.example.com")
	require.Len(t, blocks, 1)

	section, ok := blocks[0].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, section.Text.Text, "restart checkout")
	assert.Contains(t, section.Text.Text, "https://remedy.example.com/executions/s-42")
}

func TestBuildTerminalMessage(t *testing.T) {
	blocks := BuildTerminalMessage("s-42", "failed", "step 2 exited 1", "https://remedy.example.com")
	require.Len(t, blocks, 3)

	section, ok := blocks[0].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, section.Text.Text, ":x:")
	assert.Contains(t, section.Text.Text, "Execution Failed")

	// Unknown statuses fall back to a generic label.
	blocks = BuildTerminalMessage("s-42", "vanished", "", "https://remedy.example.com")
	require.Len(t, blocks, 2)
	section = blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, section.Text.Text, "Execution vanished")
}

func TestTruncateForSlack(t *testing.T) {
	short := "all good"
	assert.Equal(t, short, truncateForSlack(short))

	long := strings.Repeat("x", maxBlockTextLength+100)
	got := truncateForSlack(long)
	assert.Len(t, got, maxBlockTextLength+len("\n_(truncated)_"))
	assert.True(t, strings.HasSuffix(got, "_(truncated)_"))
}

func TestNotifyEscalation_PostsToAPI(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Contains(t, r.URL.Path, "chat.postMessage")
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "#ops-escalations", r.Form.Get("channel"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClientWithAPIURL("xoxb-test", srv.URL+"/")
	svc := NewServiceWithClient(client, "#ops", "https://remedy.example.com")

	svc.NotifyEscalation(context.Background(), "#ops-escalations", models.ApprovalTask{
		SessionID: "s-1",
		StepName:  "restart",
	})
	assert.Equal(t, 1, calls)

	// Empty channel falls back to the default.
	srvChannel := ""
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		srvChannel = r.Form.Get("channel")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv2.Close()

	svc2 := NewServiceWithClient(NewClientWithAPIURL("xoxb-test", srv2.URL+"/"), "#ops", "")
	svc2.NotifyEscalation(context.Background(), "", models.ApprovalTask{SessionID: "s-2"})
	assert.Equal(t, "#ops", srvChannel)
}
