package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

const maxBlockTextLength = 2900

var statusEmoji = map[string]string{
	"completed": ":white_check_mark:",
	"failed":    ":x:",
	"cancelled": ":no_entry_sign:",
	"paused":    ":double_vertical_bar:",
}

var statusLabel = map[string]string{
	"completed": "Execution Complete",
	"failed":    "Execution Failed",
	"cancelled": "Execution Cancelled",
	"paused":    "Execution Paused",
}

func sessionURL(sessionID, dashboardURL string) string {
	return fmt.Sprintf("%s/executions/%s", dashboardURL, sessionID)
}

// BuildEscalationMessage creates Block Kit blocks for an expired approval.
func BuildEscalationMessage(task models.ApprovalTask, dashboardURL string) []goslack.Block {
	url := sessionURL(task.SessionID, dashboardURL)
	text := fmt.Sprintf(
		":rotating_light: *Approval SLA expired*\nStep *%s* (index %d, blast radius %s) was not decided before %s.\n<%s|View execution>",
		task.StepName, task.StepIndex, task.BlastRadius, task.SLADeadline.Format("15:04:05 MST"), url)

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(text), false, false),
			nil, nil,
		),
	}
}

// BuildTerminalMessage creates Block Kit blocks for a terminal session notification.
func BuildTerminalMessage(sessionID, status, detail, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[status]
	if label == "" {
		label = "Execution " + status
	}

	url := sessionURL(sessionID, dashboardURL)
	header := fmt.Sprintf("%s *%s*", emoji, label)

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}
	if detail != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(detail), false, false),
			nil, nil,
		))
	}
	blocks = append(blocks, goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("<%s|View execution>", url), false, false),
	))
	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n_(truncated)_"
}
