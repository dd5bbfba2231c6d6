// Package events provides the execution event bus: events are persisted to
// the per-session log (contiguous seq starting at 1) before any live
// delivery, then fanned out to WebSocket subscribers. Cross-replica
// distribution uses PostgreSQL NOTIFY/LISTEN; subscribers that reconnect
// supply a seq cursor and receive missed events from the log followed by
// the live tail.
//
// Ordering: per-session only. Events of different sessions may interleave
// arbitrarily.
package events

import (
	"fmt"
	"strings"
)

// ChannelPrefix namespaces session channels.
const channelPrefix = "exec:"

// SessionChannel returns the fan-out channel for one session's events.
// Format: "exec:{tenant}:{session_id}". Tenant identifiers are short slugs;
// the combined name stays within PostgreSQL's 63-byte channel identifier
// limit for UUID session ids.
func SessionChannel(tenantID, sessionID string) string {
	return channelPrefix + tenantID + ":" + sessionID
}

// ParseChannel splits a session channel back into tenant and session id.
func ParseChannel(channel string) (tenantID, sessionID string, err error) {
	rest, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return "", "", fmt.Errorf("not a session channel: %q", channel)
	}
	tenantID, sessionID, ok = strings.Cut(rest, ":")
	if !ok || tenantID == "" || sessionID == "" {
		return "", "", fmt.Errorf("malformed session channel: %q", channel)
	}
	return tenantID, sessionID, nil
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action   string `json:"action"`              // "subscribe", "unsubscribe", "catchup", "ping"
	Channel  string `json:"channel,omitempty"`   // e.g. "exec:acme:1f0c..."
	SinceSeq *int64 `json:"since_seq,omitempty"` // replay cursor for catchup
}

// StepOutputPayload is the payload of step.output events: one chunk of
// connector output with a per-step monotonically increasing chunk sequence
// and a kind tag (stdout or stderr).
type StepOutputPayload struct {
	ChunkSeq int64  `json:"chunk_seq"`
	Kind     string `json:"kind"` // "stdout" | "stderr"
	Data     string `json:"data"`
	Rollback bool   `json:"rollback,omitempty"`
}

// StepCompletedPayload is the payload of step.completed and step.failed
// events.
type StepCompletedPayload struct {
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ApprovalPayload is the payload of approval.* events.
type ApprovalPayload struct {
	StepName  string `json:"step_name,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Approver  string `json:"approver,omitempty"`
	Notes     string `json:"notes,omitempty"`
	TwoPerson bool   `json:"two_person,omitempty"`
	Deadline  string `json:"deadline,omitempty"` // RFC3339
}

// SessionStatusPayload is the payload of session lifecycle events.
type SessionStatusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
