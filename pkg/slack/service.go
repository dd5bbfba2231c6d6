// Package slack delivers operator notifications: approval escalations and
// terminal session status. Delivery is fail-open; a Slack outage never
// blocks the state machine.
package slack

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token          string
	DefaultChannel string
	DashboardURL   string
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client         *Client
	defaultChannel string
	dashboardURL   string
	logger         *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or DefaultChannel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.DefaultChannel == "" {
		return nil
	}
	return &Service{
		client:         NewClient(cfg.Token),
		defaultChannel: cfg.DefaultChannel,
		dashboardURL:   cfg.DashboardURL,
		logger:         slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, defaultChannel, dashboardURL string) *Service {
	return &Service{
		client:         client,
		defaultChannel: defaultChannel,
		dashboardURL:   dashboardURL,
		logger:         slog.Default().With("component", "slack-service"),
	}
}

// NotifyEscalation delivers an expired-approval escalation. Implements the
// approval gate's EscalationNotifier.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyEscalation(ctx context.Context, channel string, task models.ApprovalTask) {
	if s == nil {
		return
	}
	if channel == "" {
		channel = s.defaultChannel
	}

	blocks := BuildEscalationMessage(task, s.dashboardURL)
	if err := s.client.PostMessage(ctx, channel, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send Slack escalation",
			"session_id", task.SessionID,
			"step_index", task.StepIndex,
			"error", err)
	}
}

// NotifySessionTerminal sends a terminal status notification.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifySessionTerminal(ctx context.Context, sessionID, status, detail string) {
	if s == nil {
		return
	}

	blocks := BuildTerminalMessage(sessionID, status, detail, s.dashboardURL)
	if err := s.client.PostMessage(ctx, s.defaultChannel, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification",
			"session_id", sessionID,
			"status", status,
			"error", err)
	}
}
