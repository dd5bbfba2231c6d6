// Package approval implements the approval gate: SLA timers for pending
// approvals, expiry events, and escalation notification. Decisions
// themselves are applied by the session state machine; the gate owns only
// the clock.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

// ExpireFunc notifies the state machine that an approval SLA elapsed.
type ExpireFunc func(ctx context.Context, tenantID, sessionID string, stepIndex int) error

// EscalationNotifier delivers expired-approval notifications to the
// configured escalation channel.
type EscalationNotifier interface {
	NotifyEscalation(ctx context.Context, channel string, task models.ApprovalTask)
}

// LogNotifier is the default escalation notifier: structured log only.
type LogNotifier struct{}

// NotifyEscalation logs the escalation.
func (LogNotifier) NotifyEscalation(_ context.Context, channel string, task models.ApprovalTask) {
	slog.Warn("Approval SLA expired, escalating",
		"channel", channel,
		"session_id", task.SessionID,
		"step_index", task.StepIndex,
		"step_name", task.StepName,
		"deadline", task.SLADeadline)
}

// Gate schedules approval SLA timers.
type Gate struct {
	expire   ExpireFunc
	notifier EscalationNotifier
	channel  string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	tasks   map[string]models.ApprovalTask
	stopped bool
}

// NewGate creates an approval gate. notifier may be nil; escalations then
// go to the log.
func NewGate(expire ExpireFunc, notifier EscalationNotifier, escalationChannel string) *Gate {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Gate{
		expire:   expire,
		notifier: notifier,
		channel:  escalationChannel,
		timers:   make(map[string]*time.Timer),
		tasks:    make(map[string]models.ApprovalTask),
	}
}

func taskKey(sessionID string, stepIndex int) string {
	return fmt.Sprintf("%s/%d", sessionID, stepIndex)
}

// Schedule starts the SLA timer for one approval task. A deadline already
// in the past (SLA of zero) fires on the next tick.
func (g *Gate) Schedule(task models.ApprovalTask) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}

	key := taskKey(task.SessionID, task.StepIndex)
	if t, ok := g.timers[key]; ok {
		t.Stop()
	}

	d := time.Until(task.SLADeadline)
	if d < 0 {
		d = 0
	}
	g.tasks[key] = task
	g.timers[key] = time.AfterFunc(d, func() { g.fire(key) })
}

// CancelTimer stops the SLA timer after a decision was applied.
func (g *Gate) CancelTimer(sessionID string, stepIndex int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := taskKey(sessionID, stepIndex)
	if t, ok := g.timers[key]; ok {
		t.Stop()
		delete(g.timers, key)
		delete(g.tasks, key)
	}
}

// PendingTasks returns a snapshot of approvals still waiting on a
// decision.
func (g *Gate) PendingTasks() []models.ApprovalTask {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.ApprovalTask, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}

// Stop cancels all timers. Pending approvals survive in session state;
// their SLA clocks restart with the next Schedule call.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for key, t := range g.timers {
		t.Stop()
		delete(g.timers, key)
		delete(g.tasks, key)
	}
}

func (g *Gate) fire(key string) {
	g.mu.Lock()
	task, ok := g.tasks[key]
	delete(g.timers, key)
	delete(g.tasks, key)
	g.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := g.expire(ctx, task.TenantID, task.SessionID, task.StepIndex); err != nil {
		slog.Error("Failed to expire approval",
			"session_id", task.SessionID, "step_index", task.StepIndex, "error", err)
		return
	}
	g.notifier.NotifyEscalation(ctx, g.channel, task)
}
