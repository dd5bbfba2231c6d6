// Package worker implements the execution plane: runtimes that claim
// queued commands, run them through policy, credentials and connectors,
// and report results back to the session state machine. It also hosts
// the control-plane monitor that detects lost workers and redelivers
// unacknowledged messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/connectors"
	"github.com/codeready-toolchain/remedy/pkg/credentials"
	"github.com/codeready-toolchain/remedy/pkg/events"
	"github.com/codeready-toolchain/remedy/pkg/masking"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/policy"
	"github.com/codeready-toolchain/remedy/pkg/sessions"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// Options identifies one worker runtime and its reach.
type Options struct {
	// WorkerID defaults to "worker-{hostname}-{short uuid}".
	WorkerID string

	// TenantScope lists the tenants this worker serves; "*" means all.
	TenantScope []string

	// NetworkSegment is the segment the worker runs in ("production",
	// "staging", ...). Policy refuses production commands from workers
	// outside the production segment.
	NetworkSegment string
}

// Runtime is one worker: it claims messages, executes them, and reports
// results.
type Runtime struct {
	cfg      config.QueueConfig
	store    storage.Store
	manager  *sessions.Manager
	broker   *credentials.Broker
	registry *connectors.Registry
	engine   *policy.Engine
	masker   *masking.Service
	bus      *events.Bus
	cancels  *CancelRegistry

	worker *models.AgentWorker
	load   atomic.Int64
}

// NewRuntime wires a worker runtime. The cancel registry is shared with
// the session manager so operator cancels reach in-flight steps.
func NewRuntime(cfg config.QueueConfig, opts Options, store storage.Store, manager *sessions.Manager,
	broker *credentials.Broker, registry *connectors.Registry, engine *policy.Engine,
	masker *masking.Service, bus *events.Bus, cancels *CancelRegistry) *Runtime {

	id := opts.WorkerID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("worker-%s-%s", host, uuid.NewString()[:8])
	}
	scope := opts.TenantScope
	if len(scope) == 0 {
		scope = []string{"*"}
	}
	return &Runtime{
		cfg:      cfg,
		store:    store,
		manager:  manager,
		broker:   broker,
		registry: registry,
		engine:   engine,
		masker:   masker,
		bus:      bus,
		cancels:  cancels,
		worker: &models.AgentWorker{
			WorkerID:       id,
			TenantScope:    scope,
			NetworkSegment: opts.NetworkSegment,
			Capabilities:   registry.Kinds(),
			MaxLoad:        cfg.MaxLoad,
			State:          models.WorkerIdle,
		},
	}
}

// WorkerID returns this runtime's identity.
func (r *Runtime) WorkerID() string { return r.worker.WorkerID }

// Run registers the worker and drives the heartbeat and claim loops until
// the context is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	now := time.Now()
	r.worker.RegisteredAt = now
	r.worker.LastHeartbeatAt = now
	if err := r.store.Global().RegisterWorker(ctx, r.worker); err != nil {
		return fmt.Errorf("registering worker %s: %w", r.worker.WorkerID, err)
	}
	slog.Info("Worker registered",
		"worker_id", r.worker.WorkerID,
		"capabilities", r.worker.Capabilities,
		"tenant_scope", r.worker.TenantScope)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(ctx) })
	g.Go(func() error { return r.claimLoop(ctx) })
	return g.Wait()
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.store.Global().Heartbeat(ctx, r.worker.WorkerID, int(r.load.Load()), time.Now()); err != nil {
				slog.Error("Heartbeat failed", "worker_id", r.worker.WorkerID, "error", err)
			}
		}
	}
}

// claimLoop polls for eligible messages with a jittered interval so
// replicas do not stampede the queue.
func (r *Runtime) claimLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.jitteredPoll()):
		}

		if r.load.Load() >= int64(r.worker.MaxLoad) {
			continue
		}

		msg, err := r.store.Global().ClaimNext(ctx, r.worker, time.Now())
		if err != nil {
			if errors.Is(err, storage.ErrNoMessages) {
				continue
			}
			slog.Error("Claiming message failed", "worker_id", r.worker.WorkerID, "error", err)
			continue
		}

		r.load.Add(1)
		go func() {
			defer r.load.Add(-1)
			r.process(ctx, msg)
		}()
	}
}

func (r *Runtime) jitteredPoll() time.Duration {
	base := r.cfg.PollInterval
	if r.cfg.PollIntervalJitter <= 0 {
		return base
	}
	j := time.Duration(rand.Int63n(int64(2*r.cfg.PollIntervalJitter))) - r.cfg.PollIntervalJitter
	if base+j <= 0 {
		return base
	}
	return base + j
}

// process runs the full pipeline for one claimed message: claim the step,
// evaluate policy, fetch credentials, execute, report, acknowledge. A
// redelivered message whose outcome is already recorded is acknowledged
// without executing; the first outcome stands.
func (r *Runtime) process(ctx context.Context, msg *storage.CommandMessage) {
	log := slog.With(
		"worker_id", r.worker.WorkerID,
		"session_id", msg.SessionID,
		"step_index", msg.StepIndex,
		"rollback", msg.Rollback)

	if r.outcomeRecorded(ctx, msg) {
		log.Info("Duplicate delivery, outcome already recorded",
			"idempotency_key", msg.IdempotencyKey, "attempts", msg.Attempts)
		if err := r.store.Global().Ack(ctx, msg.MessageID, r.worker.WorkerID); err != nil {
			log.Error("Acking duplicate message failed", "message_id", msg.MessageID, "error", err)
		}
		return
	}

	if err := r.manager.ClaimStep(ctx, msg.TenantID, msg.SessionID, msg.StepIndex, r.worker.WorkerID); err != nil {
		var protoErr *sessions.ProtocolError
		if errors.As(err, &protoErr) {
			log.Warn("Step claim rejected", "reason", protoErr.Reason)
			r.nak(ctx, msg, protoErr.Reason)
			return
		}
		log.Error("Step claim failed", "error", err)
		r.nak(ctx, msg, err.Error())
		return
	}

	// The step timeout is far longer than the ack window; keep the lease
	// alive while the command runs.
	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		r.renewClaim(renewCtx, msg, log)
	}()

	result := r.execute(ctx, msg, log)

	stopRenew()
	<-renewDone

	if err := r.manager.RecordStepResult(ctx, msg.TenantID, msg.SessionID, msg.StepIndex,
		r.worker.WorkerID, result, msg.Rollback); err != nil {
		log.Error("Recording step result failed", "error", err)
	}
	if err := r.store.Global().Ack(ctx, msg.MessageID, r.worker.WorkerID); err != nil {
		log.Error("Acking message failed", "message_id", msg.MessageID, "error", err)
	}
}

// outcomeRecorded reports whether the message's step already carries an
// outcome for this delivery: a terminal step status for command messages,
// the rollback fields for rollback messages.
func (r *Runtime) outcomeRecorded(ctx context.Context, msg *storage.CommandMessage) bool {
	step, err := r.store.Tenant(msg.TenantID).GetStep(ctx, msg.SessionID, msg.StepIndex)
	if err != nil {
		return false
	}
	if msg.Rollback {
		return step.RollbackExecuted
	}
	return step.Status.Terminal()
}

// renewClaim extends the claim lease at half the ack window until stopped.
func (r *Runtime) renewClaim(ctx context.Context, msg *storage.CommandMessage, log *slog.Logger) {
	interval := r.cfg.AckWindow / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Global().ExtendClaim(ctx, msg.MessageID, r.worker.WorkerID, time.Now()); err != nil {
				log.Warn("Extending claim lease failed", "message_id", msg.MessageID, "error", err)
			}
		}
	}
}

// execute produces the step result. It never returns nil; failures are
// classified into the result.
func (r *Runtime) execute(ctx context.Context, msg *storage.CommandMessage, log *slog.Logger) *models.StepResult {
	tenant := r.store.Tenant(msg.TenantID)
	step, err := tenant.GetStep(ctx, msg.SessionID, msg.StepIndex)
	if err != nil {
		return failResult(models.ErrKindInternal, fmt.Sprintf("loading step: %v", err))
	}
	session, err := tenant.GetSession(ctx, msg.SessionID)
	if err != nil {
		return failResult(models.ErrKindInternal, fmt.Sprintf("loading session: %v", err))
	}

	if verdict := r.checkPolicy(ctx, msg, session, step); verdict != nil {
		log.Warn("Policy refused command", "rule", verdict.Rule, "reason", verdict.Reason)
		return failResult(models.ErrKindPolicyDenied,
			fmt.Sprintf("policy rule %s: %s", verdict.Rule, verdict.Reason))
	}

	connector, err := r.registry.Get(msg.Kind)
	if err != nil {
		return failResult(models.ErrKindValidation, err.Error())
	}

	handle, err := r.broker.Fetch(ctx, msg.Target.CredentialRef)
	if err != nil {
		return failResult(models.ErrKindCredential,
			fmt.Sprintf("fetching credential %s: %v", msg.Target.CredentialRef, err))
	}
	defer r.broker.Release(handle)

	attempts := 0
	bo := backoff.NewExponentialBackOff()
	for {
		res := r.attempt(ctx, msg, step, connector, handle)
		if res.Success || !r.shouldRetry(msg, session, step, res, attempts) {
			return r.finishResult(msg, res)
		}
		attempts++
		wait := bo.NextBackOff()
		log.Info("Retrying step after transient failure",
			"attempt", attempts, "wait", wait, "reason", res.FailReason)
		select {
		case <-ctx.Done():
			return r.finishResult(msg, res)
		case <-time.After(wait):
		}
	}
}

// attempt performs one connector execution with the step timeout, output
// streaming and cancel tracking.
func (r *Runtime) attempt(ctx context.Context, msg *storage.CommandMessage, step *models.ExecutionStep,
	connector connectors.Connector, handle *credentials.Handle) *connectors.Result {

	timeout := time.Duration(msg.TimeoutSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.cancels.Track(msg.SessionID, msg.StepIndex, cancel)
	defer r.cancels.Untrack(msg.SessionID, msg.StepIndex)

	var chunkSeq int64
	onOutput := func(kind string, data []byte) {
		chunkSeq++
		masked := r.masker.Mask(string(data))
		_, err := r.bus.PublishKind(ctx, msg.TenantID, msg.SessionID, models.EventStepOutput,
			msg.StepIndex, events.StepOutputPayload{
				ChunkSeq: chunkSeq,
				Kind:     kind,
				Data:     masked,
				Rollback: msg.Rollback,
			})
		if err != nil {
			slog.Debug("Publishing output chunk failed", "session_id", msg.SessionID, "error", err)
		}
	}

	res, err := connector.Execute(execCtx, &connectors.Request{
		Command:       msg.Command,
		RequiresShell: step.RequiresShell,
		Timeout:       timeout,
		Target:        msg.Target,
		Credential:    handle,
		DryRun:        msg.DryRun,
		OnOutput:      onOutput,
	})
	if err != nil {
		return &connectors.Result{
			ErrorKind:  models.ErrKindInternal,
			ExitCode:   -1,
			FailReason: err.Error(),
		}
	}
	return res
}

// shouldRetry applies the retry policy: transient errors only, idempotent
// non-destructive steps only, blast radius at most medium, within the
// step's attempt budget. Rollback commands never retry.
func (r *Runtime) shouldRetry(msg *storage.CommandMessage, session *models.ExecutionSession,
	step *models.ExecutionStep, res *connectors.Result, attempts int) bool {
	if msg.Rollback {
		return false
	}
	if !res.ErrorKind.Retryable() {
		return false
	}
	if !step.Idempotent || step.Destructive {
		return false
	}
	if session.BlastRadius.AtLeast(models.BlastHigh) {
		return false
	}
	return attempts < step.RetryAttempts
}

// finishResult converts a connector result into the step result reported
// to the state machine, masking captured output and evaluating the
// expected-output matcher.
func (r *Runtime) finishResult(msg *storage.CommandMessage, res *connectors.Result) *models.StepResult {
	stdout := r.masker.Mask(res.Stdout)
	out := &models.StepResult{
		Success:    res.Success,
		ExitCode:   res.ExitCode,
		Stdout:     stdout,
		Stderr:     r.masker.Mask(res.Stderr),
		DurationMS: res.Duration.Milliseconds(),
		ErrorKind:  res.ErrorKind,
		FailReason: res.FailReason,
	}
	if msg.ExpectedOutput != nil && res.Success && !msg.DryRun {
		match := msg.ExpectedOutput.Matches(stdout)
		out.OutputMatch = &match
	}
	return out
}

// checkPolicy re-evaluates policy at execution time. A step whose verdict
// demands approval passes only if the approval was actually granted.
func (r *Runtime) checkPolicy(ctx context.Context, msg *storage.CommandMessage,
	session *models.ExecutionSession, step *models.ExecutionStep) *policy.Verdict {
	tenant := r.store.Tenant(msg.TenantID)
	registered := make(map[string]bool)
	if conns, err := tenant.ListConnections(ctx); err == nil {
		for _, c := range conns {
			if c.Host != "" {
				registered[c.Host] = true
			}
		}
	}

	verdict := r.engine.Evaluate(&policy.Request{
		TenantID:          msg.TenantID,
		Command:           msg.Command,
		Target:            msg.Target,
		Environment:       msg.Target.Environment,
		Worker:            r.worker,
		BlastRadius:       session.BlastRadius,
		StepDestructive:   step.Destructive,
		ApprovedByAdmin:   step.ApprovedBy != "",
		RegisteredTargets: registered,
	})
	switch verdict.Decision {
	case policy.Deny:
		return &verdict
	case policy.RequireApproval, policy.RequireTwoPerson:
		if step.ApprovedBy == "" {
			return &verdict
		}
	}
	return nil
}

func failResult(kind models.ErrorKind, reason string) *models.StepResult {
	return &models.StepResult{
		Success:    false,
		ExitCode:   -1,
		ErrorKind:  kind,
		FailReason: reason,
	}
}

func (r *Runtime) nak(ctx context.Context, msg *storage.CommandMessage, reason string) {
	if err := r.store.Global().Nak(ctx, msg.MessageID, r.worker.WorkerID, reason); err != nil {
		slog.Error("Nakking message failed", "message_id", msg.MessageID, "error", err)
	}
}
