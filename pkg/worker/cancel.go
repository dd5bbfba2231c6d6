package worker

import (
	"context"
	"fmt"
	"sync"
)

// CancelRegistry tracks the cancel function of every step execution in
// flight on this worker so an operator cancel can interrupt them.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func cancelKey(sessionID string, stepIndex int) string {
	return fmt.Sprintf("%s/%d", sessionID, stepIndex)
}

// Track registers a running step's cancel function.
func (r *CancelRegistry) Track(sessionID string, stepIndex int, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[cancelKey(sessionID, stepIndex)] = cancel
}

// Untrack removes a finished step.
func (r *CancelRegistry) Untrack(sessionID string, stepIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, cancelKey(sessionID, stepIndex))
}

// RequestCancel interrupts the step if it is running here. No-op when the
// step is not on this worker.
func (r *CancelRegistry) RequestCancel(sessionID string, stepIndex int) {
	r.mu.Lock()
	cancel, ok := r.cancels[cancelKey(sessionID, stepIndex)]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active reports how many steps are executing.
func (r *CancelRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
