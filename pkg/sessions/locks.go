package sessions

import "sync"

// sessionLocks serializes all mutations per session id. The state machine
// is the single writer of session and step status; concurrent requests for
// the same session queue up on its lock.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*lockEntry)}
}

// withLock runs fn while holding the session's lock. Entries are reference
// counted so the map does not grow with dead sessions.
func (l *sessionLocks) withLock(sessionID string, fn func() error) error {
	l.mu.Lock()
	e, ok := l.locks[sessionID]
	if !ok {
		e = &lockEntry{}
		l.locks[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	err := fn()
	e.mu.Unlock()

	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, sessionID)
	}
	l.mu.Unlock()
	return err
}
