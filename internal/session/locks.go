package session

import "sync"

// TurnLocks serializes message processing per session while leaving
// different sessions free to run in parallel.
type TurnLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTurnLocks creates an empty lock set.
func NewTurnLocks() *TurnLocks {
	return &TurnLocks{locks: make(map[string]*sync.Mutex)}
}

// Acquire blocks until the session's turn lock is held and returns the
// release function.
func (t *TurnLocks) Acquire(sessionID string) func() {
	t.mu.Lock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[sessionID] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
