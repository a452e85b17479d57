package scheduler

import (
	"os"
	"sort"
	"sync"
)

// lockKeyCron is the fixed lock key for the cron path. Chat channels use
// their channel name as the key.
const lockKeyCron = "cron"

type lockEntry struct {
	held bool
	proc *os.Process
}

// lockTable maps lock keys to in-flight state. Keys are discovered lazily:
// a channel first seen at runtime gets an entry on first acquire. Acquisition
// is a check-and-set under one mutex, so two concurrent ticks can never both
// see a key free.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) entryLocked(key string) *lockEntry {
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{}
		t.entries[key] = e
	}
	return e
}

// TryAcquire takes the key's lock if free. Returns false when already held.
func (t *lockTable) TryAcquire(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryLocked(key)
	if e.held {
		return false
	}
	e.held = true
	return true
}

// Release frees the key's lock and drops any tracked process handle.
// Releasing an unheld lock is a no-op, which makes the force-release path in
// the health check safe against the worker's own deferred release.
func (t *lockTable) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryLocked(key)
	e.held = false
	e.proc = nil
}

// SetProc records the in-flight process handle for the key.
func (t *lockTable) SetProc(key string, p *os.Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entryLocked(key).proc = p
}

// Proc returns the tracked process handle, or nil.
func (t *lockTable) Proc(key string) *os.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryLocked(key).proc
}

// Held lists currently held keys, sorted.
func (t *lockTable) Held() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for key, e := range t.entries {
		if e.held {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
