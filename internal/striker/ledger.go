// Package striker is the response agent: it consumes dispatched actions from
// the bus, executes them through a per-host handler registry with forensic
// evidence captured around each run, reports final status, and keeps a
// rollback ledger so reversible actions undo themselves when their window
// expires.
package striker

import (
	"sort"
	"sync"
	"time"

	"github.com/argus-sec/argus/internal/model"
)

// Ledger records how to reverse completed actions. It lives in memory only;
// a striker restart forfeits pending rollbacks and the operator reverses by
// hand.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*model.RollbackEntry
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*model.RollbackEntry)}
}

// Register stores the rollback recipe for a completed action, keyed by the
// original action id. Re-registering the same id overwrites.
func (l *Ledger) Register(e model.RollbackEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.ActionID] = &e
}

// Get returns a copy of the entry for an action id.
func (l *Ledger) Get(actionID string) (model.RollbackEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[actionID]
	if !ok {
		return model.RollbackEntry{}, false
	}
	return *e, true
}

// Due returns the entries whose automatic rollback window has expired, oldest
// deadline first. Manual-only entries (zero AutoRollbackAt) never come due.
func (l *Ledger) Due(now time.Time) []model.RollbackEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var due []model.RollbackEntry
	for _, e := range l.entries {
		if e.RolledBack || e.AutoRollbackAt.IsZero() || e.AutoRollbackAt.After(now) {
			continue
		}
		due = append(due, *e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].AutoRollbackAt.Before(due[j].AutoRollbackAt) })
	return due
}

// MarkRolledBack flags an entry as reversed so it is never dispatched again.
func (l *Ledger) MarkRolledBack(actionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[actionID]
	if !ok {
		return false
	}
	e.RolledBack = true
	return true
}

// Pending returns entries not yet rolled back, newest registration first.
func (l *Ledger) Pending() []model.RollbackEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.RollbackEntry
	for _, e := range l.entries {
		if !e.RolledBack {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.After(out[j].RegisteredAt) })
	return out
}
