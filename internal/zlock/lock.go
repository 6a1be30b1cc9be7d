// Package zlock implements row-lock wait policies and deadlock
// detection for the DML kernel's Lock operation (spec.md §4.5, §5).
package zlock

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zid"
)

// Mode is a row lock's strength.
type Mode uint8

const (
	Share Mode = iota
	Exclusive
)

// stronger reports whether a is at least as strong as b.
func (a Mode) stronger(b Mode) bool { return a >= b }

// WaitPolicy controls what a blocked locker does, per spec.md §5.
type WaitPolicy uint8

const (
	Block WaitPolicy = iota
	Skip
	Error
)

type waiter struct {
	xid  zid.Xid
	mode Mode
	ch   chan struct{}
}

type resource struct {
	holders map[zid.Xid]Mode
	waiters []*waiter
}

// Manager tracks row locks by a caller-supplied resource key (the
// DML kernel keys this as "relation/block/offset", mirroring
// lock_manager.go's "tableID_pageID_rowID" resource-id convention)
// and detects deadlocks via a wait-for graph, following
// lock_manager.go's AcquireLock/waitGraph shape.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resource
	waitFor   map[zid.Xid]map[zid.Xid]bool
	log       logrus.FieldLogger
}

func NewManager(log logrus.FieldLogger) *Manager {
	return &Manager{
		resources: make(map[string]*resource),
		waitFor:   make(map[zid.Xid]map[zid.Xid]bool),
		log:       log,
	}
}

// Acquire grants xid a lock of mode on key, applying wait policy when
// contended. It blocks (respecting policy) until granted or it
// determines the request cannot proceed.
func (m *Manager) Acquire(xid zid.Xid, key string, mode Mode, policy WaitPolicy, timeout time.Duration) error {
	m.mu.Lock()
	r, ok := m.resources[key]
	if !ok {
		r = &resource{holders: make(map[zid.Xid]Mode)}
		m.resources[key] = r
	}

	if existing, already := r.holders[xid]; already {
		if existing.stronger(mode) {
			m.mu.Unlock()
			return nil
		}
		mode = Exclusive // promote
	}

	if compatible(r, xid, mode) {
		r.holders[xid] = mode
		m.mu.Unlock()
		return nil
	}

	switch policy {
	case Error, Skip:
		m.mu.Unlock()
		return zerrors.New(zerrors.LockNotAvailable, "row lock contended")
	}

	// Block: register as a waiter and wait-for edges against current
	// holders, then park.
	w := &waiter{xid: xid, mode: mode, ch: make(chan struct{})}
	r.waiters = append(r.waiters, w)
	for holder := range r.holders {
		m.addWaitFor(xid, holder)
		if m.wouldCycle(xid) {
			m.removeWaitFor(xid, holder)
			m.removeWaiter(r, w)
			m.mu.Unlock()
			return zerrors.New(zerrors.SerializationFailure, "deadlock detected acquiring row lock")
		}
	}
	m.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-time.After(timeout):
		m.mu.Lock()
		m.removeWaiter(r, w)
		for holder := range r.holders {
			m.removeWaitFor(xid, holder)
		}
		m.mu.Unlock()
		return zerrors.New(zerrors.LockNotAvailable, "row lock wait timed out")
	}
}

func compatible(r *resource, xid zid.Xid, mode Mode) bool {
	if len(r.holders) == 0 {
		return true
	}
	if mode == Exclusive {
		for h := range r.holders {
			if h != xid {
				return false
			}
		}
		return true
	}
	// Share requested: compatible unless someone else holds Exclusive.
	for h, m := range r.holders {
		if h != xid && m == Exclusive {
			return false
		}
	}
	return true
}

// Release drops all of xid's locks and wakes compatible waiters.
func (m *Manager) Release(xid zid.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, r := range m.resources {
		if _, ok := r.holders[xid]; ok {
			delete(r.holders, xid)
			m.grantWaiting(r)
			if len(r.holders) == 0 && len(r.waiters) == 0 {
				delete(m.resources, key)
			}
		}
	}
	delete(m.waitFor, xid)
	for _, edges := range m.waitFor {
		delete(edges, xid)
	}
}

func (m *Manager) grantWaiting(r *resource) {
	var remaining []*waiter
	for _, w := range r.waiters {
		if compatible(r, w.xid, w.mode) {
			r.holders[w.xid] = w.mode
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	r.waiters = remaining
}

func (m *Manager) removeWaiter(r *resource, target *waiter) {
	var remaining []*waiter
	for _, w := range r.waiters {
		if w != target {
			remaining = append(remaining, w)
		}
	}
	r.waiters = remaining
}

func (m *Manager) addWaitFor(from, to zid.Xid) {
	edges, ok := m.waitFor[from]
	if !ok {
		edges = make(map[zid.Xid]bool)
		m.waitFor[from] = edges
	}
	edges[to] = true
}

func (m *Manager) removeWaitFor(from, to zid.Xid) {
	if edges, ok := m.waitFor[from]; ok {
		delete(edges, to)
	}
}

// wouldCycle reports whether a DFS from start through the wait-for
// graph returns to start, following deadlock.go's WouldCauseCycle/dfs
// shape.
func (m *Manager) wouldCycle(start zid.Xid) bool {
	visited := make(map[zid.Xid]bool)
	var dfs func(zid.Xid) bool
	dfs = func(node zid.Xid) bool {
		if node == start && visited[node] {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for next := range m.waitFor[node] {
			if next == start {
				return true
			}
			if dfs(next) {
				return true
			}
		}
		return false
	}
	for next := range m.waitFor[start] {
		if next == start || dfs(next) {
			return true
		}
	}
	return false
}
