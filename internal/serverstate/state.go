package serverstate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Status values published by the bridge.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusStopped  = "stopped"
	StatusUnknown  = "unknown"
)

// State holds the bridge status and session counters.
type State struct {
	Status         string    `json:"status"`
	Draining       bool      `json:"draining"`
	ActiveSessions int       `json:"active_sessions"`
	TotalSessions  uint64    `json:"total_sessions"`
	StartedAt      time.Time `json:"started_at"`
}

// Store receives snapshots of the bridge state. Implementations may keep
// them in memory or in an external service such as Redis.
type Store interface {
	Load() State
	Store(State)
}

// The state lives in process memory. Session counters are atomics so
// sessions never contend on a lock; the status fields change rarely.
var (
	mu        sync.Mutex
	status    = StatusNotReady
	draining  bool
	startedAt time.Time

	activeSessions atomic.Int64
	totalSessions  atomic.Uint64

	pubMu   sync.Mutex
	target  Store
	changed = make(chan struct{}, 1)
)

// memoryStore implements Store using an atomic.Value.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// UseStore selects the Store that snapshots are published to. A nil Store
// disables publishing.
func UseStore(s Store) {
	pubMu.Lock()
	target = s
	pubMu.Unlock()
	notify()
}

func notify() {
	select {
	case changed <- struct{}{}:
	default:
	}
}

// Publish writes the current snapshot to the selected Store, if any.
func Publish() {
	pubMu.Lock()
	s := target
	pubMu.Unlock()
	if s != nil {
		s.Store(Snapshot())
	}
}

// StartPublisher publishes a snapshot whenever the state changes and at
// every interval. The returned stop function ends the publisher after a
// final snapshot and waits for it to return.
func StartPublisher(interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				Publish()
				return
			case <-changed:
				Publish()
			case <-ticker.C:
				Publish()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Snapshot returns the current state.
func Snapshot() State {
	mu.Lock()
	st := State{Status: status, Draining: draining, StartedAt: startedAt}
	mu.Unlock()
	st.ActiveSessions = int(activeSessions.Load())
	st.TotalSessions = totalSessions.Load()
	return st
}

// MarkReady records that the listener is bound and accepting clients. It
// clears the draining flag and both session counters.
func MarkReady(at time.Time) {
	mu.Lock()
	status = StatusReady
	draining = false
	startedAt = at
	activeSessions.Store(0)
	totalSessions.Store(0)
	mu.Unlock()
	notify()
}

// SetState updates the bridge status string.
func SetState(s string) {
	mu.Lock()
	status = s
	mu.Unlock()
	notify()
}

// GetState returns the current bridge status.
func GetState() string {
	mu.Lock()
	defer mu.Unlock()
	return status
}

// StartDrain marks the bridge as draining.
func StartDrain() {
	mu.Lock()
	draining = true
	status = StatusDraining
	mu.Unlock()
	notify()
}

// IsDraining reports whether the bridge is draining.
func IsDraining() bool {
	mu.Lock()
	defer mu.Unlock()
	return draining
}

// SessionOpened records a new session.
func SessionOpened() {
	activeSessions.Add(1)
	totalSessions.Add(1)
	notify()
}

// SessionClosed records the end of a session.
func SessionClosed() {
	for {
		n := activeSessions.Load()
		if n <= 0 {
			return
		}
		if activeSessions.CompareAndSwap(n, n-1) {
			break
		}
	}
	notify()
}
