// Manager implements per-user snapshot state, push_patch, and the
// long-poll peek contract. Grounded on the teacher's internal/api/stream.go
// Hub/Client register/unregister/broadcast pattern, generalized here from
// one fan-out channel shared by every dashboard client to one doorbell
// channel per user plus a private patch queue — push_patch notifies, it
// never broadcasts.
package snapshot

import (
	"context"
	"sync"
	"time"
)

// userState holds one account's authoritative snapshot, its pending patch
// queue, and the wake-up primitive peek blocks on.
type userState struct {
	mu       sync.Mutex
	snapshot map[string]interface{}
	queue    []interface{}
	doorbell chan struct{} // buffered(1): notify-one semantics, never blocks push_patch
	insList  []string
}

// Manager owns every connected user's snapshot state.
type Manager struct {
	mu    sync.RWMutex
	users map[string]*userState
}

// New creates an empty snapshot manager.
func New() *Manager {
	return &Manager{users: make(map[string]*userState)}
}

// InitializeUser creates a fresh snapshot for userID with the standard
// top-level keys spec.md §4.6 requires, torn down on session end via
// RemoveUser. Re-initializing an existing user resets its snapshot.
func (m *Manager) InitializeUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = &userState{
		snapshot: map[string]interface{}{
			"accounts":  map[string]interface{}{},
			"positions": map[string]interface{}{},
			"orders":    map[string]interface{}{},
			"trades":    map[string]interface{}{},
			"quotes":    map[string]interface{}{},
			"klines":    map[string]interface{}{},
			"ticks":     map[string]interface{}{},
			"notify":    map[string]interface{}{},
			"ins_list":  "",
		},
		doorbell: make(chan struct{}, 1),
	}
}

// RemoveUser tears down userID's snapshot session, waking any in-flight
// peek with an empty result (cancellation semantics per spec.md §5).
func (m *Manager) RemoveUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		m.wake(u)
		delete(m.users, userID)
	}
}

// PushPatch merges patch into userID's authoritative snapshot, appends it
// to the patch queue, and rings the doorbell — push_patch exactly as
// spec.md §4.6 specifies.
func (m *Manager) PushPatch(userID string, patch map[string]interface{}) {
	m.mu.RLock()
	u, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	u.mu.Lock()
	u.snapshot = MergePatch(u.snapshot, patch).(map[string]interface{})
	u.queue = append(u.queue, patch)
	m.wake(u)
	u.mu.Unlock()
}

// wake signals the doorbell without blocking — a full channel means a wake
// is already pending, which is sufficient (notify-one, not notify-every).
func (m *Manager) wake(u *userState) {
	select {
	case u.doorbell <- struct{}{}:
	default:
	}
}

// Peek implements the peek(user_id, timeout) long-poll contract: drains and
// returns immediately if the queue is non-empty (fast path), otherwise
// suspends on the doorbell until a patch arrives or timeout elapses.
func (m *Manager) Peek(ctx context.Context, userID string, timeout time.Duration) []interface{} {
	m.mu.RLock()
	u, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	if patches := u.drain(); len(patches) > 0 {
		return patches
	}

	select {
	case <-u.doorbell:
		return u.drain()
	case <-time.After(timeout):
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (u *userState) drain() []interface{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queue) == 0 {
		return nil
	}
	out := u.queue
	u.queue = nil
	return out
}

// GetSnapshot returns a point-in-time copy of userID's full authoritative
// snapshot, used to (re-)initialize a client-side mirror on reconnect.
func (m *Manager) GetSnapshot(userID string) (map[string]interface{}, bool) {
	m.mu.RLock()
	u, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return cloneObject(u.snapshot), true
}
