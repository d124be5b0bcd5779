package snapshot

import "strings"

// SetInsList updates userID's instrument subscription list and pushes an
// ins_list patch so the client mirror reflects it. The stored list filters
// later quote patches; no initial quote subset is recomputed on change.
func (m *Manager) SetInsList(userID string, instruments []string) {
	m.mu.RLock()
	u, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	u.mu.Lock()
	u.insList = instruments
	u.mu.Unlock()

	m.PushPatch(userID, map[string]interface{}{
		"ins_list": strings.Join(instruments, ","),
	})
}

// Subscribes reports whether userID currently subscribes to instrument,
// consulted before pushing a quote/kline/tick patch so non-subscribed
// market data is filtered out before it reaches the patch queue.
func (m *Manager) Subscribes(userID, instrument string) bool {
	m.mu.RLock()
	u, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, inst := range u.insList {
		if inst == instrument {
			return true
		}
	}
	return false
}

// PushQuoteIfSubscribed pushes a quote patch for instrument only if userID
// currently subscribes to it, the enforcement point for the ins_list filter.
func (m *Manager) PushQuoteIfSubscribed(userID, instrument string, quote map[string]interface{}) {
	if !m.Subscribes(userID, instrument) {
		return
	}
	m.PushPatch(userID, map[string]interface{}{
		"quotes": map[string]interface{}{instrument: quote},
	})
}
