package server

import (
	"fmt"
	"sync"
)

// UserStore holds login credentials (bcrypt hash) for registered users,
// separate from internal/account.Book's funds/position state since login
// credentials and trading state have different lifecycles (a password
// reset shouldn't touch balances). It also tracks each user's default
// trading account, so a request that omits an explicit account_id can
// still be resolved to the account the user registered with.
type UserStore struct {
	mu              sync.RWMutex
	hashes          map[string]string
	defaultAccounts map[string]string
}

// NewUserStore creates an empty credential store.
func NewUserStore() *UserStore {
	return &UserStore{
		hashes:          make(map[string]string),
		defaultAccounts: make(map[string]string),
	}
}

// Register stores userID's password hash, failing if already registered.
func (s *UserStore) Register(userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[userID]; ok {
		return fmt.Errorf("server: user %s already registered", userID)
	}
	s.hashes[userID] = passwordHash
	return nil
}

// HashFor returns userID's stored password hash.
func (s *UserStore) HashFor(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[userID]
	return h, ok
}

// SetDefaultAccount records accountID as userID's default trading account.
func (s *UserStore) SetDefaultAccount(userID, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultAccounts[userID] = accountID
}

// DefaultAccount returns userID's default trading account, if one was set.
func (s *UserStore) DefaultAccount(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.defaultAccounts[userID]
	return a, ok
}
