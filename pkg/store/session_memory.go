package store

import (
	"fmt"
	"sync"

	"roomchat/internal/util"
	"roomchat/pkg/domain"
)

// MemorySessionStore keeps sessions in-process. Used by tests.
type MemorySessionStore struct {
	mu   sync.RWMutex
	sess map[string]domain.Session
}

// NewMemorySessionStore initializes an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sess: make(map[string]domain.Session)}
}

// NewSession creates a session token for a user.
func (m *MemorySessionStore) NewSession(userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := util.NewID()
	m.sess[token] = domain.Session{UserID: userID}
	return token, nil
}

// GetSession resolves a token to its session record.
func (m *MemorySessionStore) GetSession(token string) (domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sess[token]
	return s, ok, nil
}

// SetLastRoom remembers the selected room for the session.
func (m *MemorySessionStore) SetLastRoom(token, roomName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sess[token]
	if !ok {
		return fmt.Errorf("session not found")
	}
	s.LastRoom = roomName
	m.sess[token] = s
	return nil
}

// DeleteSession removes the token and the room memory with it.
func (m *MemorySessionStore) DeleteSession(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sess, token)
	return nil
}
