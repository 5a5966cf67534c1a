package store

import (
	"fmt"
	"sort"
	"sync"

	"roomchat/pkg/domain"
)

// MemoryStore keeps everything in-process. Used by tests and local runs
// without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	rooms    map[string]domain.Room
	byName   map[string]string            // room name -> room ID
	members  map[string]map[string]bool   // room ID -> member set
	messages map[string][]domain.Message  // room ID -> append-only log
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		rooms:    make(map[string]domain.Room),
		byName:   make(map[string]string),
		members:  make(map[string]map[string]bool),
		messages: make(map[string][]domain.Message),
	}
}

// SaveUser registers or updates a user profile.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CreateRoom persists a new room.
func (m *MemoryStore) CreateRoom(r domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[r.Name]; exists {
		return fmt.Errorf("room %q: %w", r.Name, ErrDuplicateName)
	}
	set := make(map[string]bool, len(r.Members))
	for _, id := range r.Members {
		set[id] = true
	}
	m.members[r.ID] = set
	m.rooms[r.ID] = r
	m.byName[r.Name] = r.ID
	return nil
}

// GetRoom retrieves a room by ID.
func (m *MemoryStore) GetRoom(id string) (domain.Room, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return domain.Room{}, false, nil
	}
	return m.withMembers(r), true, nil
}

// GetRoomByName looks up a room by its exact name.
func (m *MemoryStore) GetRoomByName(name string) (domain.Room, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return domain.Room{}, false, nil
	}
	return m.withMembers(m.rooms[id]), true, nil
}

// ListRooms returns all rooms, newest first.
func (m *MemoryStore) ListRooms() ([]domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		res = append(res, m.withMembers(r))
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	return res, nil
}

// AddRoomMember unions the user into the member set.
func (m *MemoryStore) AddRoomMember(roomID, userID string) (domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return domain.Room{}, fmt.Errorf("room %s not found", roomID)
	}
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[string]bool)
	}
	m.members[roomID][userID] = true
	return m.withMembers(r), nil
}

// AppendMessage records a message in the room's log.
func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.RoomID] = append(m.messages[msg.RoomID], msg)
	return nil
}

// ListRoomMessages returns the room's messages in send order.
func (m *MemoryStore) ListRoomMessages(roomID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.messages[roomID]
	res := make([]domain.Message, len(log))
	copy(res, log)
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// withMembers materializes the member set onto the room value.
// Callers must hold at least the read lock.
func (m *MemoryStore) withMembers(r domain.Room) domain.Room {
	set := m.members[r.ID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.Members = ids
	return r
}
