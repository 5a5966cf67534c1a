package store

import (
	"errors"

	"roomchat/pkg/domain"
)

// ErrDuplicateName is returned by CreateRoom when the room name is
// already taken, including when a concurrent create wins the race after
// the caller's own existence check.
var ErrDuplicateName = errors.New("room name already exists")

// Store defines persistence operations for users, rooms, and messages.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)

	// rooms
	CreateRoom(domain.Room) error
	GetRoom(id string) (domain.Room, bool, error)
	GetRoomByName(name string) (domain.Room, bool, error)
	ListRooms() ([]domain.Room, error)

	// AddRoomMember records the user in the room's member set and
	// returns the updated room. Adding an existing member is a no-op.
	AddRoomMember(roomID, userID string) (domain.Room, error)

	// messages
	AppendMessage(domain.Message) error
	ListRoomMessages(roomID string) ([]domain.Message, error)
}

// SessionStore persists auth tokens and the per-session room memory.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetSession(token string) (domain.Session, bool, error)
	SetLastRoom(token, roomName string) error
	DeleteSession(token string) error
}
