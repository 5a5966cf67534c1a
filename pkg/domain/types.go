package domain

import "time"

// JoinState is the access controller's verdict for a (user, room) pair.
type JoinState string

const (
	// StateJoined means the user may enter the room immediately.
	StateJoined JoinState = "joined"
	// StateCodeRequired means the room is private and the user must
	// supply the access code before entering.
	StateCodeRequired JoinState = "code_required"
)

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Room is a named chat channel. For private rooms CodeHash holds the
// bcrypt hash of the 4-character access code; it is empty iff the room
// is public. Members always contains the creator.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Private      bool      `json:"private"`
	CodeHash     string    `json:"-"`
	CreatorID    string    `json:"creatorId"`
	CreatorEmail string    `json:"creatorEmail"`
	Members      []string  `json:"members"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IsMember reports whether the user id is recorded in the member set.
// The creator is always a member.
func (r Room) IsMember(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == r.CreatorID {
		return true
	}
	for _, id := range r.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is one entry in a room's append-only log. CreatedAt is
// assigned by the server and is the sole ordering key. Author and
// AvatarURL are captured at send time and never re-resolved.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Author    string    `json:"author"`
	AvatarURL string    `json:"avatarUrl"`
	Text      string    `json:"text"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is the server-side state behind one auth token: the signed-in
// user plus the last room the client selected.
type Session struct {
	UserID   string `json:"userId"`
	LastRoom string `json:"lastRoom,omitempty"`
}
