package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"roomchat/internal/hub"
	"roomchat/internal/idtoken"
	"roomchat/internal/ratelimit"
	"roomchat/internal/util"
	"roomchat/pkg/domain"
	"roomchat/pkg/storage"
	"roomchat/pkg/store"
)

// TokenVerifier validates provider ID tokens and yields the asserted
// profile. Satisfied by *idtoken.Verifier.
type TokenVerifier interface {
	VerifyProfile(token string) (idtoken.Profile, error)
}

// EventPublisher forwards hub events to other instances. Satisfied by
// *relay.Relay.
type EventPublisher interface {
	Publish(topic string, ev hub.Event) error
}

// AttemptLimiter throttles access-code attempts. Satisfied by
// *ratelimit.FixedWindowLimiter.
type AttemptLimiter interface {
	Allow(key string) bool
}

// ImageUpload is a pending attachment for SendMessage.
type ImageUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// JoinResult is the access controller's answer for an attempt-join.
type JoinResult struct {
	State domain.JoinState `json:"state"`
	Room  domain.Room      `json:"room"`
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	SessionTTL        time.Duration
	CodeAttemptLimit  int
	CodeAttemptWindow time.Duration

	// Injectable for tests; built from the fields above when nil.
	Store    store.Store
	Sessions store.SessionStore
	Limiter  AttemptLimiter
	Verifier TokenVerifier
	Objects  storage.ObjectStore
	Hub      *hub.Hub
	Relay    EventPublisher
}

// App wires storage, sessions, and fan-out behind the room access and
// message channel contracts.
type App struct {
	store    store.Store
	sessions store.SessionStore
	limiter  AttemptLimiter
	verifier TokenVerifier
	objects  storage.ObjectStore
	hub      *hub.Hub
	relay    EventPublisher
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("token verifier required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub required")
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for redis sessions")
		}
		sessionStore = store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionTTL)
	}

	limiter := cfg.Limiter
	if limiter == nil && cfg.CodeAttemptLimit > 0 {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for the code attempt limiter")
		}
		window := cfg.CodeAttemptWindow
		if window <= 0 {
			window = time.Minute
		}
		var err error
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "roomchat:codes",
			cfg.CodeAttemptLimit, window,
		)
		if err != nil {
			return nil, fmt.Errorf("init code attempt limiter: %w", err)
		}
	}

	return &App{
		store:    dataStore,
		sessions: sessionStore,
		limiter:  limiter,
		verifier: cfg.Verifier,
		objects:  cfg.Objects,
		hub:      cfg.Hub,
		relay:    cfg.Relay,
	}, nil
}

// Hub exposes the fan-out hub for transport handlers.
func (a *App) Hub() *hub.Hub {
	return a.hub
}

// SignIn verifies the provider ID token, upserts the user profile, and
// opens a session.
func (a *App) SignIn(idToken string) (domain.User, string, error) {
	profile, err := a.verifier.VerifyProfile(idToken)
	if err != nil {
		slog.Warn("id token rejected", "err", err)
		return domain.User{}, "", ErrAuthFailure
	}

	user, found, err := a.store.GetUserByID(profile.Subject)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		user = domain.User{
			ID:        profile.Subject,
			CreatedAt: time.Now().UTC(),
		}
	}
	user.DisplayName = profile.DisplayName
	user.AvatarURL = profile.AvatarURL
	user.Email = profile.Email
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}

	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// SignOut deletes the session, including the remembered room.
func (a *App) SignOut(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves a session token to the signed-in user.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	sess, ok, err := a.sessions.GetSession(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(sess.UserID)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// LastRoom returns the session's remembered room name, if any.
func (a *App) LastRoom(token string) (string, error) {
	sess, ok, err := a.sessions.GetSession(token)
	if err != nil {
		return "", fmt.Errorf("fetch session: %w", err)
	}
	if !ok {
		return "", nil
	}
	return sess.LastRoom, nil
}

// RememberRoom stores the selected room on the session so a reload can
// restore it. An empty name clears the memory.
func (a *App) RememberRoom(token, roomName string) error {
	return a.sessions.SetLastRoom(token, strings.TrimSpace(roomName))
}

// ListRooms returns the directory, newest room first.
func (a *App) ListRooms() ([]domain.Room, error) {
	rooms, err := a.store.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// CreateRoom validates and persists a new room with the caller as
// creator and sole member, then announces it on the directory topic.
func (a *App) CreateRoom(user domain.User, name string, private bool, code string) (domain.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Room{}, fmt.Errorf("room name required")
	}
	if private && !validAccessCode(code) {
		return domain.Room{}, ErrInvalidCode
	}
	// Duplicate check happens before any write.
	if _, exists, err := a.store.GetRoomByName(name); err != nil {
		return domain.Room{}, fmt.Errorf("check room name: %w", err)
	} else if exists {
		return domain.Room{}, ErrDuplicateName
	}

	room := domain.Room{
		ID:           util.NewID(),
		Name:         name,
		Private:      private,
		CreatorID:    user.ID,
		CreatorEmail: user.Email,
		Members:      []string{user.ID},
		CreatedAt:    time.Now().UTC(),
	}
	if private {
		hash, err := hashAccessCode(code)
		if err != nil {
			return domain.Room{}, fmt.Errorf("hash access code: %w", err)
		}
		room.CodeHash = hash
	}
	if err := a.store.CreateRoom(room); err != nil {
		// A concurrent create may win the race after the check above;
		// the store's uniqueness guarantee is authoritative.
		if errors.Is(err, store.ErrDuplicateName) {
			return domain.Room{}, ErrDuplicateName
		}
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}

	announced := room
	a.publish(hub.TopicDirectory, hub.Event{Type: hub.EventRoomCreated, Room: &announced})
	return room, nil
}

// AttemptJoin runs the access controller for the (user, room) pair.
// Public rooms admit anyone without touching the member list; that list
// only records private-room access history.
func (a *App) AttemptJoin(user domain.User, roomID string) (JoinResult, error) {
	room, found, err := a.store.GetRoom(roomID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("fetch room: %w", err)
	}
	if !found {
		return JoinResult{}, ErrRoomNotFound
	}
	state := decideJoin(user, room)
	result := JoinResult{State: state, Room: room}
	if state == domain.StateCodeRequired {
		// Never leak the member list to someone still outside the door.
		result.Room.Members = nil
	}
	return result, nil
}

// JoinWithCode validates the submitted access code and, on a match,
// records the user in the member set. The append is idempotent, so two
// concurrent joins by the same user leave a single membership.
func (a *App) JoinWithCode(user domain.User, roomID, code, attemptKey string) (domain.Room, error) {
	room, found, err := a.store.GetRoom(roomID)
	if err != nil {
		return domain.Room{}, fmt.Errorf("fetch room: %w", err)
	}
	if !found {
		return domain.Room{}, ErrRoomNotFound
	}
	return a.joinPrivateRoom(user, room, code, attemptKey)
}

// JoinByName is the alternate entry path: the room is located by its
// exact name instead of picked from the directory. Only private rooms
// are reachable this way.
func (a *App) JoinByName(user domain.User, name, code, attemptKey string) (domain.Room, error) {
	room, found, err := a.store.GetRoomByName(strings.TrimSpace(name))
	if err != nil {
		return domain.Room{}, fmt.Errorf("fetch room: %w", err)
	}
	if !found || !room.Private {
		return domain.Room{}, ErrRoomNotFound
	}
	return a.joinPrivateRoom(user, room, code, attemptKey)
}

func (a *App) joinPrivateRoom(user domain.User, room domain.Room, code, attemptKey string) (domain.Room, error) {
	switch decideJoin(user, room) {
	case domain.StateJoined:
		return room, nil
	case domain.StateCodeRequired:
		if a.limiter != nil && !a.limiter.Allow(attemptKey+":"+room.ID) {
			return domain.Room{}, ErrTooManyCodeAttempts
		}
		if !validAccessCode(code) || !matchAccessCode(code, room.CodeHash) {
			return domain.Room{}, ErrIncorrectCode
		}
		updated, err := a.store.AddRoomMember(room.ID, user.ID)
		if err != nil {
			return domain.Room{}, fmt.Errorf("add member: %w", err)
		}
		return updated, nil
	}
	return domain.Room{}, fmt.Errorf("unreachable join state")
}

// RoomMessages returns the room's full ordered history. Private rooms
// require membership.
func (a *App) RoomMessages(user domain.User, roomID string) ([]domain.Message, error) {
	room, found, err := a.store.GetRoom(roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch room: %w", err)
	}
	if !found {
		return nil, ErrRoomNotFound
	}
	if decideJoin(user, room) != domain.StateJoined {
		return nil, ErrRoomAccessDenied
	}
	msgs, err := a.store.ListRoomMessages(roomID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// CanSubscribe reports whether the user may open the room's message
// channel.
func (a *App) CanSubscribe(user domain.User, roomID string) error {
	room, found, err := a.store.GetRoom(roomID)
	if err != nil {
		return fmt.Errorf("fetch room: %w", err)
	}
	if !found {
		return ErrRoomNotFound
	}
	if decideJoin(user, room) != domain.StateJoined {
		return ErrRoomAccessDenied
	}
	return nil
}

// SendMessage appends to the room's log. When an image is attached the
// upload completes first, so subscribers never see a message with a
// pending image reference. Author name and avatar are captured from the
// sender at send time.
func (a *App) SendMessage(ctx context.Context, user domain.User, roomID, text string, image *ImageUpload) (domain.Message, error) {
	room, found, err := a.store.GetRoom(roomID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("fetch room: %w", err)
	}
	if !found {
		return domain.Message{}, ErrRoomNotFound
	}
	if decideJoin(user, room) != domain.StateJoined {
		return domain.Message{}, ErrRoomAccessDenied
	}

	text = strings.TrimSpace(text)
	if text == "" && image == nil {
		return domain.Message{}, ErrEmptyMessage
	}

	var imageURL, imageKey string
	if image != nil {
		if err := normalizeImageType(image); err != nil {
			return domain.Message{}, err
		}
		imageKey = uploadKey(image.Filename)
		imageURL, err = a.objects.Put(ctx, imageKey, image.Reader, image.Size, image.ContentType)
		if err != nil {
			slog.Warn("image upload failed", "room", roomID, "err", err)
			return domain.Message{}, ErrUploadFailed
		}
	}

	msg := domain.Message{
		ID:        util.NewID(),
		RoomID:    room.ID,
		Author:    user.DisplayName,
		AvatarURL: user.AvatarURL,
		Text:      text,
		ImageURL:  imageURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.AppendMessage(msg); err != nil {
		if imageKey != "" {
			// The message never became visible; drop the orphaned object.
			if delErr := a.objects.Delete(ctx, imageKey); delErr != nil {
				slog.Warn("orphaned upload cleanup failed", "key", imageKey, "err", delErr)
			}
		}
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}

	delivered := msg
	a.publish(hub.RoomTopic(room.ID), hub.Event{Type: hub.EventMessage, Message: &delivered})
	return msg, nil
}

func (a *App) publish(topic string, ev hub.Event) {
	a.hub.Publish(topic, ev)
	if a.relay == nil {
		return
	}
	if err := a.relay.Publish(topic, ev); err != nil {
		slog.Warn("relay publish failed", "topic", topic, "err", err)
	}
}

// normalizeImageType ensures the attachment really is an image before
// any bytes reach the object store. When the declared content type is
// not an image type the first bytes are sniffed instead, since browsers
// fall back to application/octet-stream for unknown files.
func normalizeImageType(image *ImageUpload) error {
	if strings.HasPrefix(image.ContentType, "image/") {
		return nil
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(image.Reader, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("read attachment: %w", err)
	}
	detected := http.DetectContentType(head[:n])
	if !strings.HasPrefix(detected, "image/") {
		return ErrUnsupportedImage
	}
	image.ContentType = detected
	image.Reader = io.MultiReader(bytes.NewReader(head[:n]), image.Reader)
	return nil
}

// uploadKey builds a collision-resistant storage key: concurrent
// uploads of identically named files must never overwrite each other.
func uploadKey(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "image"
	}
	name = strings.ReplaceAll(name, " ", "_")
	return uuid.NewString() + "-" + name
}
