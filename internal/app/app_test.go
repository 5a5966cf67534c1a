package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"roomchat/internal/hub"
	"roomchat/internal/idtoken"
	"roomchat/pkg/domain"
	"roomchat/pkg/store"
)

type stubVerifier struct {
	profiles map[string]idtoken.Profile
}

func (v stubVerifier) VerifyProfile(token string) (idtoken.Profile, error) {
	p, ok := v.profiles[token]
	if !ok {
		return idtoken.Profile{}, errors.New("unknown token")
	}
	return p, nil
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	deleted []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.objects[key] = data
	return "https://media.test/" + key, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

// failingStore breaks message appends to exercise upload cleanup.
type failingStore struct {
	store.Store
}

func (failingStore) AppendMessage(domain.Message) error {
	return errors.New("database down")
}

type denyLimiter struct{}

func (denyLimiter) Allow(string) bool { return false }

type testEnv struct {
	app      *App
	store    *store.MemoryStore
	sessions *store.MemorySessionStore
	objects  *fakeObjectStore
	hub      *hub.Hub
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		sessions: store.NewMemorySessionStore(),
		objects:  newFakeObjectStore(),
		hub:      hub.New(),
	}
	cfg := Config{
		Store:    env.store,
		Sessions: env.sessions,
		Objects:  env.objects,
		Hub:      env.hub,
		Verifier: stubVerifier{profiles: map[string]idtoken.Profile{
			"token-alice": {Subject: "u-alice", DisplayName: "Alice", AvatarURL: "https://pics.test/alice.png", Email: "alice@example.com"},
			"token-bob":   {Subject: "u-bob", DisplayName: "Bob", Email: "bob@example.com"},
		}},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = a
	return env
}

func (e *testEnv) signIn(t *testing.T, token string) domain.User {
	t.Helper()
	user, _, err := e.app.SignIn(token)
	if err != nil {
		t.Fatalf("sign in %s: %v", token, err)
	}
	return user
}

func TestSignInSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	user, token, err := env.app.SignIn("token-alice")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if user.ID != "u-alice" || user.DisplayName != "Alice" {
		t.Fatalf("unexpected user: %+v", user)
	}

	resolved, ok := env.app.UserFromToken(token)
	if !ok || resolved.ID != user.ID {
		t.Fatalf("session did not resolve to the signed-in user")
	}

	if err := env.app.SignOut(token); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, ok := env.app.UserFromToken(token); ok {
		t.Fatalf("session survived sign-out")
	}
}

func TestSignInRejectsUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.app.SignIn("forged"); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("got %v, want ErrAuthFailure", err)
	}
}

func TestRememberRoomSurvivesLookup(t *testing.T) {
	env := newTestEnv(t)
	_, token, err := env.app.SignIn("token-alice")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if err := env.app.RememberRoom(token, "general"); err != nil {
		t.Fatalf("remember room: %v", err)
	}
	got, err := env.app.LastRoom(token)
	if err != nil || got != "general" {
		t.Fatalf("last room = %q, %v; want %q", got, err, "general")
	}
}

func TestCreateRoomValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")

	if _, err := env.app.CreateRoom(alice, "secret", true, "123"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("short code: got %v, want ErrInvalidCode", err)
	}

	room, err := env.app.CreateRoom(alice, "  team  ", true, "1234")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.Name != "team" {
		t.Fatalf("name not trimmed: %q", room.Name)
	}
	if room.CodeHash == "1234" || room.CodeHash == "" {
		t.Fatalf("access code not hashed")
	}
	if len(room.Members) != 1 || room.Members[0] != alice.ID {
		t.Fatalf("creator not sole member: %v", room.Members)
	}

	if _, err := env.app.CreateRoom(alice, "team", false, ""); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate name: got %v, want ErrDuplicateName", err)
	}
	rooms, err := env.app.ListRooms()
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("rejected duplicate still produced a room: %d rooms", len(rooms))
	}
}

// raceStore hides an existing room from the name lookup, simulating a
// concurrent create that lands between the check and the insert.
type raceStore struct {
	store.Store
}

func (raceStore) GetRoomByName(string) (domain.Room, bool, error) {
	return domain.Room{}, false, nil
}

func TestCreateRoomDuplicateRace(t *testing.T) {
	mem := store.NewMemoryStore()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Store = raceStore{Store: mem}
	})
	alice := env.signIn(t, "token-alice")

	if _, err := env.app.CreateRoom(alice, "team", false, ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// The lookup says the name is free, but the store's uniqueness
	// guarantee still wins.
	if _, err := env.app.CreateRoom(alice, "team", false, ""); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("raced create: got %v, want ErrDuplicateName", err)
	}
}

func TestCreateRoomAnnouncesOnDirectory(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")

	sub := env.hub.Subscribe(hub.TopicDirectory)
	defer sub.Close()

	room, err := env.app.CreateRoom(alice, "general", false, "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != hub.EventRoomCreated || ev.Room == nil || ev.Room.ID != room.ID {
			t.Fatalf("unexpected directory event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no directory event received")
	}
}

func TestAttemptJoinPublicRoomLeavesMembersAlone(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	bob := env.signIn(t, "token-bob")

	room, err := env.app.CreateRoom(alice, "lobby", false, "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	res, err := env.app.AttemptJoin(bob, room.ID)
	if err != nil {
		t.Fatalf("attempt join: %v", err)
	}
	if res.State != domain.StateJoined {
		t.Fatalf("state = %q, want joined", res.State)
	}

	stored, _, _ := env.store.GetRoom(room.ID)
	if len(stored.Members) != 1 || stored.Members[0] != alice.ID {
		t.Fatalf("public join mutated members: %v", stored.Members)
	}
}

func TestAttemptJoinPrivateRoomHidesMembers(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	bob := env.signIn(t, "token-bob")

	room, err := env.app.CreateRoom(alice, "secret", true, "1234")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	res, err := env.app.AttemptJoin(bob, room.ID)
	if err != nil {
		t.Fatalf("attempt join: %v", err)
	}
	if res.State != domain.StateCodeRequired {
		t.Fatalf("state = %q, want code_required", res.State)
	}
	if res.Room.Members != nil {
		t.Fatalf("member list leaked to non-member: %v", res.Room.Members)
	}
}

func TestJoinWithCode(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	bob := env.signIn(t, "token-bob")

	room, err := env.app.CreateRoom(alice, "team", true, "1234")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if _, err := env.app.JoinWithCode(bob, room.ID, "0000", bob.ID); !errors.Is(err, ErrIncorrectCode) {
		t.Fatalf("wrong code: got %v, want ErrIncorrectCode", err)
	}
	stored, _, _ := env.store.GetRoom(room.ID)
	if len(stored.Members) != 1 {
		t.Fatalf("failed attempt mutated members: %v", stored.Members)
	}

	joined, err := env.app.JoinWithCode(bob, room.ID, "1234", bob.ID)
	if err != nil {
		t.Fatalf("correct code: %v", err)
	}
	if !joined.IsMember(bob.ID) {
		t.Fatalf("member not recorded: %v", joined.Members)
	}

	// A recorded member skips the code check entirely.
	again, err := env.app.JoinWithCode(bob, room.ID, "0000", bob.ID)
	if err != nil {
		t.Fatalf("rejoin as member: %v", err)
	}
	if len(again.Members) != 2 {
		t.Fatalf("rejoin changed membership: %v", again.Members)
	}
}

func TestJoinWithCodeIdempotentUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	bob := env.signIn(t, "token-bob")

	room, err := env.app.CreateRoom(alice, "team", true, "1234")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.app.JoinWithCode(bob, room.ID, "1234", bob.ID); err != nil {
				t.Errorf("concurrent join: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, _, _ := env.store.GetRoom(room.ID)
	if len(stored.Members) != 2 {
		t.Fatalf("membership not idempotent: %v", stored.Members)
	}
}

func TestJoinByNameFindsOnlyPrivateRooms(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	bob := env.signIn(t, "token-bob")

	if _, err := env.app.CreateRoom(alice, "lobby", false, ""); err != nil {
		t.Fatalf("create public room: %v", err)
	}
	if _, err := env.app.CreateRoom(alice, "hideout", true, "4321"); err != nil {
		t.Fatalf("create private room: %v", err)
	}

	if _, err := env.app.JoinByName(bob, "lobby", "0000", bob.ID); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("public room reachable by name: %v", err)
	}
	if _, err := env.app.JoinByName(bob, "nope", "0000", bob.ID); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("missing room: got %v, want ErrRoomNotFound", err)
	}

	joined, err := env.app.JoinByName(bob, "hideout", "4321", bob.ID)
	if err != nil {
		t.Fatalf("join by name: %v", err)
	}
	if !joined.IsMember(bob.ID) {
		t.Fatalf("member not recorded: %v", joined.Members)
	}
}

func TestJoinCodeAttemptsThrottled(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Limiter = denyLimiter{}
	})
	alice := env.signIn(t, "token-alice")
	bob := env.signIn(t, "token-bob")

	room, err := env.app.CreateRoom(alice, "team", true, "1234")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := env.app.JoinWithCode(bob, room.ID, "1234", bob.ID); !errors.Is(err, ErrTooManyCodeAttempts) {
		t.Fatalf("got %v, want ErrTooManyCodeAttempts", err)
	}
	// Recorded members are never throttled.
	if _, err := env.app.JoinWithCode(alice, room.ID, "", alice.ID); err != nil {
		t.Fatalf("member join throttled: %v", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	bob := env.signIn(t, "token-bob")
	ctx := context.Background()

	room, err := env.app.CreateRoom(alice, "team", true, "1234")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if _, err := env.app.SendMessage(ctx, alice, room.ID, "   \n\t ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank text: got %v, want ErrEmptyMessage", err)
	}
	if _, err := env.app.SendMessage(ctx, bob, room.ID, "hi", nil); !errors.Is(err, ErrRoomAccessDenied) {
		t.Fatalf("non-member send: got %v, want ErrRoomAccessDenied", err)
	}
	if _, err := env.app.SendMessage(ctx, alice, "missing", "hi", nil); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("missing room: got %v, want ErrRoomNotFound", err)
	}
}

func TestSendMessageOrderingAndFanout(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	ctx := context.Background()

	room, err := env.app.CreateRoom(alice, "general", false, "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	sub := env.hub.Subscribe(hub.RoomTopic(room.ID))
	defer sub.Close()

	for i := 0; i < 3; i++ {
		if _, err := env.app.SendMessage(ctx, alice, room.ID, fmt.Sprintf("msg-%d", i), nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	msgs, err := env.app.RoomMessages(alice, room.ID)
	if err != nil {
		t.Fatalf("room messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Text != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("message %d out of order: %q", i, m.Text)
		}
		if m.Author != "Alice" {
			t.Fatalf("author not captured: %q", m.Author)
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("timestamps not ascending at %d", i)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			if ev.Type != hub.EventMessage || ev.Message == nil {
				t.Fatalf("unexpected room event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing fan-out event %d", i)
		}
	}
}

func TestSendMessageWithImage(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	ctx := context.Background()

	room, err := env.app.CreateRoom(alice, "general", false, "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	msg, err := env.app.SendMessage(ctx, alice, room.ID, "", &ImageUpload{
		Filename:    "my photo.png",
		ContentType: "image/png",
		Size:        4,
		Reader:      bytes.NewReader([]byte{1, 2, 3, 4}),
	})
	if err != nil {
		t.Fatalf("send with image: %v", err)
	}
	if !strings.HasPrefix(msg.ImageURL, "https://media.test/") {
		t.Fatalf("image URL not from object store: %q", msg.ImageURL)
	}
	if !strings.HasSuffix(msg.ImageURL, "-my_photo.png") {
		t.Fatalf("filename not preserved in key: %q", msg.ImageURL)
	}
	if len(env.objects.objects) != 1 {
		t.Fatalf("object not stored")
	}
}

func TestSendMessageRejectsNonImageAttachment(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	ctx := context.Background()

	room, err := env.app.CreateRoom(alice, "general", false, "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	_, err = env.app.SendMessage(ctx, alice, room.ID, "", &ImageUpload{
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Reader:      strings.NewReader("just text"),
	})
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("declared text type: got %v, want ErrUnsupportedImage", err)
	}

	// Browsers often declare octet-stream; the bytes decide then.
	_, err = env.app.SendMessage(ctx, alice, room.ID, "", &ImageUpload{
		Filename:    "payload.bin",
		ContentType: "application/octet-stream",
		Reader:      strings.NewReader("definitely not pixels"),
	})
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("sniffed text content: got %v, want ErrUnsupportedImage", err)
	}
	if len(env.objects.objects) != 0 {
		t.Fatalf("rejected attachment reached the object store")
	}

	pngHeader := []byte("\x89PNG\r\n\x1a\n")
	msg, err := env.app.SendMessage(ctx, alice, room.ID, "", &ImageUpload{
		Filename:    "pic",
		ContentType: "application/octet-stream",
		Size:        int64(len(pngHeader)),
		Reader:      bytes.NewReader(pngHeader),
	})
	if err != nil {
		t.Fatalf("sniffed png: %v", err)
	}
	if msg.ImageURL == "" {
		t.Fatalf("sniffed png produced no image URL")
	}
	for _, data := range env.objects.objects {
		if !bytes.Equal(data, pngHeader) {
			t.Fatalf("sniffing corrupted the stored bytes: %v", data)
		}
	}
}

func TestSendMessageUploadFailure(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	ctx := context.Background()

	room, err := env.app.CreateRoom(alice, "general", false, "")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	env.objects.putErr = errors.New("bucket offline")
	_, err = env.app.SendMessage(ctx, alice, room.ID, "look", &ImageUpload{
		Filename:    "pic.png",
		ContentType: "image/png",
		Reader:      bytes.NewReader(nil),
	})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("got %v, want ErrUploadFailed", err)
	}
	msgs, _ := env.app.RoomMessages(alice, room.ID)
	if len(msgs) != 0 {
		t.Fatalf("message appended despite failed upload")
	}
}

func TestSendMessageCleansUpOrphanedUpload(t *testing.T) {
	mem := store.NewMemoryStore()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Store = failingStore{Store: mem}
	})
	// Seed through the underlying store so writes succeed during setup.
	alice := domain.User{ID: "u-alice", DisplayName: "Alice"}
	if err := mem.SaveUser(alice); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	room := domain.Room{ID: "r1", Name: "general", CreatorID: alice.ID, CreatedAt: time.Now().UTC()}
	if err := mem.CreateRoom(room); err != nil {
		t.Fatalf("seed room: %v", err)
	}

	_, err := env.app.SendMessage(context.Background(), alice, room.ID, "", &ImageUpload{
		Filename:    "pic.png",
		ContentType: "image/png",
		Reader:      bytes.NewReader([]byte("data")),
	})
	if err == nil {
		t.Fatalf("expected append failure")
	}
	if len(env.objects.deleted) != 1 {
		t.Fatalf("orphaned upload not deleted: %v", env.objects.deleted)
	}
	if len(env.objects.objects) != 0 {
		t.Fatalf("object still present after cleanup")
	}
}

func TestRoomMessagesRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "token-alice")
	bob := env.signIn(t, "token-bob")

	room, err := env.app.CreateRoom(alice, "secret", true, "1234")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := env.app.RoomMessages(bob, room.ID); !errors.Is(err, ErrRoomAccessDenied) {
		t.Fatalf("history: got %v, want ErrRoomAccessDenied", err)
	}
	if err := env.app.CanSubscribe(bob, room.ID); !errors.Is(err, ErrRoomAccessDenied) {
		t.Fatalf("subscribe: got %v, want ErrRoomAccessDenied", err)
	}

	if _, err := env.app.JoinWithCode(bob, room.ID, "1234", bob.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := env.app.CanSubscribe(bob, room.ID); err != nil {
		t.Fatalf("subscribe after join: %v", err)
	}
}

func TestUploadKeySanitizesFilename(t *testing.T) {
	key := uploadKey("  ../evil path.png ")
	if strings.Contains(key, "/") || strings.Contains(key, "..") {
		t.Fatalf("path characters survived: %q", key)
	}
	if !strings.HasSuffix(key, "-evil_path.png") {
		t.Fatalf("filename lost: %q", key)
	}
	if uploadKey("a.png") == uploadKey("a.png") {
		t.Fatalf("keys must be unique per upload")
	}
}
