package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"roomchat/pkg/domain"
)

func TestMemoryStoreRoomsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"alpha", "beta", "gamma"} {
		err := s.CreateRoom(domain.Room{
			ID:        name + "-id",
			Name:      name,
			CreatorID: "u1",
			Members:   []string{"u1"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	rooms, err := s.ListRooms()
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 3 {
		t.Fatalf("expected 3 rooms, got %d", len(rooms))
	}
	if rooms[0].Name != "gamma" || rooms[2].Name != "alpha" {
		t.Fatalf("unexpected order: %s, %s, %s", rooms[0].Name, rooms[1].Name, rooms[2].Name)
	}
}

func TestMemoryStoreDuplicateRoomName(t *testing.T) {
	s := NewMemoryStore()
	room := domain.Room{ID: "r1", Name: "team", CreatorID: "u1", Members: []string{"u1"}}
	if err := s.CreateRoom(room); err != nil {
		t.Fatalf("create: %v", err)
	}
	room.ID = "r2"
	if err := s.CreateRoom(room); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("got %v, want ErrDuplicateName", err)
	}
}

func TestMemoryStoreAddRoomMemberIdempotent(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateRoom(domain.Room{ID: "r1", Name: "team", CreatorID: "u1", Members: []string{"u1"}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AddRoomMember("r1", "u2"); err != nil {
				t.Errorf("add member: %v", err)
			}
		}()
	}
	wg.Wait()

	room, ok, err := s.GetRoom("r1")
	if err != nil || !ok {
		t.Fatalf("get room: ok=%v err=%v", ok, err)
	}
	if len(room.Members) != 2 {
		t.Fatalf("expected 2 members, got %v", room.Members)
	}
	if !room.IsMember("u2") || !room.IsMember("u1") {
		t.Fatalf("member set wrong: %v", room.Members)
	}
}

func TestMemoryStoreMessagesInSendOrder(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Append out of order; listing must sort by server timestamp.
	for _, msg := range []domain.Message{
		{ID: "m2", RoomID: "r1", Text: "second", CreatedAt: base.Add(time.Second)},
		{ID: "m1", RoomID: "r1", Text: "first", CreatedAt: base},
		{ID: "m3", RoomID: "r1", Text: "third", CreatedAt: base.Add(2 * time.Second)},
	} {
		if err := s.AppendMessage(msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.AppendMessage(domain.Message{ID: "mx", RoomID: "r2", Text: "other room", CreatedAt: base}); err != nil {
		t.Fatalf("append other room: %v", err)
	}

	msgs, err := s.ListRoomMessages("r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Text != want {
			t.Fatalf("position %d: got %q want %q", i, msgs[i].Text, want)
		}
	}
}

func TestMemoryStoreGetRoomByName(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateRoom(domain.Room{ID: "r1", Name: "Team", CreatorID: "u1", Members: []string{"u1"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, _ := s.GetRoomByName("Team"); !ok {
		t.Fatalf("expected exact-name hit")
	}
	// Lookup is case-sensitive.
	if _, ok, _ := s.GetRoomByName("team"); ok {
		t.Fatalf("expected case-sensitive miss")
	}
}
