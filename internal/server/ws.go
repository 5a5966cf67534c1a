package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/hub"
	"roomchat/pkg/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	// Clients only send control frames on these sockets.
	wsReadLimit = 512
)

type directorySnapshot struct {
	Type  string        `json:"type"`
	Rooms []domain.Room `json:"rooms"`
}

type roomSnapshot struct {
	Type     string           `json:"type"`
	Messages []domain.Message `json:"messages"`
}

// handleDirectoryWS streams the room directory: a full snapshot on
// connect, then an event per newly created room.
func (s *Server) handleDirectoryWS(w http.ResponseWriter, r *http.Request, _ domain.User) {
	// Subscribe before reading the snapshot so no creation falls into
	// the gap between the two.
	sub := s.app.Hub().Subscribe(hub.TopicDirectory)
	rooms, err := s.app.ListRooms()
	if err != nil {
		sub.Close()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		slog.Warn("directory ws upgrade failed", "err", err)
		return
	}
	go s.stream(conn, sub, directorySnapshot{Type: "snapshot", Rooms: rooms})
}

// handleRoomWS streams one room's message channel: the ordered history
// on connect, then an event per new message. Private rooms require the
// caller to have joined first.
func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request, user domain.User, roomID string) {
	if err := s.app.CanSubscribe(user, roomID); err != nil {
		s.writeAppError(w, err)
		return
	}
	sub := s.app.Hub().Subscribe(hub.RoomTopic(roomID))
	msgs, err := s.app.RoomMessages(user, roomID)
	if err != nil {
		sub.Close()
		s.writeAppError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		slog.Warn("room ws upgrade failed", "room", roomID, "err", err)
		return
	}
	go s.stream(conn, sub, roomSnapshot{Type: "snapshot", Messages: msgs})
}

// stream owns the connection: snapshot first, then hub events until the
// peer goes away or the subscription closes.
func (s *Server) stream(conn *websocket.Conn, sub *hub.Subscription, snapshot any) {
	defer conn.Close()
	defer sub.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeWS(conn, snapshot); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeWS(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeWS(conn *websocket.Conn, payload any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(payload)
}
