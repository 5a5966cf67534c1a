package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/app"
	"roomchat/internal/util"
	"roomchat/pkg/domain"
)

const (
	sessionCookieName = "roomchat_session"

	defaultMaxUploadBytes = 5 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	MaxUploadBytes int64
	SessionTTL     time.Duration
	CookieSecure   bool
	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
}

// Server exposes the HTTP and websocket endpoints of the chat backend.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
	sessionTTL     time.Duration
	cookieSecure   bool
	trusted        *util.TrustedProxies
	upgrader       websocket.Upgrader
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUpload,
		sessionTTL:     cfg.SessionTTL,
		cookieSecure:   cfg.CookieSecure,
		trusted:        cfg.TrustedProxies,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed[origin]
			},
		},
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// identity
	s.mux.HandleFunc("/auth/signin", s.handleSignIn)
	s.mux.HandleFunc("/auth/signout", s.handleSignOut)
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/session/room", s.authenticated(s.handleSessionRoom))

	// rooms
	s.mux.Handle("/rooms", s.authenticated(s.handleRooms))
	s.mux.Handle("/rooms/join", s.authenticated(s.handleJoinByName))
	s.mux.Handle("/rooms/", s.authenticated(s.handleRoomByID))

	// realtime
	s.mux.Handle("/ws/rooms", s.authenticated(s.handleDirectoryWS))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := sessionToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

// identity handlers
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req signInRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.IDToken) == "" {
		writeError(w, http.StatusBadRequest, "idToken is required")
		return
	}
	user, token, err := s.app.SignIn(req.IDToken)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, signInResponse{Token: token, User: user})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := sessionToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.SignOut(token); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleSessionRoom reads and writes the session's remembered room so a
// page reload can land back where the user was.
func (s *Server) handleSessionRoom(w http.ResponseWriter, r *http.Request, _ domain.User) {
	token, _ := sessionToken(r)
	switch r.Method {
	case http.MethodGet:
		name, err := s.app.LastRoom(token)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"room": name})
	case http.MethodPost:
		var req rememberRoomRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.RememberRoom(token, req.Room); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// room handlers
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		rooms, err := s.app.ListRooms()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": rooms,
			"count": len(rooms),
		})
	case http.MethodPost:
		var req createRoomRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		room, err := s.app.CreateRoom(user, req.Name, req.Private, req.Code)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	default:
		methodNotAllowed(w)
	}
}

// handleJoinByName admits a user into a private room addressed by its
// exact name, for rooms shared out-of-band instead of picked from the
// directory.
func (s *Server) handleJoinByName(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req joinRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	room, err := s.app.JoinByName(user, req.Name, req.Code, s.attemptKey(r, user))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app.JoinResult{State: domain.StateJoined, Room: room})
}

// handleRoomByID dispatches /rooms/{id}/join, /rooms/{id}/messages and
// /rooms/{id}/ws.
func (s *Server) handleRoomByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/rooms/")
	roomID, action, _ := strings.Cut(rest, "/")
	if roomID == "" || strings.Contains(action, "/") {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "join":
		s.handleJoinRoom(w, r, user, roomID)
	case "messages":
		s.handleMessages(w, r, user, roomID)
	case "ws":
		s.handleRoomWS(w, r, user, roomID)
	default:
		http.NotFound(w, r)
	}
}

// handleJoinRoom runs the access check for a directory-selected room.
// Without a code it only reports the join state; with a code it
// validates the code and records membership.
func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request, user domain.User, roomID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req joinRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Code == "" {
		result, err := s.app.AttemptJoin(user, roomID)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	room, err := s.app.JoinWithCode(user, roomID, req.Code, s.attemptKey(r, user))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app.JoinResult{State: domain.StateJoined, Room: room})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User, roomID string) {
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.app.RoomMessages(user, roomID)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": msgs,
			"count": len(msgs),
		})
	case http.MethodPost:
		s.handleSendMessage(w, r, user, roomID)
	default:
		methodNotAllowed(w)
	}
}

// handleSendMessage accepts either a JSON body with text or a multipart
// form carrying text plus an image file.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user domain.User, roomID string) {
	contentType := r.Header.Get("Content-Type")

	var text string
	var upload *app.ImageUpload
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		text = r.FormValue("text")
		file, header, err := r.FormFile("image")
		switch {
		case err == nil:
			defer file.Close()
			upload = &app.ImageUpload{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Reader:      file,
			}
		case errors.Is(err, http.ErrMissingFile):
			// Text-only multipart is fine.
		default:
			writeError(w, http.StatusBadRequest, "invalid image upload")
			return
		}
	default:
		var req sendMessageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		text = req.Text
	}

	msg, err := s.app.SendMessage(r.Context(), user, roomID, text, upload)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// attemptKey identifies the caller for code-attempt throttling. The
// client address is part of the key so one abusive network location
// cannot lock everyone else out.
func (s *Server) attemptKey(r *http.Request, user domain.User) string {
	return user.ID + "@" + util.ClientIP(r, s.trusted)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	maxAge := 0
	if s.sessionTTL > 0 {
		maxAge = int(s.sessionTTL.Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeAppError maps application sentinels onto HTTP statuses.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrAuthFailure):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInvalidCode), errors.Is(err, app.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrIncorrectCode), errors.Is(err, app.ErrRoomAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrUnsupportedImage):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, app.ErrTooManyCodeAttempts):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, app.ErrUploadFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type signInRequest struct {
	IDToken string `json:"idToken"`
}

type signInResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type rememberRoomRequest struct {
	Room string `json:"room"`
}

type createRoomRequest struct {
	Name    string `json:"name"`
	Private bool   `json:"private"`
	Code    string `json:"code"`
}

type joinRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// sessionToken pulls the session token from the Authorization header or
// the session cookie. Websocket clients may also pass it as a query
// parameter since browsers cannot set headers on WebSocket dials.
func sessionToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
