package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"node.town/huddle/auth"
	"node.town/huddle/db"
	"node.town/huddle/session"
)

// Server authenticates websocket handshakes and routes each connection's
// events through the session's queue to the Handler.
type Server struct {
	ctx      context.Context
	auth     *auth.Authenticator
	handler  *Handler
	hub      *Hub
	queue    *session.Queue
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewServer runs handler work under ctx rather than the connection, so an
// end in progress survives its client hanging up. An empty origins list
// accepts any origin.
func NewServer(
	ctx context.Context,
	authn *auth.Authenticator,
	handler *Handler,
	hub *Hub,
	queue *session.Queue,
	origins []string,
	logger *log.Logger,
) *Server {
	if logger == nil {
		logger = log.Default()
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Server{
		ctx:     ctx,
		auth:    authn,
		handler: handler,
		hub:     hub,
		queue:   queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		logger: logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Verify(auth.FromRequest(r))
	if err != nil {
		s.logger.Warn("rejected handshake", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if !s.authorize(w, r, claims, sessionID) {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "error", err)
		return
	}

	c := newClient(conn, claims.UserID, sessionID, s.logger)
	s.hub.Join(sessionID, c)
	s.logger.Info("connected", "user", claims.UserID, "session", sessionID)

	go c.writePump()
	c.readPump(s.dispatch)

	s.hub.Leave(sessionID, c)
	c.close()
	s.logger.Info("disconnected", "user", claims.UserID, "session", sessionID)
}

// authorize admits only members of the session's team. Sessions of other
// teams look the same as missing ones.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, claims *auth.Claims, sessionID string) bool {
	info, err := s.handler.store.LookupSession(r.Context(), sessionID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && info.TeamID != claims.TeamID) {
		s.logger.Warn("rejected handshake", "user", claims.UserID, "session", sessionID, "reason", "not on team")
		http.Error(w, "Session not found", http.StatusNotFound)
		return false
	}
	if err != nil {
		s.logger.Error("session lookup failed", "session", sessionID, "error", err)
		http.Error(w, "Failed to look up session", http.StatusInternalServerError)
		return false
	}
	return true
}

func (s *Server) dispatch(c *Client, env Envelope) {
	switch env.Type {
	case TypeAudioChunk:
		var chunk AudioChunk
		if err := json.Unmarshal(env.Data, &chunk); err != nil {
			c.Send(errorEvent("Malformed audio_chunk", CodeBadEvent))
			return
		}
		s.submit(c, func() {
			s.handler.HandleAudioChunk(s.ctx, c.sessionID, chunk, c)
		})

	case TypeSessionControl:
		var ctl SessionControl
		if err := json.Unmarshal(env.Data, &ctl); err != nil {
			c.Send(errorEvent("Malformed session_control", CodeBadEvent))
			return
		}
		s.submit(c, func() {
			s.handler.HandleControl(s.ctx, c.sessionID, ctl.Action, c)
		})

	default:
		c.Send(errorEvent(fmt.Sprintf("Unknown event type %q", env.Type), CodeBadEvent))
	}
}

func (s *Server) submit(c *Client, task func()) {
	err := s.queue.Submit(c.sessionID, task)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrQueueClosed):
		s.logger.Warn("dropping event", "session", c.sessionID, "error", err)
		c.Send(errorEvent("Server is shutting down, event dropped", CodeUnavailable))
	default:
		s.logger.Warn("dropping event", "session", c.sessionID, "error", err)
		c.Send(errorEvent("Session is busy, event dropped", CodeBusy))
	}
}
