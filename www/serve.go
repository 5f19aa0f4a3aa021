// Package www is the HTTP surface of the huddle server: the realtime
// websocket endpoint plus a few REST routes around sessions.
package www

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"node.town/huddle/auth"
	"node.town/huddle/db"
	"node.town/huddle/llm"
)

const maxEnrollmentSize = 25 << 20

// Store is what the REST routes read and write.
type Store interface {
	CreateSession(ctx context.Context, teamID, startedBy string) (string, error)
	LookupSession(ctx context.Context, sessionID string) (*db.SessionInfo, error)
	LatestSummary(ctx context.Context, sessionID string) (*db.SummaryRecord, error)
	MapSpeaker(ctx context.Context, sessionID, speakerLabel, userID string) error
	MarkVoiceEnrolled(ctx context.Context, userID string) error
}

type Enroller interface {
	EnrollSpeaker(ctx context.Context, userID string, audio []byte) error
}

type Server struct {
	router *chi.Mux
	port   int
	logger *log.Logger
}

// NewServer mounts realtime at /huddle. It authenticates its own handshakes.
func NewServer(
	port int,
	authn *auth.Authenticator,
	store Store,
	enroller Enroller,
	realtime http.Handler,
	logger *log.Logger,
) *Server {
	if logger == nil {
		logger = log.Default()
	}
	api := &api{store: store, enroller: enroller, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/huddle", realtime)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Post("/sessions", api.createSession)
		r.Get("/sessions/{id}/summary", api.latestSummary)
		r.Put("/sessions/{id}/speakers/{label}", api.mapSpeaker)
		r.Post("/users/me/voice-enrollment", api.enrollVoice)
	})

	return &Server{router: r, port: port, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks until ctx is cancelled or the listener fails, then
// gives open requests a few seconds to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", s.port))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug(
				"request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start),
				"id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

type api struct {
	store    Store
	enroller Enroller
	logger   *log.Logger
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	if claims.TeamID == "" {
		writeError(w, http.StatusForbidden, "Token carries no team")
		return
	}

	id, err := a.store.CreateSession(r.Context(), claims.TeamID, claims.UserID)
	if err != nil {
		a.logger.Error("failed to create session", "team", claims.TeamID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

// teamSession loads the session named in the URL and checks that it
// belongs to the caller's team. It writes the error response itself.
func (a *api) teamSession(w http.ResponseWriter, r *http.Request) (*db.SessionInfo, bool) {
	claims, _ := auth.ClaimsFrom(r.Context())
	info, err := a.store.LookupSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) || (err == nil && info.TeamID != claims.TeamID) {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	if err != nil {
		a.logger.Error("failed to look up session", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to look up session")
		return nil, false
	}
	return info, true
}

type speakerResponse struct {
	SpeakerLabel string   `json:"speakerLabel"`
	UserName     *string  `json:"userName"`
	Yesterday    string   `json:"yesterday"`
	Today        string   `json:"today"`
	Blockers     []string `json:"blockers"`
	ActionItems  []string `json:"actionItems"`
	Confidence   float64  `json:"confidence"`
}

type summaryResponse struct {
	SummaryID   string            `json:"summaryId"`
	SessionID   string            `json:"sessionId"`
	IsFinal     bool              `json:"isFinal"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Summary     llm.HuddleSummary `json:"summary"`
	Speakers    []speakerResponse `json:"speakers"`
}

func (a *api) latestSummary(w http.ResponseWriter, r *http.Request) {
	info, ok := a.teamSession(w, r)
	if !ok {
		return
	}

	rec, err := a.store.LatestSummary(r.Context(), info.SessionID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No summary yet")
		return
	}
	if err != nil {
		a.logger.Error("failed to load summary", "session", info.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load summary")
		return
	}

	resp := summaryResponse{
		SummaryID:   rec.SummaryID,
		SessionID:   rec.SessionID,
		IsFinal:     rec.IsFinal,
		GeneratedAt: rec.GeneratedAt,
		Summary:     rec.Summary,
		Speakers:    make([]speakerResponse, 0, len(rec.Speakers)),
	}
	for _, s := range rec.Speakers {
		resp.Speakers = append(resp.Speakers, speakerResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

type mapSpeakerRequest struct {
	UserID string `json:"userId"`
}

func (a *api) mapSpeaker(w http.ResponseWriter, r *http.Request) {
	info, ok := a.teamSession(w, r)
	if !ok {
		return
	}

	var req mapSpeakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	label := chi.URLParam(r, "label")
	err := a.store.MapSpeaker(r.Context(), info.SessionID, label, req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User is not on this session's team")
		return
	}
	if err != nil {
		a.logger.Error("failed to map speaker", "session", info.SessionID, "label", label, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to map speaker")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) enrollVoice(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxEnrollmentSize)
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil || len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "audio file is empty or unreadable")
		return
	}

	if err := a.enroller.EnrollSpeaker(r.Context(), claims.UserID, audio); err != nil {
		a.logger.Error("voice enrollment failed", "user", claims.UserID, "error", err)
		writeError(w, http.StatusBadGateway, "Voice enrollment failed")
		return
	}
	if err := a.store.MarkVoiceEnrolled(r.Context(), claims.UserID); err != nil {
		a.logger.Error("failed to flag enrollment", "user", claims.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to record enrollment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enrolled": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
