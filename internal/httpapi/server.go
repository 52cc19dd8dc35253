// Package httpapi exposes the REST and websocket surface of the service:
// session management, transcript reads, voice previews, and the realtime
// conversation socket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/emvazquez/agora/internal/config"
	"github.com/emvazquez/agora/internal/observability"
	"github.com/emvazquez/agora/internal/protocol"
	"github.com/emvazquez/agora/internal/session"
	"github.com/emvazquez/agora/internal/speech"
	"github.com/emvazquez/agora/internal/turnlog"
)

type Orchestrator interface {
	RunSession(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

// SpeechPreviewer synthesizes a standalone utterance for voice auditioning.
type SpeechPreviewer interface {
	Synthesize(ctx context.Context, text string, sp session.Speaker) (*speech.Artifact, error)
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	turns        turnlog.Store
	orchestrator Orchestrator
	previewer    SpeechPreviewer
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, turns turnlog.Store, orchestrator Orchestrator, previewer SpeechPreviewer, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		turns:        turns,
		orchestrator: orchestrator,
		previewer:    previewer,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so a
				// third-party page cannot drive someone's session when the
				// service is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/turns", s.handleListTurns)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Post("/v1/voices/preview", s.handlePreviewVoice)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type createSessionRequest struct {
	Topic    string            `json:"topic"`
	Format   session.Format    `json:"format"`
	Speakers []session.Speaker `json:"speakers"`
}

type createSessionResponse struct {
	Session         *session.Session `json:"session"`
	InactivityTTLMS int64            `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "topic is required")
		return
	}

	sess, err := s.sessions.Create(req.Topic, req.Format, req.Speakers)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_session", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		Session:         sess,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	limit := 100
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		limit = n
	}

	turns, err := s.turns.History(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Complete(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type previewVoiceRequest struct {
	Text  string               `json:"text"`
	Voice session.VoiceProfile `json:"voice"`
}

func (s *Server) handlePreviewVoice(w http.ResponseWriter, r *http.Request) {
	var req previewVoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		req.Text = "Hello, this is a short voice preview."
	}
	if s.previewer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "speech pipeline not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	artifact, err := s.previewer.Synthesize(ctx, req.Text, session.Speaker{
		ID:          "preview",
		DisplayName: "Preview",
		Kind:        session.SpeakerAgent,
		Voice:       req.Voice,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "synthesis_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", contentTypeForFormat(artifact.Format))
	w.Header().Set("X-Voice-Id", artifact.VoiceIDUsed)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Payload)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunSession(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.SessionEvents.WithLabelValues("ws_write_error").Inc()
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Websocket writes stay single-threaded; drop when the
				// outbound queue is saturated.
				s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > 10000 {
		return 0, errors.New("limit too large")
	}
	return n, nil
}

func contentTypeForFormat(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "pcm":
		return "audio/L16"
	case "ulaw":
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.UserTurn:
		return m.Type, true
	case protocol.SpeakerSelect:
		return m.Type, true
	case protocol.TurnStarted:
		return m.Type, true
	case protocol.TurnText:
		return m.Type, true
	case protocol.TurnAudio:
		return m.Type, true
	case protocol.TurnDegraded:
		return m.Type, true
	case protocol.PlaybackState:
		return m.Type, true
	case protocol.AwaitingInput:
		return m.Type, true
	case protocol.SessionEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
