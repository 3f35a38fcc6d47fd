// HTTP surface of the bridge. Hook scripts and ad hoc commands talk to
// these endpoints; channel webhooks for push-style transports are
// mounted here too. Handlers are thin; the behavior lives in the
// router, registry, and channel packages.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sipeed/picobridge/pkg/bridge"
	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/domain"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/session"
)

// WebhookChannel is the capability a channel exposes to receive
// inbound transport callbacks over HTTP.
type WebhookChannel interface {
	Name() string
	HandleWebhook(w http.ResponseWriter, r *http.Request)
}

// Server is the HTTP API server for the bridge daemon.
type Server struct {
	config    *config.Config
	router    *bridge.Router
	wsHub     *WSHub
	feed      *EventFeed
	startTime time.Time
	server    *http.Server
}

// NewServer creates the API server. An empty configured API key gets a
// random per-session key, printed once at startup.
func NewServer(cfg *config.Config, rt *bridge.Router, mb *bus.MessageBus) *Server {
	if cfg.Gateway.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Gateway.APIKey = hex.EncodeToString(raw)
			logger.InfoCF("api", "Generated session API key", map[string]interface{}{
				"key": cfg.Gateway.APIKey,
			})
		}
	}
	s := &Server{
		config:    cfg,
		router:    rt,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s)
	s.feed = NewEventFeed(mb, s.wsHub)
	return s
}

// handler builds the full middleware-wrapped route table.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("POST /api/global/enable", s.handleGlobalToggle(true))
	mux.HandleFunc("POST /api/global/disable", s.handleGlobalToggle(false))
	mux.HandleFunc("POST /api/hooks/{kind}/enable", s.handleHookToggle(true))
	mux.HandleFunc("POST /api/hooks/{kind}/disable", s.handleHookToggle(false))

	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/sessions/{id}/enable", s.handleSessionEnable)
	mux.HandleFunc("POST /api/sessions/{id}/disable", s.handleSessionDisable)
	mux.HandleFunc("GET /api/sessions/{id}/response", s.handleGetResponse)

	mux.HandleFunc("POST /api/send", s.handleSend)

	// Transport webhooks mount by capability, not by concrete kind.
	for _, ch := range s.router.Manager().Channels() {
		if wh, ok := ch.(WebhookChannel); ok {
			mux.HandleFunc("POST /api/webhook/"+wh.Name(), wh.HandleWebhook)
			logger.InfoCF("api", "Webhook mounted", map[string]interface{}{
				"channel": wh.Name(),
			})
		}
	}

	// WebSocket live event feed
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	return corsMiddleware(authMiddleware(s.config.Gateway.APIKey, mux))
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Bridge API server starting", map[string]interface{}{
		"addr": addr,
	})

	go s.wsHub.Run(ctx)
	go s.feed.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.router.State().Load()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	sessions, pending := s.router.Registry().Counts()
	uptime := time.Since(s.startTime)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":           st.Enabled,
		"hooks":             st.Hooks,
		"sessions":          sessions,
		"pending_responses": pending,
		"uptime_seconds":    int(uptime.Seconds()),
		"channels":          s.router.Manager().GetStatus(),
	})
}

func (s *Server) handleGlobalToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.router.State().SetEnabled(enabled); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": enabled})
	}
}

func (s *Server) handleHookToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := domain.EventKind(r.PathValue("kind"))
		if !kind.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event kind"})
			return
		}
		if err := s.router.State().SetHook(kind, enabled); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"hook": kind, "enabled": enabled})
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Registry().Snapshot())
}

func (s *Server) handleSessionEnable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session id required"})
		return
	}
	s.router.Registry().Enable(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": id, "enabled": true})
}

func (s *Server) handleSessionDisable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session id required"})
		return
	}
	if err := s.router.Registry().Disable(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": id, "enabled": false})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string            `json:"session_id"`
		Event     string            `json:"event"`
		Title     string            `json:"title"`
		Message   string            `json:"message"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id required"})
		return
	}

	results, err := s.router.Notify(r.Context(), bus.ChannelNotification{
		SessionID: req.SessionID,
		Event:     domain.EventKind(req.Event),
		Title:     req.Title,
		Message:   req.Message,
		Metadata:  req.Metadata,
	})

	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"session": req.SessionID,
			"results": results,
		})
	case errors.Is(err, bridge.ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, bridge.ErrBridgeDisabled), errors.Is(err, bridge.ErrSessionDisabled):
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session": req.SessionID,
			"status":  "skipped",
			"reason":  err.Error(),
		})
	case errors.Is(err, bridge.ErrAllChannelsFailed):
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   err.Error(),
			"results": results,
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session id required"})
		return
	}

	resp, ok := s.router.GetResponse(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "none"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "resolved",
		"response": resp,
		"decision": bridge.Decision(resp),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
