// Package webhook is the HTTP surface: the Messenger webhook handshake and
// event receiver, plus the small admin API for credentials and history.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"korabot/internal/domain"
	"korabot/internal/metrics"
)

const maxBodyBytes = 1 << 20

// EventHandler processes one inbound messaging event to completion.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.InboundEvent, profile *domain.BotProfile)
}

// ProfileSource is the profile view the HTTP surface needs.
type ProfileSource interface {
	Active() (*domain.BotProfile, bool)
	All() []domain.BotProfile
	Configured() []domain.BotProfile
	FindByVerifyToken(token string) (*domain.BotProfile, bool)
	Update(p domain.BotProfile) error
	SetRefresh(profileID string, info domain.RefreshInfo) error
}

// TokenValidator checks a page access token before it is accepted.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (bool, error)
}

// HistorySource serves the admin history and log endpoints.
type HistorySource interface {
	History(ctx context.Context, userID string) ([]domain.ConversationRecord, error)
	RecentLog(ctx context.Context, userID string, limit int) ([]domain.LogEntry, error)
}

// Config configures the webhook server.
type Config struct {
	Port      int
	AdminCode string // gates GET /history
	Logger    *slog.Logger
}

// Server receives Messenger webhook traffic and hands events to the
// dispatcher synchronously, so the 200 acknowledgement means processed.
type Server struct {
	port      int
	adminCode string
	handler   EventHandler
	profiles  ProfileSource
	validator TokenValidator
	history   HistorySource
	logger    *slog.Logger
	server    *http.Server
}

func NewServer(cfg Config, handler EventHandler, profiles ProfileSource, validator TokenValidator, history HistorySource) *Server {
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		port:      cfg.Port,
		adminCode: cfg.AdminCode,
		handler:   handler,
		profiles:  profiles,
		validator: validator,
		history:   history,
		logger:    cfg.Logger,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.handleVerify)
	mux.HandleFunc("POST /webhook", s.handleEvents)
	mux.HandleFunc("POST /set-tokens", s.handleSetTokens)
	mux.HandleFunc("GET /bots", s.handleBots)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /metrics", metrics.Default.Handler())
	return mux
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// handleVerify answers the Messenger subscription handshake: echo the
// challenge when the verify token matches any profile, 403 otherwise.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" {
		if p, ok := s.profiles.FindByVerifyToken(token); ok {
			s.logger.Info("webhook verified", "profile", p.ID)
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, challenge)
			return
		}
	}

	s.logger.Warn("webhook verification failed", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// Messenger webhook envelope.
type webhookBody struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message *struct {
		Text        string `json:"text"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

// handleEvents processes a page event batch. Events are handled
// sequentially and in order; the 200 EVENT_RECEIVED acknowledgement is
// only written after every event in the batch completed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var body webhookBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if body.Object != "page" {
		s.logger.Warn("non-page webhook object", "object", body.Object)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	profile, ok := s.profiles.Active()
	if !ok {
		s.logger.Error("no bot profile configured, cannot process events")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	for _, entry := range body.Entry {
		for _, ev := range entry.Messaging {
			metrics.EventsReceived.Inc()
			s.handler.Handle(r.Context(), toInbound(ev), profile)
		}
	}

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "EVENT_RECEIVED")
}

func toInbound(ev messagingEvent) domain.InboundEvent {
	out := domain.InboundEvent{SenderID: ev.Sender.ID}
	if ev.Message != nil {
		out.Text = ev.Message.Text
		for _, a := range ev.Message.Attachments {
			out.Attachments = append(out.Attachments, domain.Attachment{
				Type: a.Type,
				URL:  a.Payload.URL,
			})
		}
	}
	return out
}

type setTokensRequest struct {
	VerifyToken     string `json:"verifyToken"`
	PageAccessToken string `json:"pageAccessToken"`
	GeminiKey       string `json:"geminiKey"`
	RefreshToken    string `json:"refreshToken"`
}

// handleSetTokens replaces the default profile's credentials. The page
// token is validated against the Graph API before anything is persisted.
func (s *Server) handleSetTokens(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req setTokensRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.VerifyToken == "" || req.PageAccessToken == "" || req.GeminiKey == "" {
		http.Error(w, "Required fields: verifyToken, pageAccessToken, geminiKey", http.StatusBadRequest)
		return
	}

	valid, err := s.validator.ValidateToken(r.Context(), req.PageAccessToken)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to validate Page Access Token: %v", err), http.StatusBadRequest)
		return
	}
	if !valid {
		http.Error(w, "Invalid Page Access Token", http.StatusBadRequest)
		return
	}

	if err := s.profiles.Update(domain.BotProfile{
		ID:              domain.DefaultProfileID,
		VerifyToken:     req.VerifyToken,
		PageAccessToken: req.PageAccessToken,
		GeminiKey:       req.GeminiKey,
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		s.logger.Error("cannot save profile", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if req.RefreshToken != "" {
		info := domain.RefreshInfo{
			LastRefresh:  time.Now().UTC(),
			ExpiresAt:    time.Now().UTC().Add(60 * 24 * time.Hour),
			RefreshToken: req.RefreshToken,
		}
		if err := s.profiles.SetRefresh(domain.DefaultProfileID, info); err != nil {
			s.logger.Error("cannot save refresh data", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	s.logger.Info("bot configuration updated", "profile", domain.DefaultProfileID)
	io.WriteString(w, "✅ Bot configuration saved successfully!")
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"bots":       redactProfiles(s.profiles.Configured()),
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"botCount":  len(s.profiles.All()),
	})
}

// handleHistory serves a user's rolling conversation window, gated by the
// configured admin code.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	adminCode := r.URL.Query().Get("adminCode")

	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId parameter is required"})
		return
	}
	if s.adminCode == "" || adminCode != s.adminCode {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid admin code"})
		return
	}

	history, err := s.history.History(r.Context(), userID)
	if err != nil {
		s.logger.Error("cannot load history", "user", userID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if history == nil {
		history = []domain.ConversationRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":              userID,
		"conversationHistory": history,
	})
}

// handleLogs serves the raw append-only conversation log for a user,
// newest first, gated like /history.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	adminCode := r.URL.Query().Get("adminCode")

	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId parameter is required"})
		return
	}
	if s.adminCode == "" || adminCode != s.adminCode {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid admin code"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.history.RecentLog(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("cannot load conversation log", "user", userID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"log":    entries,
	})
}

// botSummary lists a profile without exposing its secrets.
type botSummary struct {
	ID          string    `json:"id"`
	VerifyToken string    `json:"verifyToken"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
}

func redactProfiles(profiles []domain.BotProfile) []botSummary {
	out := make([]botSummary, len(profiles))
	for i, p := range profiles {
		out[i] = botSummary{ID: p.ID, VerifyToken: p.VerifyToken, CreatedAt: p.CreatedAt}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
