// HTTP webhook adapter. Translates inbound POST bodies into question and
// message deliveries, exposes room management, and streams bus events to
// WebSocket subscribers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/viktorstiskala/marie/pkg/bus"
	"github.com/viktorstiskala/marie/pkg/config"
	"github.com/viktorstiskala/marie/pkg/engine"
	"github.com/viktorstiskala/marie/pkg/logger"
	"github.com/viktorstiskala/marie/pkg/session"
	"github.com/viktorstiskala/marie/pkg/transport"
)

// Server is the HTTP listener fronting the bot runtime.
type Server struct {
	cfg    config.GatewayConfig
	engine *engine.Engine
	wsHub  *WSHub
	relay  *PostbackRelay
	server *http.Server
}

// NewServer wires the HTTP adapter. The relay and the WebSocket hub
// subscribe to the bus immediately; Start brings up the listener.
func NewServer(cfg config.GatewayConfig, e *engine.Engine, b *bus.Bus, sup *bus.Supervisor) *Server {
	s := &Server{
		cfg:    cfg,
		engine: e,
	}
	s.wsHub = NewWSHub(b)
	s.relay = NewPostbackRelay(e, b, sup)
	return s
}

// Handler builds the route table. Exposed separately from Start so tests can
// drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/question", s.handleQuestion)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/rooms", s.handleRooms)
	mux.HandleFunc("/rooms/", s.handleRoomByName)
	mux.HandleFunc("/events", s.wsHub.HandleWebSocket)

	return authMiddleware(s.cfg.APIKey, mux)
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Webhook listener starting", map[string]interface{}{
		"addr": addr,
	})

	go s.wsHub.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Listener error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// questionRequest is the POST /question body.
type questionRequest struct {
	Recipient       string                 `json:"recipient"`
	QuestionID      string                 `json:"question_id"`
	Question        string                 `json:"question"`
	TimeoutSeconds  int                    `json:"timeout"`
	ConfirmText     string                 `json:"confirm_text"`
	ExpireOnOffline bool                   `json:"expire_on_offline"`
	OnlyIfStatus    []string               `json:"only_if_status"`
	PostbackURL     string                 `json:"postback_url"`
	Extra           map[string]interface{} `json:"extra"`
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	if req.Recipient == "" || req.QuestionID == "" || req.Question == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "recipient, question_id and question are required",
		})
		return
	}

	opts := session.SendOptions{
		ConfirmText:     req.ConfirmText,
		ExpireOnOffline: req.ExpireOnOffline,
		PostbackURL:     req.PostbackURL,
		Extra:           req.Extra,
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	for _, st := range req.OnlyIfStatus {
		opts.OnlyIfStatus = append(opts.OnlyIfStatus, transport.Status(st))
	}

	if err := s.engine.Sessions().SendQuestion(r.Context(), req.Recipient, req.Question, req.QuestionID, opts); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// messageRequest is the POST /message body.
type messageRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	if req.Recipient == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "recipient and message are required",
		})
		return
	}

	if err := s.engine.SendMessage(r.Context(), req.Recipient, req.Message); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// roomRequest is the POST /rooms body.
type roomRequest struct {
	Room        string `json:"room"`
	Nickname    string `json:"nickname"`
	Password    string `json:"password"`
	PostbackURL string `json:"postback_url"`
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rooms, err := s.engine.Rooms(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rooms)

	case http.MethodPost:
		var req roomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
			return
		}
		if req.Room == "" || req.Nickname == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "room and nickname are required",
			})
			return
		}
		cfg := engine.RoomConfig{
			Nickname:    req.Nickname,
			Password:    req.Password,
			PostbackURL: req.PostbackURL,
		}
		if err := s.engine.AddRoom(r.Context(), req.Room, cfg); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) handleRoomByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, "DELETE")
		return
	}

	room := strings.TrimPrefix(r.URL.Path, "/rooms/")
	if room == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "room name required"})
		return
	}

	if err := s.engine.RemoveRoom(r.Context(), room); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requirePost answers wrong-verb requests with 405 and an Allow header.
func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	methodNotAllowed(w, "POST")
	return false
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
