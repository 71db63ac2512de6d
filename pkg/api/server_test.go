package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/viktorstiskala/marie/pkg/bus"
	"github.com/viktorstiskala/marie/pkg/command"
	"github.com/viktorstiskala/marie/pkg/config"
	"github.com/viktorstiskala/marie/pkg/engine"
	"github.com/viktorstiskala/marie/pkg/events"
	"github.com/viktorstiskala/marie/pkg/presence"
	"github.com/viktorstiskala/marie/pkg/session"
	"github.com/viktorstiskala/marie/pkg/store"
	"github.com/viktorstiskala/marie/pkg/transport"
)

type apiRig struct {
	server *Server
	conn   *transport.Loopback
	store  *store.Memory
	sup    *bus.Supervisor
	bus    *bus.Bus
	engine *engine.Engine
}

func newAPIRig(t *testing.T, gw config.GatewayConfig) *apiRig {
	t.Helper()
	r := &apiRig{
		conn:  transport.NewLoopback(),
		store: store.NewMemory(),
		sup:   bus.NewSupervisor(),
	}
	r.bus = bus.New(r.sup)
	tracker := presence.NewTracker(r.conn)
	sessions := session.NewManager(r.store, r.conn, tracker, r.bus)

	reg := command.NewRegistry()
	r.engine = engine.New(engine.Config{ChatCommandPrefix: "!"}, r.conn, sessions, nil, tracker, r.bus, r.sup, r.store)
	if err := engine.RegisterBuiltins(reg, r.engine); err != nil {
		t.Fatal(err)
	}

	r.server = NewServer(gw, r.engine, r.bus, r.sup)
	return r
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestQuestionEndpoint(t *testing.T) {
	r := newAPIRig(t, config.GatewayConfig{})
	h := r.server.Handler()

	w := postJSON(t, h, "/question", `{"recipient":"alice","question_id":"q1","question":"Deploy now?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	sent := r.conn.Sent()
	if len(sent) != 1 || sent[0].To != "alice" || sent[0].Text != "Deploy now?" {
		t.Fatalf("question not delivered: %v", sent)
	}
	all, _ := r.store.GetAll(context.Background(), "alice")
	if _, ok := all["q1"]; !ok {
		t.Fatal("question not persisted")
	}
}

func TestQuestionEndpointMissingFields(t *testing.T) {
	r := newAPIRig(t, config.GatewayConfig{})
	h := r.server.Handler()

	for _, body := range []string{
		`{"recipient":"alice","question":"no id"}`,
		`{"question_id":"q1","question":"no recipient"}`,
		`{"recipient":"alice","question_id":"q1"}`,
		`not json`,
	} {
		if w := postJSON(t, h, "/question", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestQuestionEndpointWrongVerb(t *testing.T) {
	r := newAPIRig(t, config.GatewayConfig{})
	h := r.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/question", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != "POST" {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}

func TestMessageEndpoint(t *testing.T) {
	r := newAPIRig(t, config.GatewayConfig{})
	h := r.server.Handler()

	w := postJSON(t, h, "/message", `{"recipient":"bob","message":"hi there"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sent := r.conn.Sent()
	if len(sent) != 1 || sent[0].To != "bob" || sent[0].Text != "hi there" {
		t.Fatalf("message not delivered: %v", sent)
	}

	if w := postJSON(t, h, "/message", `{"recipient":"bob"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on missing message, got %d", w.Code)
	}
}

func TestRoomEndpoints(t *testing.T) {
	r := newAPIRig(t, config.GatewayConfig{})
	h := r.server.Handler()

	w := postJSON(t, h, "/rooms", `{"room":"lobby","nickname":"marie","postback_url":"http://example.test/hook"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if joined := r.conn.JoinedRooms(); joined["lobby"] != "marie" {
		t.Fatalf("room not joined: %v", joined)
	}

	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var rooms map[string]engine.RoomConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &rooms); err != nil {
		t.Fatal(err)
	}
	if cfg, ok := rooms["lobby"]; !ok || cfg.PostbackURL != "http://example.test/hook" {
		t.Fatalf("unexpected room listing: %v", rooms)
	}

	req = httptest.NewRequest(http.MethodDelete, "/rooms/lobby", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", rec.Code)
	}
	rooms2, _ := r.engine.Rooms(context.Background())
	if len(rooms2) != 0 {
		t.Fatalf("room not removed: %v", rooms2)
	}
}

func TestAuthMiddleware(t *testing.T) {
	r := newAPIRig(t, config.GatewayConfig{APIKey: "sekrit"})
	h := r.server.Handler()

	// Health check stays public.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health must be public, got %d", w.Code)
	}

	if w := postJSON(t, h, "/message", `{"recipient":"bob","message":"hi"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{"recipient":"bob","message":"hi"}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAnswerPostbackRelay(t *testing.T) {
	r := newAPIRig(t, config.GatewayConfig{})
	h := r.server.Handler()

	var mu sync.Mutex
	var received []map[string]interface{}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Errorf("bad postback body: %v", err)
		}
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	body := `{"recipient":"alice","question_id":"q1","question":"Deploy?","postback_url":"` + hook.URL + `"}`
	if w := postJSON(t, h, "/question", body); w.Code != http.StatusOK {
		t.Fatalf("send failed: %d", w.Code)
	}

	r.conn.InjectMessage(transport.InboundMessage{
		From: transport.Identity{Bare: "alice", Full: "alice/pc"},
		Type: transport.MessageChat,
		Body: "yes please",
	})
	r.sup.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one postback, got %d", len(received))
	}
	p := received[0]
	if p["question_id"] != "q1" || p["answer"] != "yes please" || p["recipient"] != "alice" {
		t.Fatalf("unexpected postback payload: %v", p)
	}
	if p["relay_id"] == "" || p["relay_id"] == nil {
		t.Fatal("postback must carry a relay id")
	}
}

func TestEventStreamDeliversAnswerEvents(t *testing.T) {
	r := newAPIRig(t, config.GatewayConfig{})
	h := r.server.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.server.wsHub.Run(ctx)

	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// First frame is the initial state snapshot.
	var initial WSEvent
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatal(err)
	}
	if initial.Type != "initial_state" {
		t.Fatalf("expected initial_state, got %q", initial.Type)
	}

	if err := r.engine.Sessions().SendQuestion(context.Background(), "alice", "Ship it?", "q1", session.SendOptions{}); err != nil {
		t.Fatal(err)
	}
	r.conn.InjectMessage(transport.InboundMessage{
		From: transport.Identity{Bare: "alice", Full: "alice/pc"},
		Type: transport.MessageChat,
		Body: "yes",
	})
	r.sup.Wait()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame WSEvent
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != events.AnswerReceived {
		t.Fatalf("expected %s frame, got %q", events.AnswerReceived, frame.Type)
	}
}

func TestGroupchatPostbackRelay(t *testing.T) {
	r := newAPIRig(t, config.GatewayConfig{})
	h := r.server.Handler()

	var mu sync.Mutex
	var received []map[string]interface{}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]interface{}
		json.NewDecoder(req.Body).Decode(&payload)
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
	}))
	defer hook.Close()

	body := `{"room":"lobby","nickname":"marie","postback_url":"` + hook.URL + `"}`
	if w := postJSON(t, h, "/rooms", body); w.Code != http.StatusOK {
		t.Fatalf("join failed: %d", w.Code)
	}

	r.conn.InjectMessage(transport.InboundMessage{
		From: transport.Identity{Bare: "alice", Full: "lobby/alice"},
		Type: transport.MessageGroupchat,
		Body: "status update",
		Room: "lobby",
	})
	r.sup.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one postback, got %d", len(received))
	}
	if received[0]["room"] != "lobby" || received[0]["body"] != "status update" {
		t.Fatalf("unexpected payload: %v", received[0])
	}
}
