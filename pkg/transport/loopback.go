package transport

import (
	"context"
	"sync"
)

// SentMessage records one outbound send through the Loopback transport.
type SentMessage struct {
	To   string
	Text string
}

// Loopback is an in-memory transport used by tests and local runs. Inbound
// traffic is injected with InjectMessage/InjectPresence; outbound sends are
// recorded and retrievable with Sent.
type Loopback struct {
	mu            sync.Mutex
	sent          []SentMessage
	replies       []SentMessage
	subscriptions map[string]SubscriptionState
	rooms         map[string]string // room -> nick
	msgHandlers   []MessageHandler
	presHandlers  []PresenceHandler
	connected     bool
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{
		subscriptions: make(map[string]SubscriptionState),
		rooms:         make(map[string]string),
	}
}

func (l *Loopback) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

func (l *Loopback) SendChatMessage(ctx context.Context, to, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, SentMessage{To: to, Text: text})
	return nil
}

func (l *Loopback) ReplyTo(ctx context.Context, msg InboundMessage, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	to := msg.From.Bare
	if msg.Room != "" {
		to = msg.Room
	}
	l.replies = append(l.replies, SentMessage{To: to, Text: text})
	return nil
}

func (l *Loopback) RequestSubscription(ctx context.Context, bare string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscriptions[bare] = SubPendingOut
	return nil
}

func (l *Loopback) WithdrawSubscription(ctx context.Context, bare string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscriptions[bare] = SubNone
	return nil
}

func (l *Loopback) QuerySubscriptionState(ctx context.Context, bare string) (SubscriptionState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.subscriptions[bare]
	if !ok {
		return SubNone, nil
	}
	return state, nil
}

// SetSubscriptionState seeds subscription state for tests.
func (l *Loopback) SetSubscriptionState(bare string, state SubscriptionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscriptions[bare] = state
}

func (l *Loopback) JoinRoom(ctx context.Context, room, nick, password string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms[room] = nick
	return nil
}

func (l *Loopback) LeaveRoom(ctx context.Context, room, nick string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, room)
	return nil
}

func (l *Loopback) OnMessage(handler MessageHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgHandlers = append(l.msgHandlers, handler)
}

func (l *Loopback) OnPresence(handler PresenceHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.presHandlers = append(l.presHandlers, handler)
}

// InjectMessage delivers msg to all registered message handlers, synchronously.
func (l *Loopback) InjectMessage(msg InboundMessage) {
	l.mu.Lock()
	handlers := append([]MessageHandler(nil), l.msgHandlers...)
	l.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// InjectPresence delivers p to all registered presence handlers, synchronously.
func (l *Loopback) InjectPresence(p PresenceUpdate) {
	l.mu.Lock()
	handlers := append([]PresenceHandler(nil), l.presHandlers...)
	l.mu.Unlock()
	for _, h := range handlers {
		h(p)
	}
}

// Sent returns a copy of all recorded direct sends.
func (l *Loopback) Sent() []SentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SentMessage(nil), l.sent...)
}

// Replies returns a copy of all recorded replies.
func (l *Loopback) Replies() []SentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SentMessage(nil), l.replies...)
}

// JoinedRooms returns the rooms currently joined, keyed by room with nick values.
func (l *Loopback) JoinedRooms() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.rooms))
	for k, v := range l.rooms {
		out[k] = v
	}
	return out
}

var _ Transport = (*Loopback)(nil)
