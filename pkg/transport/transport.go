// Package transport defines the chat-transport boundary of the runtime.
// The core only needs "send a message to a recipient" and "hand me inbound
// message/presence events"; everything protocol-specific lives in adapters.
package transport

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the transport cannot deliver right now.
// Callers log and fail the operation; retry policy belongs to the adapter.
var ErrUnavailable = errors.New("transport unavailable")

// MessageType classifies inbound messages.
type MessageType string

const (
	MessageChat      MessageType = "chat"
	MessageNormal    MessageType = "normal"
	MessageGroupchat MessageType = "groupchat"
)

// Status is a recipient's last communicated availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusAway      Status = "away"
	StatusDND       Status = "dnd"
	StatusOffline   Status = "offline"
	StatusUnknown   Status = "unknown"
)

// SubscriptionState describes the mutual-delivery handshake with a recipient.
type SubscriptionState string

const (
	SubNone       SubscriptionState = "none"
	SubPendingOut SubscriptionState = "pending_out"
	SubMutual     SubscriptionState = "mutual"
)

// Identity addresses a participant. Bare is the stable identity questions
// are addressed to; Full additionally identifies the specific client or
// device that sent a message.
type Identity struct {
	Bare string
	Full string
}

func (i Identity) String() string {
	if i.Full != "" {
		return i.Full
	}
	return i.Bare
}

// InboundMessage is one message received from the transport.
type InboundMessage struct {
	From   Identity
	Type   MessageType
	Body   string
	Thread string // correlation token for threading replies
	Room   string // room identifier, set for groupchat messages
	ChatID string // adapter-specific reply address
}

// PresenceUpdate is one presence notification from the transport.
type PresenceUpdate struct {
	From    Identity
	Status  Status
	Offline bool
}

// MessageHandler consumes inbound messages.
type MessageHandler func(InboundMessage)

// PresenceHandler consumes presence updates.
type PresenceHandler func(PresenceUpdate)

// Transport is the external messaging collaborator.
type Transport interface {
	// Connect establishes the transport session. Inbound handlers must be
	// registered before Connect.
	Connect(ctx context.Context) error
	Close() error

	SendChatMessage(ctx context.Context, to string, text string) error
	// ReplyTo answers a previously received message in its own thread/room.
	ReplyTo(ctx context.Context, msg InboundMessage, text string) error

	RequestSubscription(ctx context.Context, bare string) error
	WithdrawSubscription(ctx context.Context, bare string) error
	QuerySubscriptionState(ctx context.Context, bare string) (SubscriptionState, error)

	JoinRoom(ctx context.Context, room, nick, password string) error
	LeaveRoom(ctx context.Context, room, nick string) error

	OnMessage(handler MessageHandler)
	OnPresence(handler PresenceHandler)
}
