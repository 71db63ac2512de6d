package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/viktorstiskala/marie/pkg/logger"
)

// Discord adapts a discord bot session to the Transport interface.
//
// Mapping notes: the bare identity is the discord user ID, the full identity
// is "<id>/<username>". Rooms are guild channel IDs; joining a room means
// the adapter starts delivering that channel's messages as groupchat events
// (the bot itself must already be a member of the guild). Discord has no
// subscription handshake, so the subscription primitives report a mutual
// state and the request/withdraw operations are no-ops.
type Discord struct {
	session *discordgo.Session

	mu           sync.Mutex
	rooms        map[string]bool   // watched channel IDs
	dmChannels   map[string]string // user ID -> DM channel ID cache
	msgHandlers  []MessageHandler
	presHandlers []PresenceHandler
}

// NewDiscord creates a discord transport for the given bot token.
func NewDiscord(token string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	d := &Discord{
		session:    session,
		rooms:      make(map[string]bool),
		dmChannels: make(map[string]string),
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildPresences |
		discordgo.IntentMessageContent

	session.AddHandler(d.handleMessage)
	session.AddHandler(d.handlePresence)

	return d, nil
}

func (d *Discord) Connect(ctx context.Context) error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	logger.InfoC("discord", "Gateway connection established")
	return nil
}

func (d *Discord) Close() error {
	return d.session.Close()
}

func (d *Discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	msg := InboundMessage{
		From: Identity{
			Bare: m.Author.ID,
			Full: m.Author.ID + "/" + m.Author.Username,
		},
		Body:   m.Content,
		Thread: m.ID,
		ChatID: m.ChannelID,
	}

	if m.GuildID == "" {
		msg.Type = MessageChat
	} else {
		d.mu.Lock()
		watched := d.rooms[m.ChannelID]
		d.mu.Unlock()
		if !watched {
			return
		}
		msg.Type = MessageGroupchat
		msg.Room = m.ChannelID
	}

	d.mu.Lock()
	handlers := append([]MessageHandler(nil), d.msgHandlers...)
	d.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (d *Discord) handlePresence(s *discordgo.Session, p *discordgo.PresenceUpdate) {
	if p.User == nil {
		return
	}

	update := PresenceUpdate{
		From: Identity{Bare: p.User.ID, Full: p.User.ID},
	}
	switch p.Status {
	case discordgo.StatusOnline:
		update.Status = StatusAvailable
	case discordgo.StatusIdle:
		update.Status = StatusAway
	case discordgo.StatusDoNotDisturb:
		update.Status = StatusDND
	default:
		update.Status = StatusOffline
		update.Offline = true
	}

	d.mu.Lock()
	handlers := append([]PresenceHandler(nil), d.presHandlers...)
	d.mu.Unlock()
	for _, h := range handlers {
		h(update)
	}
}

func (d *Discord) dmChannel(userID string) (string, error) {
	d.mu.Lock()
	if id, ok := d.dmChannels[userID]; ok {
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("%w: open DM channel: %v", ErrUnavailable, err)
	}

	d.mu.Lock()
	d.dmChannels[userID] = ch.ID
	d.mu.Unlock()
	return ch.ID, nil
}

func (d *Discord) SendChatMessage(ctx context.Context, to, text string) error {
	channelID, err := d.dmChannel(to)
	if err != nil {
		return err
	}
	if _, err := d.session.ChannelMessageSend(channelID, text); err != nil {
		return fmt.Errorf("%w: send to %s: %v", ErrUnavailable, to, err)
	}
	return nil
}

func (d *Discord) ReplyTo(ctx context.Context, msg InboundMessage, text string) error {
	channelID := msg.ChatID
	if channelID == "" {
		var err error
		channelID, err = d.dmChannel(msg.From.Bare)
		if err != nil {
			return err
		}
	}

	if msg.Thread != "" {
		_, err := d.session.ChannelMessageSendReply(channelID, text, &discordgo.MessageReference{
			MessageID: msg.Thread,
			ChannelID: channelID,
		})
		if err == nil {
			return nil
		}
		logger.WarnCF("discord", "Threaded reply failed, falling back to plain send", map[string]interface{}{
			"channel": channelID,
			"error":   err.Error(),
		})
	}

	if _, err := d.session.ChannelMessageSend(channelID, text); err != nil {
		return fmt.Errorf("%w: reply in %s: %v", ErrUnavailable, channelID, err)
	}
	return nil
}

func (d *Discord) RequestSubscription(ctx context.Context, bare string) error  { return nil }
func (d *Discord) WithdrawSubscription(ctx context.Context, bare string) error { return nil }

func (d *Discord) QuerySubscriptionState(ctx context.Context, bare string) (SubscriptionState, error) {
	return SubMutual, nil
}

func (d *Discord) JoinRoom(ctx context.Context, room, nick, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[room] = true
	logger.InfoCF("discord", "Watching room", map[string]interface{}{"room": room})
	return nil
}

func (d *Discord) LeaveRoom(ctx context.Context, room, nick string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms, room)
	logger.InfoCF("discord", "Stopped watching room", map[string]interface{}{"room": room})
	return nil
}

func (d *Discord) OnMessage(handler MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgHandlers = append(d.msgHandlers, handler)
}

func (d *Discord) OnPresence(handler PresenceHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presHandlers = append(d.presHandlers, handler)
}

var _ Transport = (*Discord)(nil)
