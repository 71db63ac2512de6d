// Package engine wires inbound transport traffic to the command dispatcher
// and the question/answer session engine, and routes session outcomes onto
// the event bus.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/viktorstiskala/marie/pkg/bus"
	"github.com/viktorstiskala/marie/pkg/command"
	"github.com/viktorstiskala/marie/pkg/events"
	"github.com/viktorstiskala/marie/pkg/logger"
	"github.com/viktorstiskala/marie/pkg/presence"
	"github.com/viktorstiskala/marie/pkg/session"
	"github.com/viktorstiskala/marie/pkg/store"
	"github.com/viktorstiskala/marie/pkg/transport"
)

// timeNow is a test seam for timestamping relayed group messages.
var timeNow = time.Now

// Engine is the interaction orchestrator.
type Engine struct {
	conn       transport.Transport
	sessions   *session.Manager
	dispatcher *command.Dispatcher
	tracker    *presence.Tracker
	bus        *bus.Bus
	supervisor *bus.Supervisor
	store      store.Store

	cmdPrefix     string
	chatCmdPrefix string
}

// Config carries the engine's construction parameters.
type Config struct {
	// CommandPrefix marks direct messages as command candidates.
	CommandPrefix string
	// ChatCommandPrefix marks group-chat messages as command candidates.
	ChatCommandPrefix string
}

// New wires an engine. Inbound handlers are registered on conn immediately;
// call conn.Connect afterwards.
func New(
	cfg Config,
	conn transport.Transport,
	sessions *session.Manager,
	dispatcher *command.Dispatcher,
	tracker *presence.Tracker,
	b *bus.Bus,
	sup *bus.Supervisor,
	st store.Store,
) *Engine {
	e := &Engine{
		conn:          conn,
		sessions:      sessions,
		dispatcher:    dispatcher,
		tracker:       tracker,
		bus:           b,
		supervisor:    sup,
		store:         st,
		cmdPrefix:     cfg.CommandPrefix,
		chatCmdPrefix: cfg.ChatCommandPrefix,
	}

	conn.OnMessage(e.onMessage)
	conn.OnPresence(e.onPresence)
	return e
}

// SetDispatcher attaches the command dispatcher. The dispatcher freezes the
// registry on construction, so attachment happens after all commands are
// registered and before Start.
func (e *Engine) SetDispatcher(d *command.Dispatcher) {
	e.dispatcher = d
}

// Start connects the transport and rejoins monitored rooms.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.conn.Connect(ctx); err != nil {
		return err
	}
	e.rejoinRooms(ctx)
	return nil
}

// onMessage handles one inbound message. Each message is processed in its
// own supervised unit of work; the session manager serializes per recipient.
func (e *Engine) onMessage(msg transport.InboundMessage) {
	e.supervisor.Go("message:"+msg.From.Bare, func() {
		e.processMessage(context.Background(), msg)
	})
}

func (e *Engine) processMessage(ctx context.Context, msg transport.InboundMessage) {
	switch msg.Type {
	case transport.MessageGroupchat:
		e.bus.Publish(events.GroupchatMessageReceived, events.GroupchatEvent{
			Room:   msg.Room,
			Sender: msg.From.Full,
			Body:   msg.Body,
			SeenAt: timeNow(),
		})
		e.tryCommand(ctx, msg, e.chatCmdPrefix)

	case transport.MessageChat, transport.MessageNormal:
		outcome, err := e.sessions.HandleIncomingMessage(ctx, msg)
		if err != nil {
			logger.ErrorCF("engine", "Session handling failed", map[string]interface{}{
				"from": msg.From.Bare, "error": err.Error(),
			})
			return
		}
		if outcome.Kind != session.NoMatch {
			return
		}
		e.tryCommand(ctx, msg, e.cmdPrefix)
	}
}

// tryCommand recognizes and dispatches a command message. Messages without
// the prefix, unknown commands, and privilege failures all fall through
// silently as ordinary messages.
func (e *Engine) tryCommand(ctx context.Context, msg transport.InboundMessage, prefix string) {
	if !strings.HasPrefix(msg.Body, prefix) {
		return
	}
	body := strings.TrimPrefix(msg.Body, prefix)

	name, rest := splitCommand(body)
	if name == "" {
		return
	}

	reply := func(text string) {
		if err := e.conn.ReplyTo(ctx, msg, text); err != nil {
			logger.WarnCF("engine", "Command reply failed", map[string]interface{}{
				"to": msg.From.Bare, "error": err.Error(),
			})
		}
	}

	err := e.dispatcher.Dispatch(ctx, name, rest, msg, reply)
	switch {
	case err == nil:
	case errors.Is(err, command.ErrUnknownCommand):
		// Ordinary message, nothing to do.
	case errors.Is(err, command.ErrInsufficientPrivilege):
		// Silently ignored; the dispatcher already logged it.
	default:
		logger.ErrorCF("engine", "Dispatch failed", map[string]interface{}{
			"command": name, "error": err.Error(),
		})
	}
}

// splitCommand separates the command name from its arguments on the first
// whitespace run.
func splitCommand(body string) (name, rest string) {
	body = strings.TrimLeft(body, " \t")
	idx := strings.IndexAny(body, " \t")
	if idx < 0 {
		return body, ""
	}
	return body[:idx], strings.TrimLeft(body[idx:], " \t")
}

// onPresence records status changes and triggers offline expiry.
func (e *Engine) onPresence(p transport.PresenceUpdate) {
	e.tracker.RecordStatus(p.From, p.Status)
	if !p.Offline {
		return
	}
	e.supervisor.Go("offline:"+p.From.Bare, func() {
		if err := e.sessions.ExpireOnOffline(context.Background(), p.From.Bare); err != nil {
			logger.ErrorCF("engine", "Offline expiry failed", map[string]interface{}{
				"from": p.From.Bare, "error": err.Error(),
			})
		}
	})
}

// SendMessage sends a plain chat message, making sure the recipient is
// authorized first.
func (e *Engine) SendMessage(ctx context.Context, to, text string) error {
	if err := e.tracker.EnsureAuthorized(ctx, to); err != nil {
		logger.WarnCF("engine", "Authorization check failed", map[string]interface{}{
			"to": to, "error": err.Error(),
		})
	}
	return e.conn.SendChatMessage(ctx, to, text)
}

// Sessions exposes the session manager for the HTTP adapter.
func (e *Engine) Sessions() *session.Manager { return e.sessions }
