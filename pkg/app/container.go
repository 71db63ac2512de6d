// Package app is the composition root. It builds every runtime component
// from configuration with constructor injection; nothing here is a
// singleton, so tests can build as many containers as they like.
package app

import (
	"context"
	"fmt"

	"github.com/viktorstiskala/marie/pkg/api"
	"github.com/viktorstiskala/marie/pkg/bus"
	"github.com/viktorstiskala/marie/pkg/command"
	"github.com/viktorstiskala/marie/pkg/config"
	"github.com/viktorstiskala/marie/pkg/engine"
	"github.com/viktorstiskala/marie/pkg/presence"
	"github.com/viktorstiskala/marie/pkg/session"
	"github.com/viktorstiskala/marie/pkg/store"
	"github.com/viktorstiskala/marie/pkg/transport"
)

// Container holds the fully wired runtime.
type Container struct {
	Config     *config.Config
	Store      store.Store
	Bus        *bus.Bus
	Supervisor *bus.Supervisor
	Transport  transport.Transport
	Tracker    *presence.Tracker
	Sessions   *session.Manager
	Registry   *command.Registry
	Engine     *engine.Engine
	API        *api.Server
}

// NewContainer builds the runtime from configuration. The command registry
// is handed to the caller open; RegisterCommands extra specs may be added
// before Finalize freezes it into the dispatcher.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	st, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	conn, err := buildTransport(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	sup := bus.NewSupervisor()
	b := bus.New(sup)
	tracker := presence.NewTracker(conn)
	sessions := session.NewManager(st, conn, tracker, b)

	c := &Container{
		Config:     cfg,
		Store:      st,
		Bus:        b,
		Supervisor: sup,
		Transport:  conn,
		Tracker:    tracker,
		Sessions:   sessions,
		Registry:   command.NewRegistry(),
	}

	c.Engine = engine.New(
		engine.Config{
			CommandPrefix:     cfg.Transport.CommandPrefix,
			ChatCommandPrefix: cfg.Transport.ChatCommandPrefix,
		},
		conn, sessions, nil, tracker, b, sup, st,
	)
	if err := engine.RegisterBuiltins(c.Registry, c.Engine); err != nil {
		st.Close()
		return nil, err
	}

	c.API = api.NewServer(cfg.Gateway, c.Engine, b, sup)
	return c, nil
}

// Finalize freezes the registry into a dispatcher and attaches it to the
// engine. Call after all commands are registered, before Engine.Start.
func (c *Container) Finalize() {
	groups := command.NewStaticGroups(c.Config.Admins, c.Config.Managers)
	dispatcher := command.NewDispatcher(c.Registry, groups, c.Supervisor)
	c.Engine.SetDispatcher(dispatcher)
}

// Close tears the container down in reverse dependency order.
func (c *Container) Close() error {
	var firstErr error
	if err := c.API.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.Transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.Bus.Close()
	c.Supervisor.Wait()
	if err := c.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return store.NewRedis(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
	case "sqlite":
		return store.NewSQLite(ctx, cfg.Store.SQLite.Path)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "discord":
		return transport.NewDiscord(cfg.Transport.Discord.Token)
	case "loopback":
		return transport.NewLoopback(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}
