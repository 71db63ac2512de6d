package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/viktorstiskala/marie/pkg/bus"
	"github.com/viktorstiskala/marie/pkg/logger"
	"github.com/viktorstiskala/marie/pkg/transport"
)

// ReplyFunc delivers a reply to the original message sender.
type ReplyFunc func(text string)

// Dispatcher resolves command names against the registry, enforces
// privilege, parses arguments, and invokes handlers according to their
// concurrency mode.
type Dispatcher struct {
	registry   *Registry
	groups     GroupLookup
	supervisor *bus.Supervisor
}

// NewDispatcher freezes the registry and returns a dispatcher over it.
func NewDispatcher(registry *Registry, groups GroupLookup, sup *bus.Supervisor) *Dispatcher {
	registry.Freeze()
	return &Dispatcher{
		registry:   registry,
		groups:     groups,
		supervisor: sup,
	}
}

// Dispatch runs the named command. A privilege failure is silent from the
// end user's perspective: no reply, only a log line. Detached handlers run
// without Dispatch waiting; blocking handlers complete before return.
func (d *Dispatcher) Dispatch(ctx context.Context, name, rawArgs string, msg transport.InboundMessage, reply ReplyFunc) error {
	spec, ok := d.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	if spec.MinPrivilege > PrivUser {
		priv, err := d.groups.PrivilegeOf(ctx, msg.From.Bare)
		if err != nil {
			logger.ErrorCF("command", "Privilege lookup failed", map[string]interface{}{
				"command": name, "caller": msg.From.Bare, "error": err.Error(),
			})
			return fmt.Errorf("%w: %s", ErrInsufficientPrivilege, name)
		}
		if priv < spec.MinPrivilege {
			logger.WarnCF("command", "Privilege denied", map[string]interface{}{
				"command": name, "caller": msg.From.Bare,
				"required": spec.MinPrivilege.String(), "actual": priv.String(),
			})
			return fmt.Errorf("%w: %s", ErrInsufficientPrivilege, name)
		}
	}

	call := Call{
		Caller: msg.From,
		Args:   spec.Parser.ParseArgs(rawArgs),
		Raw:    rawArgs,
		Msg:    msg,
	}

	invoke := func() {
		output, err := spec.Handler(ctx, call)
		if err != nil {
			if errors.Is(err, ErrWrongArguments) {
				reply("Wrong arguments for command " + name)
				return
			}
			// Any other handler failure is the handler's own business;
			// not retried, not suppressed silently.
			logger.ErrorCF("command", "Handler failed", map[string]interface{}{
				"command": name, "caller": msg.From.Bare, "error": err.Error(),
			})
			return
		}
		if output != "" {
			reply(output)
		}
	}

	if spec.Mode == Detached {
		d.supervisor.Go("command:"+name, invoke)
		return nil
	}
	invoke()
	return nil
}
