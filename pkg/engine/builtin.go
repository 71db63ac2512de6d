package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/viktorstiskala/marie/pkg/command"
)

// RegisterBuiltins registers the runtime's built-in commands. Must be called
// before the dispatcher freezes the registry.
func RegisterBuiltins(reg *command.Registry, e *Engine) error {
	specs := []command.Spec{
		{
			Name: "test",
			Handler: func(ctx context.Context, call command.Call) (string, error) {
				return "Successfully run test command", nil
			},
		},
		{
			Name:   "echo",
			Parser: command.RawArgsParser{},
			Handler: func(ctx context.Context, call command.Call) (string, error) {
				if strings.TrimSpace(call.Raw) == "" {
					return "", command.ErrWrongArguments
				}
				return call.Raw, nil
			},
		},
		{
			Name: "status",
			Handler: func(ctx context.Context, call command.Call) (string, error) {
				return fmt.Sprintf("Your tracked status is %q", e.tracker.GetStatus(call.Caller.Bare)), nil
			},
		},
		{
			Name:         "flush",
			MinPrivilege: command.PrivAdmin,
			Handler: func(ctx context.Context, call command.Call) (string, error) {
				return e.sessions.FlushAll(ctx)
			},
		},
		{
			Name:         "join",
			MinPrivilege: command.PrivManager,
			Handler: func(ctx context.Context, call command.Call) (string, error) {
				if len(call.Args) < 2 || len(call.Args) > 3 {
					return "", command.ErrWrongArguments
				}
				cfg := RoomConfig{Nickname: call.Args[1]}
				if len(call.Args) == 3 {
					cfg.Password = call.Args[2]
				}
				if err := e.AddRoom(ctx, call.Args[0], cfg); err != nil {
					return "", err
				}
				return fmt.Sprintf("Joined room %s", call.Args[0]), nil
			},
		},
		{
			Name:         "leave",
			MinPrivilege: command.PrivManager,
			Handler: func(ctx context.Context, call command.Call) (string, error) {
				if len(call.Args) != 1 {
					return "", command.ErrWrongArguments
				}
				if err := e.RemoveRoom(ctx, call.Args[0]); err != nil {
					return "", err
				}
				return fmt.Sprintf("Left room %s", call.Args[0]), nil
			},
		},
		{
			Name:         "rooms",
			MinPrivilege: command.PrivManager,
			Handler: func(ctx context.Context, call command.Call) (string, error) {
				rooms, err := e.Rooms(ctx)
				if err != nil {
					return "", err
				}
				if len(rooms) == 0 {
					return "No rooms are monitored", nil
				}
				names := make([]string, 0, len(rooms))
				for room := range rooms {
					names = append(names, room)
				}
				sort.Strings(names)
				return "Monitored rooms: " + strings.Join(names, ", "), nil
			},
		},
	}

	for _, spec := range specs {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
