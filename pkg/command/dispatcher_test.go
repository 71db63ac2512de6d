package command

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/viktorstiskala/marie/pkg/bus"
	"github.com/viktorstiskala/marie/pkg/transport"
)

func msgFrom(bare string) transport.InboundMessage {
	return transport.InboundMessage{
		From: transport.Identity{Bare: bare, Full: bare + "/pc"},
		Type: transport.MessageChat,
	}
}

type replies struct {
	mu   sync.Mutex
	sent []string
}

func (r *replies) fn(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
}

func (r *replies) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	spec := Spec{Name: "test", Handler: func(context.Context, Call) (string, error) { return "", nil }}

	if err := reg.Register(spec); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(spec); err == nil {
		t.Fatal("duplicate name must be a configuration error")
	}
}

func TestRegistryFrozenAfterDispatcherBuilt(t *testing.T) {
	reg := NewRegistry()
	NewDispatcher(reg, NewStaticGroups(nil, nil), bus.NewSupervisor())

	err := reg.Register(Spec{Name: "late", Handler: func(context.Context, Call) (string, error) { return "", nil }})
	if err == nil {
		t.Fatal("registration after startup must fail")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := NewDispatcher(NewRegistry(), NewStaticGroups(nil, nil), bus.NewSupervisor())
	err := d.Dispatch(context.Background(), "missing", "", msgFrom("alice"), func(string) {})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestDispatchReturnValueIsReplied(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Spec{
		Name: "echo",
		Handler: func(ctx context.Context, call Call) (string, error) {
			return strings.Join(call.Args, "|"), nil
		},
	})
	d := NewDispatcher(reg, NewStaticGroups(nil, nil), bus.NewSupervisor())

	var r replies
	if err := d.Dispatch(context.Background(), "echo", "a  b c", msgFrom("alice"), r.fn); err != nil {
		t.Fatal(err)
	}
	got := r.all()
	if len(got) != 1 || got[0] != "a|b|c" {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestDispatchPrivilegeDeniedIsSilent(t *testing.T) {
	invoked := false
	reg := NewRegistry()
	reg.Register(Spec{
		Name:         "wipe",
		MinPrivilege: PrivAdmin,
		Handler: func(context.Context, Call) (string, error) {
			invoked = true
			return "done", nil
		},
	})
	d := NewDispatcher(reg, NewStaticGroups([]string{"root"}, nil), bus.NewSupervisor())

	var r replies
	err := d.Dispatch(context.Background(), "wipe", "", msgFrom("alice"), r.fn)
	if !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("expected ErrInsufficientPrivilege, got %v", err)
	}
	if invoked {
		t.Fatal("handler must not be invoked without privilege")
	}
	if got := r.all(); len(got) != 0 {
		t.Fatalf("privilege failures must produce no reply, got %v", got)
	}
}

func TestDispatchAdminAllowed(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Spec{
		Name:         "wipe",
		MinPrivilege: PrivAdmin,
		Handler: func(context.Context, Call) (string, error) {
			return "wiped", nil
		},
	})
	d := NewDispatcher(reg, NewStaticGroups([]string{"root"}, nil), bus.NewSupervisor())

	var r replies
	if err := d.Dispatch(context.Background(), "wipe", "", msgFrom("root"), r.fn); err != nil {
		t.Fatal(err)
	}
	if got := r.all(); len(got) != 1 || got[0] != "wiped" {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestDispatchWrongArgumentsReply(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Spec{
		Name: "add",
		Handler: func(ctx context.Context, call Call) (string, error) {
			if len(call.Args) != 2 {
				return "", ErrWrongArguments
			}
			return "ok", nil
		},
	})
	d := NewDispatcher(reg, NewStaticGroups(nil, nil), bus.NewSupervisor())

	var r replies
	if err := d.Dispatch(context.Background(), "add", "only-one", msgFrom("alice"), r.fn); err != nil {
		t.Fatal(err)
	}
	got := r.all()
	if len(got) != 1 || !strings.Contains(got[0], "Wrong arguments") {
		t.Fatalf("expected wrong-arguments reply, got %v", got)
	}
}

func TestDispatchDetachedDoesNotBlock(t *testing.T) {
	sup := bus.NewSupervisor()
	release := make(chan struct{})
	done := make(chan struct{})

	reg := NewRegistry()
	reg.Register(Spec{
		Name: "slow",
		Mode: Detached,
		Handler: func(context.Context, Call) (string, error) {
			<-release
			close(done)
			return "", nil
		},
	})
	d := NewDispatcher(reg, NewStaticGroups(nil, nil), sup)

	start := time.Now()
	if err := d.Dispatch(context.Background(), "slow", "", msgFrom("alice"), func(string) {}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("detached dispatch blocked for %v", elapsed)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detached handler never ran")
	}
	sup.Wait()
}

func TestRawArgsParserPassesThrough(t *testing.T) {
	got := RawArgsParser{}.ParseArgs("  keep   exactly this ")
	if len(got) != 1 || got[0] != "  keep   exactly this " {
		t.Fatalf("raw parser must not touch the string: %q", got)
	}
}

func TestSepArgsParserCustomSeparator(t *testing.T) {
	got := SepArgsParser{Sep: ","}.ParseArgs("a,b,c")
	if len(got) != 3 || got[1] != "b" {
		t.Fatalf("unexpected split: %v", got)
	}
}
