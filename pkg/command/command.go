// Package command implements the static command registry and the dispatcher
// that resolves inbound command messages against it.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/viktorstiskala/marie/pkg/transport"
)

// Dispatch failure modes.
var (
	// ErrUnknownCommand means no spec is registered under the name; the
	// caller treats the original text as an ordinary message.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInsufficientPrivilege means the caller's groups don't reach the
	// command's minimum privilege. Never revealed to the end user.
	ErrInsufficientPrivilege = errors.New("insufficient privilege")
	// ErrWrongArguments is returned by handlers on argument-count or
	// argument-type mismatch; the dispatcher answers with a short reply.
	ErrWrongArguments = errors.New("wrong arguments")
)

// Privilege is an ordered privilege level.
type Privilege int

const (
	PrivUser Privilege = iota
	PrivManager
	PrivAdmin
)

func (p Privilege) String() string {
	switch p {
	case PrivUser:
		return "user"
	case PrivManager:
		return "manager"
	case PrivAdmin:
		return "admin"
	}
	return "unknown"
}

// Mode selects how a handler invocation relates to the dispatch call.
type Mode int

const (
	// Blocking makes Dispatch wait for handler completion.
	Blocking Mode = iota
	// Detached runs the handler as an independent supervised unit of
	// work; Dispatch returns immediately and never awaits or cancels it.
	Detached
)

// ArgsParser turns the raw argument string into handler arguments.
type ArgsParser interface {
	ParseArgs(raw string) []string
}

// SepArgsParser splits arguments on a separator. An empty separator splits
// on whitespace runs.
type SepArgsParser struct {
	Sep string
}

func (p SepArgsParser) ParseArgs(raw string) []string {
	if p.Sep == "" {
		return strings.Fields(raw)
	}
	if raw == "" {
		return nil
	}
	return strings.Split(raw, p.Sep)
}

// RawArgsParser passes the raw string through unmodified as one argument.
type RawArgsParser struct{}

func (RawArgsParser) ParseArgs(raw string) []string {
	return []string{raw}
}

// Call is everything a handler gets about the invocation.
type Call struct {
	Caller transport.Identity
	Args   []string
	Raw    string
	Msg    transport.InboundMessage
}

// Handler executes one command. A non-empty return string is sent back to
// the message sender; empty sends nothing.
type Handler func(ctx context.Context, call Call) (string, error)

// Spec describes one registered command.
type Spec struct {
	Name         string
	MinPrivilege Privilege
	Mode         Mode
	Parser       ArgsParser
	Handler      Handler
}

// Registry is the name -> Spec mapping, built once at startup and immutable
// afterwards.
type Registry struct {
	mu     sync.Mutex
	specs  map[string]Spec
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a command spec. Duplicate names and registration after
// Freeze are configuration errors that must abort startup.
func (r *Registry) Register(spec Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("command registry is frozen, cannot register %q", spec.Name)
	}
	if spec.Name == "" {
		return fmt.Errorf("command name must not be empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("command %q has no handler", spec.Name)
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("duplicate command name %q", spec.Name)
	}
	if spec.Parser == nil {
		spec.Parser = SepArgsParser{}
	}
	r.specs[spec.Name] = spec
	return nil
}

// Freeze makes the registry immutable. Called once startup registration is
// complete.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup resolves a spec by name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns the registered command names (diagnostics).
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

// GroupLookup is the external group-membership collaborator used to resolve
// a caller's privilege.
type GroupLookup interface {
	PrivilegeOf(ctx context.Context, bare string) (Privilege, error)
}

// StaticGroups is a GroupLookup backed by configured identity lists.
type StaticGroups struct {
	Admins   map[string]bool
	Managers map[string]bool
}

// NewStaticGroups builds a StaticGroups from identity slices.
func NewStaticGroups(admins, managers []string) StaticGroups {
	g := StaticGroups{
		Admins:   make(map[string]bool, len(admins)),
		Managers: make(map[string]bool, len(managers)),
	}
	for _, a := range admins {
		g.Admins[a] = true
	}
	for _, m := range managers {
		g.Managers[m] = true
	}
	return g
}

func (g StaticGroups) PrivilegeOf(ctx context.Context, bare string) (Privilege, error) {
	switch {
	case g.Admins[bare]:
		return PrivAdmin, nil
	case g.Managers[bare]:
		return PrivManager, nil
	default:
		return PrivUser, nil
	}
}
