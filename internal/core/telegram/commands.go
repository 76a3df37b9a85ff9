package telegram

import (
	"context"
	"errors"
	"sort"

	"github.com/PocketPalCo/support-bot/internal/core/session"
)

var (
	ErrLoginRequired = errors.New("command requires an authenticated session")
	ErrAdminOnly     = errors.New("command requires admin privileges")
)

// Request carries everything a command needs about the update that invoked it.
type Request struct {
	ChatID    int64
	UserID    int64
	FirstName string
	Args      string
	IsAdmin   bool
	Session   *session.Record
}

// Command represents a bot command handler
type Command interface {
	// GetName returns the command name (without /)
	GetName() string

	// RequiresAuth returns true if the command needs an authenticated session
	RequiresAuth() bool

	// RequiresAdmin returns true if the command requires admin privileges
	RequiresAdmin() bool

	// Handle executes the command
	Handle(ctx context.Context, req *Request) error
}

// CommandFunc adapts a plain function to the Command interface.
type CommandFunc struct {
	Name     string
	Auth     bool
	Admin    bool
	HandleFn func(ctx context.Context, req *Request) error
}

func (c CommandFunc) GetName() string     { return c.Name }
func (c CommandFunc) RequiresAuth() bool  { return c.Auth }
func (c CommandFunc) RequiresAdmin() bool { return c.Admin }

func (c CommandFunc) Handle(ctx context.Context, req *Request) error {
	return c.HandleFn(ctx, req)
}

// CommandRegistry manages bot commands
type CommandRegistry struct {
	commands map[string]Command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]Command),
	}
}

func (r *CommandRegistry) Register(cmd Command) {
	r.commands[cmd.GetName()] = cmd
}

func (r *CommandRegistry) Get(name string) (Command, bool) {
	cmd, exists := r.commands[name]
	return cmd, exists
}

// Names lists registered command names in alphabetical order.
func (r *CommandRegistry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named command after its access checks. The boolean is
// false when no such command is registered.
func (r *CommandRegistry) Execute(ctx context.Context, name string, req *Request) (bool, error) {
	cmd, exists := r.Get(name)
	if !exists {
		return false, nil
	}

	if cmd.RequiresAdmin() && !req.IsAdmin {
		return true, ErrAdminOnly
	}
	if cmd.RequiresAuth() && (req.Session == nil || !req.Session.IsAuthenticated) {
		return true, ErrLoginRequired
	}

	return true, cmd.Handle(ctx, req)
}
