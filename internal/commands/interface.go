package commands

import (
	"context"
	"sort"

	"github.com/can-bridge/internal/scheduler"
)

// Executor runs scheduler commands. *scheduler.Scheduler implements it.
type Executor interface {
	ExecuteCommand(ctx context.Context, cmdType string, params map[string]string) scheduler.CommandResponse
}

// CommandHandler defines the interface for command handlers
type CommandHandler interface {
	// Handle processes a command and returns the response
	Handle(ctx context.Context, params map[string]string) (interface{}, error)

	// GetName returns the command name
	GetName() string

	// GetDescription returns a human-readable description
	GetDescription() string

	// IsReadOnly returns true if the command only reads data
	IsReadOnly() bool
}

// CommandRegistry manages available commands
type CommandRegistry struct {
	handlers map[string]CommandHandler
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		handlers: make(map[string]CommandHandler),
	}
}

// Register adds a command handler to the registry
func (r *CommandRegistry) Register(handler CommandHandler) {
	r.handlers[handler.GetName()] = handler
}

// Get returns a command handler by name
func (r *CommandRegistry) Get(name string) (CommandHandler, bool) {
	handler, exists := r.handlers[name]
	return handler, exists
}

// List returns all registered command names, sorted
func (r *CommandRegistry) List() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandError represents a command-specific error
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *CommandError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Common error codes
const (
	ErrBusy          = scheduler.ErrBusy
	ErrUnavailable   = scheduler.ErrUnavailable
	ErrInternal      = scheduler.ErrInternal
	ErrInvalidParams = scheduler.ErrInvalidParams
	ErrNotFound      = scheduler.ErrNotFound
)
