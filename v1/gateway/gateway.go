// Package gateway is the front-end client resource: it connects to the chat
// gateway, registers commands and delivers each invocation to a Dispatcher,
// which decides where the handler runs.
package gateway

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrDuplicateCommand is returned when a command name is registered twice.
	ErrDuplicateCommand = errors.New("gateway: duplicate command")
	// ErrNotConnected is returned when the client has no live connection.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("gateway: already connected")
	// ErrAlreadyResponded is returned when an interaction is answered twice.
	ErrAlreadyResponded = errors.New("gateway: interaction already responded")
)

// Dispatcher schedules a task. The runtime implements it so that every
// command handler runs on its worker loop.
type Dispatcher interface {
	Dispatch(task func(ctx context.Context) error) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(task func(ctx context.Context) error) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(task func(ctx context.Context) error) error { return f(task) }

// Handler serves one command invocation.
type Handler func(ctx context.Context, in *Interaction) error

// Command is a named slash command.
type Command struct {
	Name        string
	Description string
	Handler     Handler
}

// Client is the front-end connection owned by the runtime.
type Client interface {
	// Connect authenticates with credential and starts delivering commands
	// to d. It returns once the gateway has acknowledged the session.
	Connect(ctx context.Context, credential string, d Dispatcher) error
	// Close ends the session. It is safe to call more than once.
	Close(ctx context.Context) error
	// Register adds a command. Commands registered after Connect are only
	// announced on the next connection.
	Register(cmd Command) error
	// Commands lists registered commands in registration order.
	Commands() []Command
}

// Syncer is implemented by clients that can announce the registered commands
// to specific guilds, making them available there without a reconnect.
type Syncer interface {
	Sync(ctx context.Context, guildIDs []uint64) error
}

// Response is an answer to an interaction.
type Response struct {
	InteractionID string
	Content       string
	Error         bool
}

// Responder delivers a response for an interaction.
type Responder func(ctx context.Context, r Response) error

// Interaction is one command invocation.
type Interaction struct {
	ID      string
	Command string
	UserID  uint64
	GuildID uint64
	Options map[string]string

	respond   Responder
	responded atomic.Bool
}

// NewInteraction builds an interaction answered through respond.
func NewInteraction(id, command string, userID, guildID uint64, options map[string]string, respond Responder) *Interaction {
	if options == nil {
		options = map[string]string{}
	}
	return &Interaction{
		ID:      id,
		Command: command,
		UserID:  userID,
		GuildID: guildID,
		Options: options,
		respond: respond,
	}
}

// Option returns the named option, or "" when absent.
func (i *Interaction) Option(name string) string {
	return i.Options[name]
}

// Respond answers the interaction. Only the first response is sent.
func (i *Interaction) Respond(ctx context.Context, content string) error {
	return i.send(ctx, content, false)
}

// RespondError answers the interaction with an error message.
func (i *Interaction) RespondError(ctx context.Context, content string) error {
	return i.send(ctx, content, true)
}

// Responded reports whether a response has been sent.
func (i *Interaction) Responded() bool {
	return i.responded.Load()
}

func (i *Interaction) send(ctx context.Context, content string, isErr bool) error {
	if !i.responded.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	return i.respond(ctx, Response{InteractionID: i.ID, Content: content, Error: isErr})
}
