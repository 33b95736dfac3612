// Package protocol defines the contract shared by every platform chat client.
//
// A Client owns one network connection to one channel on one platform and pushes
// what happens on it through Handlers. The supervisor only depends on this
// package, so platform differences stay inside the twitch and kick packages.
package protocol

import (
	"context"

	"github.com/john/chatkeep/internal/message"
)

// State is the observable connection state of a client
type State int

const (
	StateIdle State = iota
	StateResolvingRoom
	StateConnecting
	StateAuthenticated
	StateListening
	StateConnectionPending
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingRoom:
		return "resolving_room"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateListening:
		return "listening"
	case StateConnectionPending:
		return "connection_pending"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Handlers receive a client's events. Any of them may be nil.
// Message handlers for one client are invoked sequentially in arrival order.
type Handlers struct {
	OnMessage      func(msg message.ChatMessage)
	OnConnected    func(channel string)
	OnDisconnected func()
	OnError        func(err error)
}

func (h Handlers) message(msg message.ChatMessage) {
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (h Handlers) connected(channel string) {
	if h.OnConnected != nil {
		h.OnConnected(channel)
	}
}

func (h Handlers) disconnected() {
	if h.OnDisconnected != nil {
		h.OnDisconnected()
	}
}

func (h Handlers) error(err error) {
	if h.OnError != nil && err != nil {
		h.OnError(err)
	}
}

// Client is one live connection to one channel on one platform
type Client interface {
	// Connect joins channel. It is a no-op when already connected to the same
	// channel and disconnects first when connected to a different one.
	Connect(ctx context.Context, channel string) error
	// Disconnect always leaves the client Disconnected, even if the transport errors.
	Disconnect() error
	IsConnected() bool
	CurrentChannel() string
	State() State
	Platform() message.Platform
}

// Validator is implemented by clients that can check a channel exists before connecting
type Validator interface {
	Validate(ctx context.Context, channel string) error
}

// Factory builds a client for one platform
type Factory func(platform message.Platform, h Handlers) (Client, error)
