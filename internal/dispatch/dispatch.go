// Package dispatch routes decoded wire messages to the
// handler registered for their type. It is the single
// exhaustive match point between the receive path and
// service logic on both controller and storage node.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i5heu/ouroboros-chunkstore/internal/transport"
	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
)

const (
	logKeyType   = "type"
	logKeyRemote = "remote"
	logKeyError  = "error"
)

var (
	// ErrNoHandler is returned by Dispatch for a message
	// type nobody registered.
	ErrNoHandler = errors.New("dispatch: no handler registered")
	// ErrHandlerPanic wraps a panic raised by a handler.
	ErrHandlerPanic = errors.New("dispatch: handler panicked")
)

// Peer is the side of a connection a handler may reply
// on. *transport.Conn satisfies it.
type Peer interface { // A
	Send(msg wire.Message) error
	RemoteHost() string
}

// Handler processes one message received from peer.
type Handler func( // A
	ctx context.Context,
	peer Peer,
	msg wire.Message,
) error

// Table maps message types to handlers.
type Table struct { // A
	mu       sync.RWMutex
	handlers map[wire.MessageType]Handler
	// LOGGER: only handler failures are logged here;
	// handlers log their own successes.
	logger *slog.Logger
}

// New creates an empty Table.
func New(logger *slog.Logger) (*Table, error) { // A
	if logger == nil {
		return nil, fmt.Errorf(
			"logger must not be nil",
		)
	}
	return &Table{
		handlers: make(map[wire.MessageType]Handler),
		logger:   logger,
	}, nil
}

// Register associates msgType with h. Registering the
// same type twice is an error.
func (t *Table) Register( // A
	msgType wire.MessageType,
	h Handler,
) error {
	if h == nil {
		return fmt.Errorf(
			"handler must not be nil",
		)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.handlers[msgType]; exists {
		return fmt.Errorf(
			"handler already registered for "+
				"message type %s",
			msgType,
		)
	}
	t.handlers[msgType] = h
	return nil
}

// Lookup returns the handler for msgType.
func (t *Table) Lookup( // A
	msgType wire.MessageType,
) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.handlers[msgType]
	return h, ok
}

// Dispatch runs the handler registered for msg's type.
// A handler panic is returned as ErrHandlerPanic so one
// bad message cannot take down the receive loop.
func (t *Table) Dispatch( // A
	ctx context.Context,
	peer Peer,
	msg wire.Message,
) (err error) {
	h, ok := t.Lookup(msg.Type())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Type())
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, msg.Type(), r)
		}
	}()
	return h(ctx, peer, msg)
}

// Serve is a transport.Handler that dispatches and logs
// failures. A failing handler never closes the
// connection.
func (t *Table) Serve( // A
	ctx context.Context,
	conn *transport.Conn,
	msg wire.Message,
) {
	if err := t.Dispatch(ctx, conn, msg); err != nil {
		t.logger.Warn("message handling failed",
			logKeyType, msg.Type().String(),
			logKeyRemote, conn.RemoteAddr(),
			logKeyError, err)
	}
}
