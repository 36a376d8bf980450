// Package transport implements the QUIC-based framed
// message channel used between controller, storage
// nodes and clients.
//
// Every connection carries a single bidirectional
// stream opened by the dialing side. Whole wire
// messages are written and read on that stream; one
// receive goroutine per connection hands decoded
// messages to a Handler.
package transport

import (
	"context"
	"errors"

	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
)

// ErrClosed is returned when sending on, or waiting
// for a reply from, a connection that is closed.
var ErrClosed = errors.New("transport: connection closed")

// Handler is invoked by a connection's receive
// goroutine for every inbound message. Messages on one
// connection are handled in order.
type Handler func( // A
	ctx context.Context,
	conn *Conn,
	msg wire.Message,
)
