package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
	"github.com/quic-go/quic-go"
)

const (
	logKeyRemote = "remote"
	logKeyType   = "type"
	logKeyError  = "error"
)

// Conn is one framed message channel. Sends are
// serialized per connection so two messages never
// interleave on the stream.
type Conn struct { // A
	qc     *quic.Conn
	stream *quic.Stream
	logger *slog.Logger

	sendMu    sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newConn( // A
	qc *quic.Conn,
	stream *quic.Stream,
	logger *slog.Logger,
) *Conn {
	return &Conn{
		qc:     qc,
		stream: stream,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Send writes one whole message.
func (c *Conn) Send(msg wire.Message) error { // A
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := wire.WriteMessage(c.stream, msg); err != nil {
		return fmt.Errorf("send to %s: %w", c.RemoteAddr(), err)
	}
	return nil
}

// RemoteAddr returns the peer's observed host:port.
func (c *Conn) RemoteAddr() string { // A
	return c.qc.RemoteAddr().String()
}

// RemoteHost returns the host portion of RemoteAddr,
// the network origin used for registration checks.
func (c *Conn) RemoteHost() string { // A
	host, _, err := net.SplitHostPort(c.RemoteAddr())
	if err != nil {
		return c.RemoteAddr()
	}
	return host
}

// Done is closed once the connection is closed by
// either side.
func (c *Conn) Done() <-chan struct{} { // A
	return c.done
}

// Close tears the connection down immediately.
func (c *Conn) Close() error { // A
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.stream.Close()
		err = c.qc.CloseWithError(0, "closed")
	})
	return err
}

// closeGracefully half-closes the stream and waits for
// the peer to finish reading before tearing down, so a
// message written just before closing is not dropped.
func (c *Conn) closeGracefully(timeout time.Duration) { // A
	_ = c.stream.Close()
	_ = c.stream.SetReadDeadline(time.Now().Add(timeout))
	_, _ = io.Copy(io.Discard, c.stream)
	_ = c.Close()
}

// readReply reads the next message directly from the
// stream. It must not be used on a connection that
// runs a receive goroutine.
func (c *Conn) readReply(ctx context.Context) (wire.Message, error) { // A
	if dl, ok := ctx.Deadline(); ok {
		_ = c.stream.SetReadDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		c.stream.CancelRead(0)
	})
	defer stop()

	msg, err := wire.ReadMessage(c.stream)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read reply from %s: %w", c.RemoteAddr(), err)
	}
	return msg, nil
}

// receive runs the per-connection receive loop until
// the stream ends, then closes the connection.
func (c *Conn) receive(ctx context.Context, h Handler) { // A
	defer func() { _ = c.Close() }()
	for {
		msg, err := wire.ReadMessage(c.stream)
		if errors.Is(err, wire.ErrMalformed) {
			c.logger.Warn("dropping malformed message",
				logKeyRemote, c.RemoteAddr(),
				logKeyError, err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Debug("receive loop ended",
					logKeyRemote, c.RemoteAddr(),
					logKeyError, err)
			}
			return
		}
		h(ctx, c, msg)
	}
}
