// Package client implements the upload and download
// pipeline: files are split into chunks, placed by the
// controller and written to the first node of each
// chain; downloads read every chunk with replica
// fallback and reassemble the file.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-chunkstore/internal/dispatch"
	"github.com/i5heu/ouroboros-chunkstore/internal/erasure"
	"github.com/i5heu/ouroboros-chunkstore/internal/rendezvous"
	"github.com/i5heu/ouroboros-chunkstore/internal/transport"
	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
)

const (
	logKeyFile    = "file"
	logKeySeq     = "seq"
	logKeyAddress = "address"
	logKeyReplica = "replica"
	logKeyChunks  = "chunks"
	logKeyPath    = "path"
	logKeyError   = "error"
)

var (
	// ErrNoPlacement abandons a file the controller
	// could not place.
	ErrNoPlacement = errors.New("client: controller could not place chunk")
	// ErrUnknownFile is returned when the controller has
	// no chunk map for a file.
	ErrUnknownFile = errors.New("client: file not known to controller")
	// ErrAllReplicasFailed aborts a download when no
	// replica of a chunk could be read.
	ErrAllReplicasFailed = errors.New("client: every replica failed")
	// ErrNotConnected is returned before Connect or
	// Attach.
	ErrNotConnected = errors.New("client: not connected to controller")
)

// NodeLink reaches storage nodes. *transport.Transport
// satisfies it.
type NodeLink interface { // A
	Send(ctx context.Context, addr string, msg wire.Message) error
	Exchange(ctx context.Context, addr string, msg wire.Message) (wire.Message, error)
}

// ControllerLink is the client's channel to the
// controller. Responses arrive asynchronously through
// the client's dispatch table.
type ControllerLink interface { // A
	Send(msg wire.Message) error
}

// Config configures a Client.
type Config struct { // A
	ChunkSize int
	// Erasure selects erasure coding instead of
	// replication when non-nil.
	Erasure     *erasure.Codec
	DownloadDir string
	Nodes       NodeLink
	Logger      *slog.Logger
	// Now stamps downloaded file names. Defaults to
	// time.Now.
	Now func() time.Time
}

// Client drives uploads and downloads. Controller
// requests are issued one at a time: each waits on a
// single-slot rendezvous filled by the receive path.
type Client struct { // A
	cfg    Config
	logger *slog.Logger
	nodes  NodeLink
	table  *dispatch.Table

	ctrlMu sync.Mutex
	ctrl   ControllerLink
	conn   *transport.Conn

	// reqMu queues callers so at most one controller
	// request is outstanding.
	reqMu     sync.Mutex
	placement *rendezvous.Slot[*wire.WriteFileResponse]
	route     *rendezvous.Slot[*wire.ReadFileResponse]
	listing   *rendezvous.Slot[*wire.ListFileResponse]
}

// New creates a client without a controller link.
func New(cfg Config) (*Client, error) { // A
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.Nodes == nil {
		return nil, fmt.Errorf("node link must not be nil")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0, got %d", cfg.ChunkSize)
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "."
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	table, err := dispatch.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		logger:    cfg.Logger,
		nodes:     cfg.Nodes,
		table:     table,
		placement: rendezvous.New[*wire.WriteFileResponse](),
		route:     rendezvous.New[*wire.ReadFileResponse](),
		listing:   rendezvous.New[*wire.ListFileResponse](),
	}
	if err := c.registerHandlers(); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the controller. A lost connection fails
// the outstanding request, if any.
func (c *Client) Connect( // A
	ctx context.Context,
	tr *transport.Transport,
	addr string,
) error {
	conn, err := tr.Dial(ctx, addr, c.table.Serve)
	if err != nil {
		return fmt.Errorf("connect controller: %w", err)
	}
	c.Attach(conn)
	c.ctrlMu.Lock()
	c.conn = conn
	c.ctrlMu.Unlock()

	go func() {
		<-conn.Done()
		c.placement.Fail(transport.ErrClosed)
		c.route.Fail(transport.ErrClosed)
		c.listing.Fail(transport.ErrClosed)
	}()
	return nil
}

// Attach sets the controller link. Responses must be
// fed to Table().Dispatch by the link's receive path.
func (c *Client) Attach(link ControllerLink) { // A
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	c.ctrl = link
}

// Table exposes the client's dispatch table.
func (c *Client) Table() *dispatch.Table { // A
	return c.table
}

// Close closes the controller connection opened by
// Connect.
func (c *Client) Close() error { // A
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.ctrl = nil
	return err
}

// List returns every file the controller knows.
func (c *Client) List(ctx context.Context) ([]string, error) { // A
	resp, err := request(ctx, c, c.listing, nil, &wire.ListFileRequest{})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return resp.Filenames, nil
}

func (c *Client) registerHandlers() error { // A
	handlers := map[wire.MessageType]dispatch.Handler{
		wire.TypeWriteFileResponse: func(
			_ context.Context, _ dispatch.Peer, msg wire.Message,
		) error {
			return c.deliver(c.placement.Deliver(msg.(*wire.WriteFileResponse)), msg)
		},
		wire.TypeReadFileResponse: func(
			_ context.Context, _ dispatch.Peer, msg wire.Message,
		) error {
			return c.deliver(c.route.Deliver(msg.(*wire.ReadFileResponse)), msg)
		},
		wire.TypeListFileResponse: func(
			_ context.Context, _ dispatch.Peer, msg wire.Message,
		) error {
			return c.deliver(c.listing.Deliver(msg.(*wire.ListFileResponse)), msg)
		},
	}
	for t, h := range handlers {
		if err := c.table.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) deliver(ok bool, msg wire.Message) error { // A
	if !ok {
		return fmt.Errorf("unsolicited %s", msg.Type())
	}
	return nil
}

// request sends msg to the controller and blocks until
// the receive path resolves slot with a reply accepted
// by match. A nil match accepts any reply.
func request[T any]( // A
	ctx context.Context,
	c *Client,
	slot *rendezvous.Slot[T],
	match func(T) bool,
	msg wire.Message,
) (T, error) {
	var zero T
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.ctrlMu.Lock()
	ctrl := c.ctrl
	c.ctrlMu.Unlock()
	if ctrl == nil {
		return zero, ErrNotConnected
	}

	if err := slot.BeginMatch(match); err != nil {
		return zero, err
	}
	if err := ctrl.Send(msg); err != nil {
		slot.Cancel()
		return zero, err
	}
	return slot.Wait(ctx)
}
