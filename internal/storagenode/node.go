// Package storagenode implements the storage node
// pipeline: it persists inbound chunks, forwards them
// along their replication chain, serves validated reads
// and re-pushes stored chunks on redirect.
package storagenode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-chunkstore/internal/chunkstore"
	"github.com/i5heu/ouroboros-chunkstore/internal/dispatch"
	"github.com/i5heu/ouroboros-chunkstore/internal/integrity"
	"github.com/i5heu/ouroboros-chunkstore/internal/rendezvous"
	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
	"github.com/shirou/gopsutil/disk"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	registerTimeout          = 10 * time.Second
	defaultHost              = "127.0.0.1"

	logKeyFile        = "file"
	logKeySeq         = "seq"
	logKeyPosition    = "position"
	logKeyNext        = "next"
	logKeyDestination = "destination"
	logKeyAddress     = "address"
	logKeyController  = "controller"
	logKeyError       = "error"
	logKeyHeaderAdded = "headerAdded"
)

// Forwarder delivers one message to addr without
// waiting for a reply. *transport.Transport satisfies
// it.
type Forwarder interface { // A
	Send(ctx context.Context, addr string, msg wire.Message) error
}

// Config configures a Node.
type Config struct { // A
	// ListenAddr is the bind address, e.g. ":7001".
	ListenAddr string
	// Host is the advertised host; together with the
	// bound port it forms the node's address.
	Host string
	// ControllerAddr is the controller's host:port.
	ControllerAddr string
	StorageRoot    string

	ChunkSize int
	SliceSize int
	// ShardSize is the raw shard size under erasure
	// coding; zero under replication.
	ShardSize int

	HeartbeatInterval time.Duration

	Forwarder Forwarder
	Logger    *slog.Logger
	// FreeSpace reports free bytes at the storage root.
	// Defaults to a gopsutil disk usage query.
	FreeSpace func(path string) (int64, error)
}

// Node is one storage node.
type Node struct { // A
	cfg     Config
	logger  *slog.Logger
	store   *chunkstore.Store
	codecs  *integrity.Set
	fwd     Forwarder
	table   *dispatch.Table
	address atomic.Value

	regReply *rendezvous.Slot[*wire.RegisterResponse]
	session  *session
}

// New opens the chunk store and registers the node's
// message handlers. It does not touch the network; see
// Start.
func New(cfg Config) (*Node, error) { // A
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.Forwarder == nil {
		return nil, fmt.Errorf("forwarder must not be nil")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = diskFree
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}

	sizes := []int{cfg.ChunkSize}
	if cfg.ShardSize > 0 && cfg.ShardSize != cfg.ChunkSize {
		sizes = append(sizes, cfg.ShardSize)
	}
	codecs, err := integrity.NewSet(cfg.SliceSize, sizes...)
	if err != nil {
		return nil, fmt.Errorf("integrity codecs: %w", err)
	}

	store, err := chunkstore.Open(chunkstore.Config{
		Root:   cfg.StorageRoot,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	table, err := dispatch.New(cfg.Logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		logger: cfg.Logger,
		store:  store,
		codecs: codecs,
		fwd:    cfg.Forwarder,
		table:  table,

		regReply: rendezvous.New[*wire.RegisterResponse](),
	}
	if err := n.registerHandlers(); err != nil {
		store.Close()
		return nil, err
	}
	return n, nil
}

// Address returns the advertised host:port, empty until
// Start or SetAddress.
func (n *Node) Address() string { // A
	addr, _ := n.address.Load().(string)
	return addr
}

// SetAddress sets the advertised address used to fill
// redirect chains and heartbeats. Start sets it from
// the bound listener.
func (n *Node) SetAddress(addr string) { // A
	n.address.Store(addr)
}

// Store exposes the node's chunk store.
func (n *Node) Store() *chunkstore.Store { // A
	return n.store
}

// Table exposes the node's dispatch table.
func (n *Node) Table() *dispatch.Table { // A
	return n.table
}

func (n *Node) registerHandlers() error { // A
	handlers := map[wire.MessageType]dispatch.Handler{
		wire.TypeWriteChunkRequest: func(
			ctx context.Context, _ dispatch.Peer, msg wire.Message,
		) error {
			return n.HandleWrite(ctx, msg.(*wire.WriteChunkRequest))
		},
		wire.TypeReadChunkRequest: func(
			_ context.Context, p dispatch.Peer, msg wire.Message,
		) error {
			return p.Send(n.HandleRead(msg.(*wire.ReadChunkRequest)))
		},
		wire.TypeRedirectChunkRequest: func(
			ctx context.Context, _ dispatch.Peer, msg wire.Message,
		) error {
			return n.HandleRedirect(ctx, msg.(*wire.RedirectChunkRequest))
		},
		wire.TypeRegisterResponse: func(
			_ context.Context, _ dispatch.Peer, msg wire.Message,
		) error {
			if !n.regReply.Deliver(msg.(*wire.RegisterResponse)) {
				n.logger.Warn("unexpected registration response")
			}
			return nil
		},
	}
	for t, h := range handlers {
		if err := n.table.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

// HandleWrite persists one chunk and forwards it to the
// next hop of its chain. A raw payload gets its
// integrity header here, at the first hop; later hops
// receive and store the header unchanged. A persistence
// failure does not stop forwarding, and neither outcome
// is reported back to the sender.
func (n *Node) HandleWrite( // A
	ctx context.Context,
	req *wire.WriteChunkRequest,
) error {
	if len(req.Chain) > wire.MaxChainWidth {
		return fmt.Errorf("write %s#%d: chain of %d exceeds %d",
			req.Filename, req.Sequence, len(req.Chain), wire.MaxChainWidth)
	}
	if req.Position < 0 || req.Position >= wire.MaxChainWidth {
		return fmt.Errorf("write %s#%d: position %d outside 0..%d",
			req.Filename, req.Sequence, req.Position, wire.MaxChainWidth-1)
	}
	stored, added, err := n.codecs.Ensure(req.Payload)
	if err != nil {
		return fmt.Errorf("write %s#%d: %w", req.Filename, req.Sequence, err)
	}

	var errs []error
	if err := n.store.Put(
		req.Filename, req.Sequence, req.LastModified, stored,
	); err != nil {
		n.logger.Error("persist chunk failed",
			logKeyFile, req.Filename,
			logKeySeq, req.Sequence,
			logKeyError, err)
		errs = append(errs, err)
	} else {
		n.logger.Debug("chunk stored",
			logKeyFile, req.Filename,
			logKeySeq, req.Sequence,
			logKeyPosition, req.Position,
			logKeyHeaderAdded, added)
	}

	next := req.Advance()
	next.Payload = stored
	if hop, ok := next.NextHop(); ok {
		if err := n.fwd.Send(ctx, hop, &next); err != nil {
			n.logger.Warn("forward failed, chain left incomplete",
				logKeyFile, req.Filename,
				logKeySeq, req.Sequence,
				logKeyNext, hop,
				logKeyError, err)
			errs = append(errs, fmt.Errorf("forward to %s: %w", hop, err))
		}
	}
	return errors.Join(errs...)
}

// HandleRead loads, validates and returns one chunk.
// Any failure, including a digest mismatch, yields a
// FAILURE response without payload.
func (n *Node) HandleRead( // A
	req *wire.ReadChunkRequest,
) *wire.ReadChunkResponse {
	chunk, err := n.store.Get(req.Filename, req.Sequence)
	if err != nil {
		n.logger.Warn("read chunk failed",
			logKeyFile, req.Filename,
			logKeySeq, req.Sequence,
			logKeyError, err)
		return &wire.ReadChunkResponse{Status: wire.StatusFailure}
	}
	payload, err := n.codecs.StripAndValidate(chunk.Data)
	if err != nil {
		n.logger.Error("chunk failed integrity check",
			logKeyFile, req.Filename,
			logKeySeq, req.Sequence,
			logKeyError, err)
		return &wire.ReadChunkResponse{Status: wire.StatusFailure}
	}
	return &wire.ReadChunkResponse{
		Status:  wire.StatusSuccess,
		Payload: payload,
	}
}

// HandleRedirect pushes the stored envelope, header
// included, to the destination as a terminal write that
// keeps the requested replication position. The chain
// carried along has the destination at that position
// and this node before it.
func (n *Node) HandleRedirect( // A
	ctx context.Context,
	req *wire.RedirectChunkRequest,
) error {
	if req.Position < 0 || req.Position >= wire.MaxChainWidth {
		return fmt.Errorf("redirect %s#%d: position %d outside 0..%d",
			req.Filename, req.Sequence, req.Position, wire.MaxChainWidth-1)
	}
	chunk, err := n.store.Get(req.Filename, req.Sequence)
	if err != nil {
		return fmt.Errorf("redirect %s#%d: %w", req.Filename, req.Sequence, err)
	}

	self := n.Address()
	pos := int(req.Position)
	chain := make([]string, pos+1)
	for i := range chain[:pos] {
		chain[i] = self
	}
	chain[pos] = req.Destination

	if err := n.fwd.Send(ctx, req.Destination, &wire.WriteChunkRequest{
		Filename:     req.Filename,
		Sequence:     req.Sequence,
		Payload:      chunk.Data,
		LastModified: chunk.LastModified,
		Chain:        chain,
		Position:     req.Position,
	}); err != nil {
		return fmt.Errorf("redirect %s#%d to %s: %w",
			req.Filename, req.Sequence, req.Destination, err)
	}
	n.logger.Info("chunk redirected",
		logKeyFile, req.Filename,
		logKeySeq, req.Sequence,
		logKeyDestination, req.Destination,
		logKeyPosition, req.Position)
	return nil
}

// Heartbeat samples the node's current capacity and the
// chunks stored since the previous sample.
func (n *Node) Heartbeat() *wire.Heartbeat { // A
	free, err := n.cfg.FreeSpace(n.store.Root())
	if err != nil {
		n.logger.Warn("free space query failed", logKeyError, err)
	}
	return &wire.Heartbeat{
		Address:    n.Address(),
		ChunkCount: n.store.ChunkCount(),
		FreeSpace:  free,
		NewChunks:  n.store.DrainAdded(),
	}
}

// sendHeartbeat samples and sends one heartbeat. The
// drained chunk records are put back when the send
// fails, so the next heartbeat reports them.
func (n *Node) sendHeartbeat(send func(wire.Message) error) error { // A
	hb := n.Heartbeat()
	if err := send(hb); err != nil {
		n.store.Requeue(hb.NewChunks)
		return err
	}
	return nil
}

func diskFree(path string) (int64, error) { // A
	u, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return int64(u.Free), nil
}
