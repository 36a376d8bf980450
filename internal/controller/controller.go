// Package controller implements the controller
// service: storage node registration and heartbeats,
// chunk placement, read routing, file listing and
// replica repair after a node leaves.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-chunkstore/internal/dispatch"
	"github.com/i5heu/ouroboros-chunkstore/internal/fileindex"
	"github.com/i5heu/ouroboros-chunkstore/internal/registry"
	"github.com/i5heu/ouroboros-chunkstore/internal/transport"
	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
	"github.com/sirupsen/logrus"
)

const (
	logKeyAddress   = "address"
	logKeyAddresses = "addresses"
	logKeyFile      = "file"
	logKeySeq       = "seq"
	logKeyChain     = "chain"
	logKeyNodes     = "nodes"
	logKeyRemote    = "remote"
	logKeyError     = "error"

	logKeyChunks      = "chunks"
	logKeySource      = "source"
	logKeyDestination = "destination"
)

// Config configures a Controller.
type Config struct { // A
	// Width is the number of nodes per placement: the
	// replication factor, or data+parity shards under
	// erasure coding.
	Width int
	// Erasure disables redirect repair: shards are not
	// replicas and cannot be copied from a neighbour.
	Erasure bool

	Logger       *slog.Logger
	BadgerLogger *logrus.Logger
	// Resolver overrides hostname lookup for origin
	// checks.
	Resolver registry.Resolver
}

// Controller owns the placement registry and the file
// index.
type Controller struct { // A
	cfg      Config
	logger   *slog.Logger
	registry *registry.Registry
	index    *fileindex.Index
	table    *dispatch.Table
	listener *transport.Listener
}

// New builds a controller that is not yet listening.
func New(cfg Config) (*Controller, error) { // A
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.Width < 1 || cfg.Width > wire.MaxChainWidth {
		return nil, fmt.Errorf(
			"placement width must be in 1..%d, got %d", wire.MaxChainWidth, cfg.Width,
		)
	}
	reg, err := registry.New(registry.Config{
		Logger:   cfg.Logger,
		Resolver: cfg.Resolver,
	})
	if err != nil {
		return nil, err
	}
	index, err := fileindex.Open(fileindex.Config{
		Logger:       cfg.Logger,
		BadgerLogger: cfg.BadgerLogger,
	})
	if err != nil {
		return nil, err
	}
	table, err := dispatch.New(cfg.Logger)
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: reg,
		index:    index,
		table:    table,
	}
	if err := c.registerHandlers(); err != nil {
		_ = index.Close()
		return nil, err
	}
	return c, nil
}

// Start begins accepting connections on addr.
func (c *Controller) Start(tr *transport.Transport, addr string) error { // A
	l, err := tr.Listen(addr, c.table.Serve)
	if err != nil {
		return err
	}
	c.listener = l
	c.logger.Info("controller listening", logKeyAddress, l.Addr())
	return nil
}

// Addr returns the bound address once started.
func (c *Controller) Addr() string { // A
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr()
}

// Registry exposes the placement registry.
func (c *Controller) Registry() *registry.Registry { // A
	return c.registry
}

// Close stops the listener and drops the file index.
func (c *Controller) Close() error { // A
	nodes := c.registry.Nodes()
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = n.Address
	}
	c.logger.Info("controller stopping",
		logKeyNodes, len(nodes),
		logKeyAddresses, addrs)
	var errs []error
	if c.listener != nil {
		errs = append(errs, c.listener.Close())
	}
	errs = append(errs, c.index.Close())
	return errors.Join(errs...)
}

func (c *Controller) registerHandlers() error { // A
	handlers := map[wire.MessageType]dispatch.Handler{
		wire.TypeRegister:         c.handleRegister,
		wire.TypeHeartbeat:        c.handleHeartbeat,
		wire.TypeWriteFileRequest: c.handleWriteFile,
		wire.TypeReadFileRequest:  c.handleReadFile,
		wire.TypeListFileRequest:  c.handleListFiles,
	}
	for t, h := range handlers {
		if err := c.table.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

// handleRegister admits or removes a storage node. A
// rejection is answered with FAILURE and a reason; the
// connection stays open either way.
func (c *Controller) handleRegister( // A
	ctx context.Context,
	peer dispatch.Peer,
	msg wire.Message,
) error {
	req := msg.(*wire.Register)
	address := registry.JoinAddress(req.Host, req.Port)

	var (
		count int
		err   error
	)
	switch req.Kind {
	case wire.KindRegister:
		count, err = c.registry.Register(address, peer.RemoteHost(), peer)
	case wire.KindDeregister:
		count, err = c.registry.Deregister(address, peer.RemoteHost())
	default:
		err = fmt.Errorf("unknown registration kind %s", req.Kind)
	}

	resp := &wire.RegisterResponse{Status: wire.StatusSuccess}
	if err != nil {
		c.logger.Warn("registration rejected",
			logKeyAddress, address,
			logKeyRemote, peer.RemoteHost(),
			logKeyError, err)
		resp.Status = wire.StatusFailure
		resp.Message = err.Error()
	} else {
		resp.Message = fmt.Sprintf(
			"%s accepted for %s, %d storage node(s) registered",
			req.Kind, address, count,
		)
	}
	if sendErr := peer.Send(resp); sendErr != nil {
		return fmt.Errorf("send registration response: %w", sendErr)
	}

	if err == nil && req.Kind == wire.KindDeregister {
		c.Repair(ctx, address)
	}
	return nil
}

// handleHeartbeat updates capacity and records newly
// stored chunks as confirmed holders. Heartbeats from
// unregistered senders are ignored.
func (c *Controller) handleHeartbeat( // A
	_ context.Context,
	_ dispatch.Peer,
	msg wire.Message,
) error {
	hb := msg.(*wire.Heartbeat)
	if !c.registry.IngestHeartbeat(hb.Address, hb.ChunkCount, hb.FreeSpace) {
		c.logger.Debug("heartbeat from unregistered node ignored",
			logKeyAddress, hb.Address)
		return nil
	}
	var errs []error
	for file, seqs := range hb.NewChunks {
		for _, seq := range seqs {
			err := c.index.AddHolder(file, seq, hb.Address)
			switch {
			case errors.Is(err, fileindex.ErrNotFound):
				c.logger.Debug("heartbeat names unplaced chunk",
					logKeyAddress, hb.Address,
					logKeyFile, file,
					logKeySeq, seq)
			case err != nil:
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// handleWriteFile places one chunk. With no registered
// nodes, or for a request that cannot describe a file,
// the answer is Able=false and nothing is recorded.
func (c *Controller) handleWriteFile( // A
	_ context.Context,
	peer dispatch.Peer,
	msg wire.Message,
) error {
	req := msg.(*wire.WriteFileRequest)
	resp := &wire.WriteFileResponse{Sequence: req.Sequence}
	if err := fileindex.ValidatePlacement(
		req.FileLength, req.ChunkCount, req.Sequence,
	); err != nil {
		c.logger.Warn("placement request rejected",
			logKeyFile, req.Filename,
			logKeySeq, req.Sequence,
			logKeyError, err)
		return peer.Send(resp)
	}
	chain := c.registry.SelectChain(c.cfg.Width)
	if len(chain) > 0 {
		if err := c.index.PutPlacement(
			req.Filename, req.FileLength, req.ChunkCount, req.Sequence, chain,
		); err != nil {
			c.logger.Error("recording placement failed",
				logKeyFile, req.Filename,
				logKeySeq, req.Sequence,
				logKeyError, err)
		} else {
			resp.Able = true
			resp.Chain = chain
		}
	}
	c.logger.Debug("placement answered",
		logKeyFile, req.Filename,
		logKeySeq, req.Sequence,
		logKeyChain, resp.Chain)
	return peer.Send(resp)
}

// handleReadFile answers with the file's chunk map. An
// unknown file gets a response without chains.
func (c *Controller) handleReadFile( // A
	_ context.Context,
	peer dispatch.Peer,
	msg wire.Message,
) error {
	req := msg.(*wire.ReadFileRequest)
	resp := &wire.ReadFileResponse{Filename: req.Filename}
	fr, routes, err := c.index.Route(req.Filename)
	switch {
	case errors.Is(err, fileindex.ErrNotFound):
	case err != nil:
		c.logger.Error("route lookup failed",
			logKeyFile, req.Filename,
			logKeyError, err)
	default:
		resp.FileLength = fr.Length
		resp.Chains = routes
	}
	return peer.Send(resp)
}

func (c *Controller) handleListFiles( // A
	_ context.Context,
	peer dispatch.Peer,
	_ wire.Message,
) error {
	files, err := c.index.Files()
	if err != nil {
		return err
	}
	return peer.Send(&wire.ListFileResponse{Filenames: files})
}
