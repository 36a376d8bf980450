package storagenode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-chunkstore/internal/transport"
	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
)

// session is the node's network presence: its listener
// and the long-lived controller connection that carries
// registration, heartbeats and redirect requests.
type session struct { // A
	listener *transport.Listener
	conn     *transport.Conn
	host     string
	port     int32
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Start binds the listener, registers with the
// controller and starts heartbeating. A rejected
// registration is returned as an error.
func (n *Node) Start( // A
	ctx context.Context,
	tr *transport.Transport,
) error {
	if n.session != nil {
		return fmt.Errorf("node already started")
	}
	l, err := tr.Listen(n.cfg.ListenAddr, n.table.Serve)
	if err != nil {
		return err
	}
	_, portStr, err := net.SplitHostPort(l.Addr())
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("parse listen port: %w", err)
	}
	n.SetAddress(net.JoinHostPort(n.cfg.Host, portStr))

	conn, err := tr.Dial(ctx, n.cfg.ControllerAddr, n.table.Serve)
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("connect controller: %w", err)
	}
	s := &session{
		listener: l,
		conn:     conn,
		host:     n.cfg.Host,
		port:     int32(port),
	}

	if err := n.register(ctx, s, wire.KindRegister); err != nil {
		_ = conn.Close()
		_ = l.Close()
		return err
	}
	n.logger.Info("storage node registered",
		logKeyAddress, n.Address(),
		logKeyController, n.cfg.ControllerAddr)

	hbCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go n.heartbeatLoop(hbCtx, s)
	n.session = s
	return nil
}

// Close deregisters from the controller, stops the
// listener and releases the chunk store.
func (n *Node) Close(ctx context.Context) error { // A
	defer n.store.Close()
	s := n.session
	if s == nil {
		return nil
	}
	n.session = nil
	s.cancel()
	s.wg.Wait()

	var errs []error
	if err := n.register(ctx, s, wire.KindDeregister); err != nil {
		n.logger.Warn("deregistration failed", logKeyError, err)
		errs = append(errs, err)
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.listener.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// register sends a Register of the given kind and waits
// for the controller's response.
func (n *Node) register( // A
	ctx context.Context,
	s *session,
	kind wire.RegistrationKind,
) error {
	if err := n.regReply.Begin(); err != nil {
		return err
	}
	if err := s.conn.Send(&wire.Register{
		Kind: kind,
		Host: s.host,
		Port: s.port,
	}); err != nil {
		n.regReply.Cancel()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	resp, err := n.regReply.Wait(ctx)
	if err != nil {
		return fmt.Errorf("await registration response: %w", err)
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("controller rejected %s: %s", kind, resp.Message)
	}
	return nil
}

// heartbeatLoop reports capacity right away and then on
// every tick until ctx ends or the controller connection
// closes.
func (n *Node) heartbeatLoop(ctx context.Context, s *session) { // A
	defer s.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := n.sendHeartbeat(s.conn.Send); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				n.logger.Error("controller connection lost",
					logKeyController, n.cfg.ControllerAddr)
				return
			}
			n.logger.Warn("heartbeat failed", logKeyError, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Done():
			n.logger.Error("controller connection lost",
				logKeyController, n.cfg.ControllerAddr)
			return
		case <-ticker.C:
		}
	}
}
