package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
	"github.com/quic-go/quic-go"
)

const (
	alpnProtocol            = "ouroboros-chunkstore/1"
	defaultHandshakeTimeout = 5 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	keepAlivePeriod         = 15 * time.Second
	closeTimeout            = 5 * time.Second
	certValidityDays        = 365
)

// Config configures a Transport.
type Config struct { // A
	// LOGGER: transport logs connection lifecycle at
	// debug level only; callers log their own failures.
	Logger           *slog.Logger
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

// Transport dials and accepts QUIC connections. The
// channel is not authenticated: every instance uses a
// throwaway self-signed certificate and skips peer
// verification.
type Transport struct { // A
	logger   *slog.Logger
	tlsCert  tls.Certificate
	quicConf *quic.Config
}

// New creates a Transport with a fresh certificate.
func New(cfg Config) (*Transport, error) { // A
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	return &Transport{
		logger:  cfg.Logger,
		tlsCert: cert,
		quicConf: &quic.Config{
			HandshakeIdleTimeout: cfg.HandshakeTimeout,
			MaxIdleTimeout:       cfg.IdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
		},
	}, nil
}

// Dial connects to addr and opens the connection's
// stream. If h is non-nil a receive goroutine hands
// every inbound message to it until the connection
// closes.
func (t *Transport) Dial( // A
	ctx context.Context,
	addr string,
	h Handler,
) (*Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, t.clientTLSConfig(), t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}
	c := newConn(qc, stream, t.logger)
	if h != nil {
		go c.receive(qc.Context(), h)
	}
	return c, nil
}

// Send opens a connection to addr, writes msg and
// closes the connection once the peer has read it. It
// does not wait for any reply.
func (t *Transport) Send( // A
	ctx context.Context,
	addr string,
	msg wire.Message,
) error {
	c, err := t.Dial(ctx, addr, nil)
	if err != nil {
		return err
	}
	defer c.closeGracefully(closeTimeout)
	return c.Send(msg)
}

// Exchange opens a connection to addr, writes msg,
// waits for exactly one reply and closes. There is no
// timeout beyond ctx: a failed peer is noticed only
// through connection errors.
func (t *Transport) Exchange( // A
	ctx context.Context,
	addr string,
	msg wire.Message,
) (wire.Message, error) {
	c, err := t.Dial(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	defer c.closeGracefully(closeTimeout)
	if err := c.Send(msg); err != nil {
		return nil, err
	}
	return c.readReply(ctx)
}

// Listener accepts connections and runs one receive
// goroutine per connection.
type Listener struct { // A
	ql      *quic.Listener
	handler Handler
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// Listen binds addr and starts accepting. Use port 0
// to pick a free port and read it back from Addr.
func (t *Transport) Listen(addr string, h Handler) (*Listener, error) { // A
	if h == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	ql, err := quic.ListenAddr(addr, t.serverTLSConfig(), t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		ql:      ql,
		handler: h,
		logger:  t.logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*Conn]struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string { // A
	return l.ql.Addr().String()
}

// Close stops accepting, closes every accepted
// connection and waits for their receive goroutines.
func (l *Listener) Close() error { // A
	l.cancel()
	err := l.ql.Close()

	l.mu.Lock()
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop() { // A
	defer l.wg.Done()
	for {
		qc, err := l.ql.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				l.logger.Warn("accept failed", logKeyError, err)
			}
			return
		}
		l.wg.Add(1)
		go l.serve(qc)
	}
}

func (l *Listener) serve(qc *quic.Conn) { // A
	defer l.wg.Done()
	stream, err := qc.AcceptStream(l.ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no stream")
		return
	}
	c := newConn(qc, stream, l.logger)

	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.conns, c)
		l.mu.Unlock()
	}()

	l.logger.Debug("connection accepted", logKeyRemote, c.RemoteAddr())
	c.receive(l.ctx, l.handler)
}

func (t *Transport) serverTLSConfig() *tls.Config { // A
	return &tls.Config{
		Certificates: []tls.Certificate{t.tlsCert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
}

func (t *Transport) clientTLSConfig() *tls.Config { // A
	return &tls.Config{
		// #nosec G402 -- the channel is deliberately
		// unauthenticated; QUIC only needs a TLS session.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// generateSelfSignedCert creates the throwaway
// certificate every QUIC listener needs.
func generateSelfSignedCert() ( // A
	tls.Certificate,
	error,
) {
	key, err := ecdsa.GenerateKey(
		elliptic.P256(),
		rand.Reader,
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"generate key: %w", err,
		)
	}

	serialNumber, err := rand.Int(
		rand.Reader,
		new(big.Int).Lsh(big.NewInt(1), 128),
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"generate serial: %w", err,
		)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"ouroboros-chunkstore"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter: time.Now().Add(
			certValidityDays * 24 * time.Hour,
		),
		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
	}

	certDER, err := x509.CreateCertificate(
		rand.Reader,
		tmpl,
		tmpl,
		&key.PublicKey,
		key,
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"create cert: %w", err,
		)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
