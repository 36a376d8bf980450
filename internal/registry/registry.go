// Package registry is the controller's placement
// registry: the set of registered storage nodes, their
// last reported capacity and the link the controller
// uses to reach each of them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
	"golang.org/x/exp/slices"
)

const (
	logKeyAddress = "address"
	logKeyNodes   = "nodes"
)

var (
	// ErrDuplicate rejects registering an address that
	// is already registered.
	ErrDuplicate = errors.New("registry: address already registered")
	// ErrNotRegistered rejects deregistering an unknown
	// address.
	ErrNotRegistered = errors.New("registry: address not registered")
	// ErrAddressMismatch rejects a claimed address whose
	// host is not the connection's network origin.
	ErrAddressMismatch = errors.New("registry: address does not match connection origin")
	// ErrBadAddress rejects a malformed host:port.
	ErrBadAddress = errors.New("registry: malformed address")
)

// Link is the controller's channel to a registered node.
type Link interface { // A
	Send(msg wire.Message) error
}

// Resolver maps a hostname to its addresses.
type Resolver func(host string) ([]string, error)

// NodeRecord is one registered storage node.
type NodeRecord struct { // A
	Address    string
	FreeSpace  int64
	ChunkCount int32
	LastSeen   time.Time
	Registered time.Time
}

type entry struct {
	rec  NodeRecord
	link Link
}

// Config configures a Registry.
type Config struct { // A
	Logger *slog.Logger
	// Resolver defaults to net.LookupHost.
	Resolver Resolver
	// Now defaults to time.Now.
	Now func() time.Time
}

// Registry maps address to NodeRecord. All mutations
// take the write lock, so a ranking query always sees a
// consistent snapshot.
type Registry struct { // A
	mu      sync.RWMutex
	nodes   map[string]*entry
	resolve Resolver
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty registry.
func New(cfg Config) (*Registry, error) { // A
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.LookupHost
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		nodes:   make(map[string]*entry),
		resolve: cfg.Resolver,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}, nil
}

// JoinAddress builds the registry key for host and port.
func JoinAddress(host string, port int32) string { // A
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// Register adds address, reached through link. It
// returns the resulting node count.
func (r *Registry) Register( // A
	address string,
	observedHost string,
	link Link,
) (int, error) {
	host, err := splitAddress(address)
	if err != nil {
		return r.Len(), err
	}
	if !r.VerifyOrigin(host, observedHost) {
		return r.Len(), fmt.Errorf(
			"%w: claimed %s, observed %s",
			ErrAddressMismatch, host, observedHost,
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[address]; exists {
		return len(r.nodes), fmt.Errorf("%w: %s", ErrDuplicate, address)
	}
	now := r.now()
	r.nodes[address] = &entry{
		rec: NodeRecord{
			Address:    address,
			LastSeen:   now,
			Registered: now,
		},
		link: link,
	}
	r.logger.Info("storage node registered",
		logKeyAddress, address,
		logKeyNodes, len(r.nodes))
	return len(r.nodes), nil
}

// Deregister removes address after the same origin
// check as Register. It returns the resulting node
// count.
func (r *Registry) Deregister( // A
	address string,
	observedHost string,
) (int, error) {
	host, err := splitAddress(address)
	if err != nil {
		return r.Len(), err
	}
	if !r.VerifyOrigin(host, observedHost) {
		return r.Len(), fmt.Errorf(
			"%w: claimed %s, observed %s",
			ErrAddressMismatch, host, observedHost,
		)
	}
	n, ok := r.Remove(address)
	if !ok {
		return n, fmt.Errorf("%w: %s", ErrNotRegistered, address)
	}
	return n, nil
}

// Remove drops address without an origin check, for
// nodes found failed by the controller itself.
func (r *Registry) Remove(address string) (int, bool) { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[address]; !exists {
		return len(r.nodes), false
	}
	delete(r.nodes, address)
	r.logger.Info("storage node removed",
		logKeyAddress, address,
		logKeyNodes, len(r.nodes))
	return len(r.nodes), true
}

// IngestHeartbeat updates the capacity of address. An
// unknown sender is ignored and reported as false.
func (r *Registry) IngestHeartbeat( // A
	address string,
	chunkCount int32,
	freeSpace int64,
) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[address]
	if !ok {
		return false
	}
	e.rec.ChunkCount = chunkCount
	e.rec.FreeSpace = freeSpace
	e.rec.LastSeen = r.now()
	return true
}

// SelectChain returns up to width registered addresses
// ordered by descending free space, ties broken by
// ascending address. Addresses in exclude are skipped.
// An empty result means nothing can be placed.
func (r *Registry) SelectChain( // A
	width int,
	exclude ...string,
) []string {
	if width <= 0 {
		return nil
	}
	ranked := r.ranked(exclude)
	if len(ranked) > width {
		ranked = ranked[:width]
	}
	out := make([]string, len(ranked))
	for i, rec := range ranked {
		out[i] = rec.Address
	}
	return out
}

// Link returns the channel to address.
func (r *Registry) Link(address string) (Link, bool) { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[address]
	if !ok || e.link == nil {
		return nil, false
	}
	return e.link, true
}

// Nodes returns every record in ranking order.
func (r *Registry) Nodes() []NodeRecord { // A
	return r.ranked(nil)
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// VerifyOrigin reports whether claimedHost may be
// registered from a connection whose origin is
// observedHost. Loopback is exempt on either side.
func (r *Registry) VerifyOrigin( // A
	claimedHost string,
	observedHost string,
) bool {
	if isLoopback(claimedHost) || isLoopback(observedHost) {
		return true
	}
	if sameHost(claimedHost, observedHost) {
		return true
	}
	if net.ParseIP(claimedHost) != nil {
		return false
	}
	addrs, err := r.resolve(claimedHost)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if sameHost(a, observedHost) {
			return true
		}
	}
	return false
}

func (r *Registry) ranked(exclude []string) []NodeRecord { // A
	r.mu.RLock()
	out := make([]NodeRecord, 0, len(r.nodes))
	for addr, e := range r.nodes {
		if slices.Contains(exclude, addr) {
			continue
		}
		out = append(out, e.rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b NodeRecord) int {
		switch {
		case a.FreeSpace > b.FreeSpace:
			return -1
		case a.FreeSpace < b.FreeSpace:
			return 1
		}
		return strings.Compare(a.Address, b.Address)
	})
	return out
}

func splitAddress(address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBadAddress, address, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 || host == "" {
		return "", fmt.Errorf("%w: %s", ErrBadAddress, address)
	}
	return host, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sameHost(a, b string) bool {
	if a == b {
		return true
	}
	ipa, ipb := net.ParseIP(a), net.ParseIP(b)
	return ipa != nil && ipb != nil && ipa.Equal(ipb)
}
