// Package node supervises the peers of one process: it accepts streams on
// its listeners, keeps upstream peers dialed and routes relayed services
// from accepted peers to the upstream that serves them.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/peerwire/internal/logging"
	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/transport"
)

var (
	ErrRunning      = errors.New("node: already running")
	ErrPeerNotFound = errors.New("node: peer not found")
)

type Role string

const (
	RoleAccepted Role = "accepted"
	RoleUpstream Role = "upstream"
)

// PeerInfo describes one live peer of the node.
type PeerInfo struct {
	Role     Role      `json:"role"`
	Upstream string    `json:"upstream,omitempty"`
	Remote   string    `json:"remote,omitempty"`
	Since    time.Time `json:"since"`
	peer.Snapshot
}

type member struct {
	p        *peer.Peer
	role     Role
	upstream string
	remote   string
	since    time.Time
}

type Node struct {
	cfg      Config
	services []peer.ServiceMap

	mu        sync.Mutex
	running   bool
	closing   bool
	peers     map[uint64]*member
	upstreams map[string]*peer.Peer
	listeners []transport.Listener

	rngMu sync.Mutex
	rng   *rand.Rand

	started chan struct{}
	ready   atomic.Bool
	wg      sync.WaitGroup
}

// New builds a node. Every service map is registered on every peer; a node
// without any is a pure relay.
func New(cfg Config, services ...peer.ServiceMap) (*Node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maps := make([]peer.ServiceMap, 0, len(services))
	for _, sm := range services {
		if sm != nil {
			maps = append(maps, sm)
		}
	}
	return &Node{
		cfg:       cfg,
		services:  maps,
		peers:     make(map[uint64]*member),
		upstreams: make(map[string]*peer.Peer),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		started:   make(chan struct{}),
	}, nil
}

func (n *Node) Name() string { return n.cfg.Name }

// Started is closed once every listener is bound.
func (n *Node) Started() <-chan struct{} { return n.started }

func (n *Node) Ready() bool { return n.ready.Load() }

func (n *Node) Addrs() []net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]net.Addr, 0, len(n.listeners))
	for _, ln := range n.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Run serves until ctx ends, then closes every listener and peer.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrRunning
	}
	n.running = true
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, lc := range n.cfg.Listen {
		ln, err := transport.Listen(ctx, lc)
		if err != nil {
			n.shutdown()
			return fmt.Errorf("node: listen %s %s: %w", lc.Kind, lc.Addr, err)
		}
		n.mu.Lock()
		n.listeners = append(n.listeners, ln)
		n.mu.Unlock()
		n.wg.Add(1)
		go n.acceptLoop(ctx, ln)
	}
	for _, up := range n.cfg.Upstreams {
		n.wg.Add(1)
		go n.supervise(ctx, up)
	}

	n.ready.Store(true)
	close(n.started)
	logs.Infof("node.Node.Run name=%s listeners=%d upstreams=%d", n.cfg.Name, len(n.cfg.Listen), len(n.cfg.Upstreams))

	<-ctx.Done()
	n.shutdown()
	logs.Infof("node.Node.Run name=%s stopped", n.cfg.Name)
	return nil
}

func (n *Node) shutdown() {
	n.ready.Store(false)
	n.mu.Lock()
	n.closing = true
	lns := n.listeners
	n.listeners = nil
	open := make([]*peer.Peer, 0, len(n.peers))
	for _, m := range n.peers {
		open = append(open, m.p)
	}
	n.mu.Unlock()

	for _, ln := range lns {
		_ = ln.Close()
	}
	for _, p := range open {
		_ = p.Close()
	}
	n.wg.Wait()
}

func (n *Node) acceptLoop(ctx context.Context, ln transport.Listener) {
	defer n.wg.Done()
	for {
		s, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrListenerClosed) {
				logs.Warnf("node.Node.acceptLoop addr=%s err=%v", ln.Addr(), err)
			}
			return
		}
		n.adopt(s)
	}
}

func (n *Node) peerConfig(label string) peer.Config {
	cfg := n.cfg.Peer
	cfg.Name = n.cfg.Name + label
	return cfg
}

func (n *Node) registerServices(p *peer.Peer) error {
	for _, sm := range n.services {
		if err := p.RegisterServices(sm); err != nil {
			return err
		}
	}
	return nil
}

// adopt wraps an accepted stream in a peer and routes the configured relay
// services to whichever upstreams are connected.
func (n *Node) adopt(s transport.Stream) {
	remote := addrString(s.RemoteAddr())
	p := peer.New(s, n.peerConfig("<"+remote))
	if err := n.registerServices(p); err != nil {
		logs.Warnf("node.Node.adopt remote=%s register services: %v", remote, err)
		_ = p.Close()
		return
	}

	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		_ = p.Close()
		return
	}
	for _, up := range n.cfg.Upstreams {
		relay := n.upstreams[up.Name]
		if relay == nil || len(up.Relay) == 0 {
			continue
		}
		if err := p.RegisterRelay(relay, up.Relay); err != nil {
			logs.Warnf("node.Node.adopt remote=%s relay upstream=%s: %v", remote, up.Name, err)
		}
	}
	n.track(p, RoleAccepted, "", remote)
	n.mu.Unlock()
	logs.Infof("node.Node.adopt peer=%s", p)
}

// supervise keeps one upstream connected until ctx ends.
func (n *Node) supervise(ctx context.Context, up Upstream) {
	defer n.wg.Done()
	failures := 0
	for {
		s, err := transport.Dial(ctx, up.Dial)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if up.MaxAttempts > 0 && failures >= up.MaxAttempts {
				logs.Errf("node.Node.supervise upstream=%s giving up after %d attempts: %v", up.Name, failures, err)
				return
			}
			delay := n.backoff(failures)
			logs.Warnf("node.Node.supervise upstream=%s attempt=%d retry_in=%s err=%v", up.Name, failures, delay, err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		failures = 0

		p := n.attach(up, s)
		if p == nil {
			return
		}
		select {
		case <-p.Done():
			logs.Warnf("node.Node.supervise upstream=%s peer=%d lost, redialing", up.Name, p.ID())
		case <-ctx.Done():
			return
		}
		n.detach(up.Name, p)
		if !sleepCtx(ctx, n.backoff(1)) {
			return
		}
	}
}

// attach installs p as the live peer for up and points every accepted peer's
// relay routes at it, replacing routes to a previous connection.
func (n *Node) attach(up Upstream, s transport.Stream) *peer.Peer {
	remote := addrString(s.RemoteAddr())
	p := peer.New(s, n.peerConfig(">"+up.Name))
	if err := n.registerServices(p); err != nil {
		logs.Warnf("node.Node.attach upstream=%s register services: %v", up.Name, err)
	}

	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		_ = p.Close()
		return nil
	}
	n.upstreams[up.Name] = p
	rerouted := 0
	if len(up.Relay) > 0 {
		for _, m := range n.peers {
			if m.role != RoleAccepted {
				continue
			}
			if err := m.p.RegisterRelay(p, up.Relay); err != nil {
				logs.Debugf("node.Node.attach upstream=%s peer=%d: %v", up.Name, m.p.ID(), err)
				continue
			}
			rerouted++
		}
	}
	n.track(p, RoleUpstream, up.Name, remote)
	n.mu.Unlock()
	logs.Infof("node.Node.attach upstream=%s peer=%s rerouted=%d", up.Name, p, rerouted)
	return p
}

func (n *Node) detach(name string, p *peer.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.upstreams[name] == p {
		delete(n.upstreams, name)
	}
}

// track must be called with n.mu held and closing false.
func (n *Node) track(p *peer.Peer, role Role, upstream, remote string) {
	n.peers[p.ID()] = &member{p: p, role: role, upstream: upstream, remote: remote, since: time.Now()}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-p.Done()
		n.mu.Lock()
		delete(n.peers, p.ID())
		n.mu.Unlock()
		logs.Debugf("node.Node.track peer=%d role=%s closed", p.ID(), role)
	}()
}

func (n *Node) backoff(attempt int) time.Duration {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return NextBackoffDelay(n.cfg.Backoff, attempt, n.rng)
}

// Peers returns the live peers ordered by id.
func (n *Node) Peers() []PeerInfo {
	n.mu.Lock()
	members := make([]member, 0, len(n.peers))
	for _, m := range n.peers {
		members = append(members, *m)
	}
	n.mu.Unlock()

	sort.Slice(members, func(i, j int) bool { return members[i].p.ID() < members[j].p.ID() })
	out := make([]PeerInfo, 0, len(members))
	for _, m := range members {
		out = append(out, m.info())
	}
	return out
}

func (n *Node) Peer(id uint64) (PeerInfo, bool) {
	n.mu.Lock()
	m, ok := n.peers[id]
	var cp member
	if ok {
		cp = *m
	}
	n.mu.Unlock()
	if !ok {
		return PeerInfo{}, false
	}
	return cp.info(), true
}

// ClosePeer closes one live peer. An upstream peer is redialed afterwards.
func (n *Node) ClosePeer(id uint64) error {
	n.mu.Lock()
	m, ok := n.peers[id]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrPeerNotFound, id)
	}
	logs.Infof("node.Node.ClosePeer peer=%s", m.p)
	return m.p.Close()
}

func (m member) info() PeerInfo {
	return PeerInfo{
		Role:     m.role,
		Upstream: m.upstream,
		Remote:   m.remote,
		Since:    m.since,
		Snapshot: m.p.Snapshot(),
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
