package node

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/protocol/ids"
	"github.com/danmuck/peerwire/internal/services"
	"github.com/danmuck/peerwire/internal/services/sum"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
	"github.com/danmuck/peerwire/internal/transport"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt%d got=%v want=%v", i+1, got, w)
		}
	}
	if got := NextBackoffDelay(cfg, 0, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt0 got=%v", got)
	}
	if got := NextBackoffDelay(BackoffConfig{}, 4, nil); got != 0 {
		t.Fatalf("zero config got=%v", got)
	}
	huge := BackoffConfig{InitialDelay: time.Second, Multiplier: 10}
	if got := NextBackoffDelay(huge, 400, nil); got <= 0 {
		t.Fatalf("uncapped delay overflowed: %v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 10; attempt++ {
		full := NextBackoffDelay(BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: cfg.Multiplier, MaxDelay: cfg.MaxDelay}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < full/2 || got > full {
			t.Fatalf("attempt%d jitter out of range: %v (full %v)", attempt, got, full)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	sid := ids.ServiceIDFromName(sum.Namespace, sum.AddName)
	up := func(name string) Upstream {
		return Upstream{Name: name, Dial: transport.DialConfig{Kind: transport.KindTCP, Addr: "127.0.0.1:1"}, Relay: []ids.ServiceID{sid}}
	}

	cfg := DefaultConfig()
	cfg.Upstreams = []Upstream{up("a"), up("a")}
	if err := cfg.Validate(); !errors.Is(err, ErrDuplicateUpstream) {
		t.Fatalf("expected ErrDuplicateUpstream, got %v", err)
	}

	cfg.Upstreams = []Upstream{up("a"), up("b")}
	if err := cfg.Validate(); !errors.Is(err, ErrRelayConflict) {
		t.Fatalf("expected ErrRelayConflict, got %v", err)
	}

	cfg.Upstreams = []Upstream{{Name: "a"}}
	if err := cfg.Validate(); !errors.Is(err, transport.ErrAddrRequired) {
		t.Fatalf("expected ErrAddrRequired, got %v", err)
	}

	cfg.Upstreams = []Upstream{up("")}
	if err := cfg.Validate(); !errors.Is(err, ErrUpstreamName) {
		t.Fatalf("expected ErrUpstreamName, got %v", err)
	}

	cfg.Upstreams = nil
	cfg.Listen = []transport.ListenConfig{{Kind: transport.KindTCP, Addr: ":0", SecurityMode: transport.SecurityModeProduction}}
	if err := cfg.Validate(); !errors.Is(err, transport.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	if c := (Config{}).WithDefaults(); c.Name != "peerd" || c.Backoff != DefaultBackoff() {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

// startNode runs n in the background and returns a stop func that waits for Run.
func startNode(t *testing.T, n *Node) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- n.Run(ctx) }()
	select {
	case <-n.Started():
	case err := <-errc:
		cancel()
		t.Fatalf("run: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("node did not start")
	}
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("node did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func tcpNode(t *testing.T, name string, sm peer.ServiceMap, ups ...Upstream) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Listen = []transport.ListenConfig{{Kind: transport.KindTCP, Addr: "127.0.0.1:0"}}
	cfg.Upstreams = ups
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond}
	n, err := New(cfg, sm)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

func dialPeer(t *testing.T, n *Node) *peer.Peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := transport.Dial(ctx, transport.DialConfig{Kind: transport.KindTCP, Addr: n.Addrs()[0].String()})
	if err != nil {
		t.Fatalf("dial %s: %v", n.Name(), err)
	}
	p := peer.New(s, peer.DefaultConfig())
	t.Cleanup(func() { p.Close() })
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func peersWithRole(n *Node, role Role) []PeerInfo {
	var out []PeerInfo
	for _, info := range n.Peers() {
		if info.Role == role {
			out = append(out, info)
		}
	}
	return out
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNodeServesLocalServices(t *testing.T) {
	testlog.Start(t)
	reg, err := sum.NewRegistry(sum.New())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	n := tcpNode(t, "alpha", reg)
	stop := startNode(t, n)

	if !n.Ready() {
		t.Fatalf("node should be ready after start")
	}
	if err := n.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}

	client := dialPeer(t, n)
	remote := services.NewRemote(client, sum.Namespace, nil)
	if got, err := sum.Add(ctxT(t), remote, 3); err != nil || got != 3 {
		t.Fatalf("add got=%d err=%v", got, err)
	}

	waitFor(t, "accepted peer", func() bool { return len(peersWithRole(n, RoleAccepted)) == 1 })
	info := peersWithRole(n, RoleAccepted)[0]
	if len(info.Services) != 2 || info.Remote == "" {
		t.Fatalf("unexpected peer info: %+v", info)
	}
	if got, ok := n.Peer(info.ID); !ok || got.ID != info.ID {
		t.Fatalf("peer lookup failed")
	}

	stop()
	if n.Ready() {
		t.Fatalf("node should not be ready after stop")
	}
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("client was not disconnected by shutdown")
	}
}

func TestNodeRelaysAndReconnectsUpstream(t *testing.T) {
	testlog.Start(t)
	acc := sum.New()
	reg, err := sum.NewRegistry(acc)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	alpha := tcpNode(t, "alpha", reg)
	startNode(t, alpha)

	relayed := []ids.ServiceID{
		ids.ServiceIDFromName(sum.Namespace, sum.AddName),
		ids.ServiceIDFromName(sum.Namespace, sum.ShowName),
	}
	beta := tcpNode(t, "beta", nil, Upstream{
		Name:  "alpha",
		Dial:  transport.DialConfig{Kind: transport.KindTCP, Addr: alpha.Addrs()[0].String()},
		Relay: relayed,
	})
	startNode(t, beta)
	waitFor(t, "upstream", func() bool { return len(peersWithRole(beta, RoleUpstream)) == 1 })
	first := peersWithRole(beta, RoleUpstream)[0]
	if first.Upstream != "alpha" {
		t.Fatalf("unexpected upstream name %q", first.Upstream)
	}

	client := dialPeer(t, beta)
	remote := services.NewRemote(client, sum.Namespace, nil)
	if got, err := sum.Add(ctxT(t), remote, 5); err != nil || got != 5 {
		t.Fatalf("relayed add got=%d err=%v", got, err)
	}

	if err := beta.ClosePeer(first.ID); err != nil {
		t.Fatalf("close upstream: %v", err)
	}
	waitFor(t, "redialed upstream", func() bool {
		ups := peersWithRole(beta, RoleUpstream)
		return len(ups) == 1 && ups[0].ID != first.ID
	})

	// the accepted peer's route is replaced once the new upstream attaches
	waitFor(t, "relay route", func() bool {
		_, err := sum.Add(ctxT(t), remote, 1)
		if err != nil {
			kind, ok := peer.RemoteKind(err)
			if !ok || kind != peer.KindFailedToRelay {
				t.Fatalf("unexpected error during reconnect: %v", err)
			}
		}
		return err == nil
	})
	if got, err := sum.Show(ctxT(t), remote); err != nil || got != 6 {
		t.Fatalf("show got=%d err=%v", got, err)
	}
	if acc.Total() != 6 {
		t.Fatalf("alpha total=%d", acc.Total())
	}
	if client.State() != peer.StateOpen {
		t.Fatalf("client connection should survive upstream loss")
	}
}

func TestClosePeerUnknown(t *testing.T) {
	testlog.Start(t)
	n := tcpNode(t, "gamma", nil)
	if err := n.ClosePeer(42); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got %v", err)
	}
	if _, ok := n.Peer(42); ok {
		t.Fatalf("unexpected peer")
	}
}
