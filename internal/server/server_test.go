package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/peerwire/internal/node"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
)

type fakeNode struct {
	mu     sync.Mutex
	ready  bool
	peers  map[uint64]node.PeerInfo
	closed []uint64
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		ready: true,
		peers: map[uint64]node.PeerInfo{
			1: {Role: node.RoleAccepted, Remote: "127.0.0.1:5000", Snapshot: peer.Snapshot{ID: 1, State: "open"}},
			2: {Role: node.RoleUpstream, Upstream: "alpha", Snapshot: peer.Snapshot{ID: 2, State: "open"}},
		},
	}
}

func (f *fakeNode) Name() string { return "fake" }

func (f *fakeNode) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeNode) Peers() []node.PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]node.PeerInfo, 0, len(f.peers))
	for id := uint64(1); id <= 2; id++ {
		if p, ok := f.peers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeNode) Peer(id uint64) (node.PeerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.peers[id]
	return p, ok
}

func (f *fakeNode) ClosePeer(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.peers[id]; !ok {
		return fmt.Errorf("%w: %d", node.ErrPeerNotFound, id)
	}
	delete(f.peers, id)
	f.closed = append(f.closed, id)
	return nil
}

func do(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	fn := newFakeNode()
	s := New(Config{}, fn)

	rr := do(t, s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health status=%d", rr.Code)
	}
	if body := decode(t, rr); body["status"] != "ok" || body["node"] != "fake" {
		t.Fatalf("unexpected health body: %#v", body)
	}
	if rr.Header().Get(observability.RequestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}

	if rr := do(t, s, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
		t.Fatalf("ready status=%d", rr.Code)
	}
	fn.mu.Lock()
	fn.ready = false
	fn.mu.Unlock()
	rr = do(t, s, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusServiceUnavailable || decode(t, rr)["ready"] != false {
		t.Fatalf("expected not ready, status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	testlog.Start(t)
	s := New(Config{}, newFakeNode())
	do(t, s, http.MethodGet, "/health", "")
	rr := do(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "peerwire_") {
		t.Fatalf("metrics output missing peerwire series")
	}
}

func TestPeerRoutes(t *testing.T) {
	testlog.Start(t)
	fn := newFakeNode()
	s := New(Config{}, fn)

	rr := do(t, s, http.MethodGet, "/peers", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("peers status=%d", rr.Code)
	}
	if body := decode(t, rr); body["count"] != float64(2) {
		t.Fatalf("unexpected peers body: %#v", body)
	}

	rr = do(t, s, http.MethodGet, "/peers/2", "")
	body := decode(t, rr)
	if rr.Code != http.StatusOK || body["role"] != "upstream" || body["upstream"] != "alpha" || body["id"] != float64(2) {
		t.Fatalf("unexpected peer body status=%d %#v", rr.Code, body)
	}

	if rr := do(t, s, http.MethodGet, "/peers/9", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/peers/abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	if rr := do(t, s, http.MethodPost, "/peers/1/close", ""); rr.Code != http.StatusOK {
		t.Fatalf("close status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(t, s, http.MethodPost, "/peers/1/close", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("second close expected 404, got %d", rr.Code)
	}
	if len(fn.closed) != 1 || fn.closed[0] != 1 {
		t.Fatalf("unexpected closed peers %v", fn.closed)
	}
}

func TestPeerRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Token: "s3cret"}, newFakeNode())

	if rr := do(t, s, http.MethodGet, "/peers", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/peers", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/peers", "s3cret"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rr.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(Config{}, newFakeNode())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
