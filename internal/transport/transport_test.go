package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/services"
	"github.com/danmuck/peerwire/internal/services/sum"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
	"github.com/danmuck/peerwire/internal/testutil/tlstest"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// pair listens with lc, dials with dc and returns both ends.
func pair(t *testing.T, lc ListenConfig, dc DialConfig) (Stream, Stream) {
	t.Helper()
	ctx := testCtx(t)
	ln, err := Listen(ctx, lc)
	if err != nil {
		t.Fatalf("listen %s: %v", lc.Kind, err)
	}
	t.Cleanup(func() { ln.Close() })

	dc.Addr = ln.Addr().String()
	accepted := make(chan Stream, 1)
	errc := make(chan error, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			errc <- err
			return
		}
		accepted <- s
	}()

	client, err := Dial(ctx, dc)
	if err != nil {
		t.Fatalf("dial %s: %v", dc.Kind, err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case s := <-accepted:
		t.Cleanup(func() { s.Close() })
		return client, s
	case err := <-errc:
		t.Fatalf("accept %s: %v", lc.Kind, err)
	case <-ctx.Done():
		t.Fatalf("accept %s timed out", lc.Kind)
	}
	return nil, nil
}

func exchange(t *testing.T, a, b Stream) {
	t.Helper()
	msg := []byte("hello over the wire")
	go func() {
		_, _ = a.Write(msg)
	}()
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q want %q", got, msg)
	}
}

func tlsFiles(t *testing.T) tlstest.Files {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "peerwire-test-ca")
	return ca.Localhost(t, dir, "node")
}

func TestStreamKinds(t *testing.T) {
	testlog.Start(t)
	files := tlsFiles(t)
	serverTLS := TLSConfig{CertFile: files.CertFile, KeyFile: files.KeyFile}
	clientTLS := TLSConfig{CAFile: files.CAFile, ServerName: "localhost"}

	cases := []struct {
		name string
		lc   ListenConfig
		dc   DialConfig
	}{
		{"tcp", ListenConfig{Kind: KindTCP, Addr: "127.0.0.1:0"}, DialConfig{Kind: KindTCP}},
		{"tls", ListenConfig{Kind: KindTLS, Addr: "127.0.0.1:0", TLS: serverTLS}, DialConfig{Kind: KindTLS, TLS: clientTLS}},
		{"quic-dev", ListenConfig{Kind: KindQUIC, Addr: "127.0.0.1:0"}, DialConfig{Kind: KindQUIC, TLS: TLSConfig{InsecureSkipVerify: true}}},
		{"quic", ListenConfig{Kind: KindQUIC, Addr: "127.0.0.1:0", TLS: serverTLS}, DialConfig{Kind: KindQUIC, TLS: clientTLS}},
		{"ws", ListenConfig{Kind: KindWS, Addr: "127.0.0.1:0"}, DialConfig{Kind: KindWS}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, server := pair(t, tc.lc, tc.dc)
			exchange(t, client, server)
			exchange(t, server, client)
			if client.RemoteAddr() == nil || server.RemoteAddr() == nil {
				t.Fatalf("remote addr missing")
			}
		})
	}
}

func TestPeersOverTransports(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []Kind{KindTCP, KindWS, KindQUIC} {
		t.Run(string(kind), func(t *testing.T) {
			dc := DialConfig{Kind: kind}
			if kind == KindQUIC {
				dc.TLS.InsecureSkipVerify = true
			}
			client, server := pair(t, ListenConfig{Kind: kind, Addr: "127.0.0.1:0"}, dc)

			reg, err := sum.NewRegistry(sum.New())
			if err != nil {
				t.Fatalf("registry: %v", err)
			}
			pc := peer.New(client, peer.DefaultConfig())
			ps := peer.New(server, peer.DefaultConfig())
			defer pc.Close()
			defer ps.Close()
			if err := ps.RegisterServices(reg); err != nil {
				t.Fatalf("register: %v", err)
			}

			remote := services.NewRemote(pc, sum.Namespace, nil)
			for i := int64(1); i <= 20; i++ {
				if _, err := sum.Add(testCtx(t), remote, i); err != nil {
					t.Fatalf("add %d: %v", i, err)
				}
			}
			total, err := sum.Show(testCtx(t), remote)
			if err != nil || total != 210 {
				t.Fatalf("show got=%d err=%v", total, err)
			}

			events := ps.Observe(4)
			pc.Close()
			select {
			case <-ps.Done():
			case <-time.After(5 * time.Second):
				t.Fatalf("server peer did not notice close")
			}
			for ev := range events {
				if ev.Kind == peer.EventClosed {
					t.Fatalf("remote close reported as local")
				}
			}
		})
	}
}

func TestAcceptHonoursContext(t *testing.T) {
	testlog.Start(t)
	ln, err := Listen(testCtx(t), ListenConfig{Kind: KindTCP, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ln.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	ln.Close()
	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("expected ErrListenerClosed, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	testlog.Start(t)
	if k, err := ParseKind(" QUIC "); err != nil || k != KindQUIC {
		t.Fatalf("parse quic: %v %v", k, err)
	}
	if k, err := ParseKind(""); err != nil || k != KindTCP {
		t.Fatalf("empty kind should default to tcp: %v %v", k, err)
	}
	if _, err := ParseKind("udp"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Dial(testCtx(t), DialConfig{Kind: KindTCP}); !errors.Is(err, ErrAddrRequired) {
		t.Fatalf("expected ErrAddrRequired, got %v", err)
	}
}
