package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/services"
	"github.com/danmuck/peerwire/internal/services/kv"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
	"github.com/danmuck/peerwire/internal/transport"
)

// serveKV accepts peers on a tcp listener and serves a kv store.
func serveKV(t *testing.T) (string, *kv.Store) {
	t.Helper()
	store := kv.NewStore()
	reg := services.NewRegistry(kv.Namespace, nil)
	if err := store.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := transport.Listen(ctx, transport.ListenConfig{Kind: transport.KindTCP, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			s, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			p := peer.New(s, peer.DefaultConfig())
			if err := p.RegisterServices(reg); err != nil {
				p.Close()
				continue
			}
			go func() {
				<-ctx.Done()
				p.Close()
			}()
		}
	}()
	t.Cleanup(func() {
		cancel()
		ln.Close()
		<-done
	})
	return ln.Addr().String(), store
}

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCallAndSend(t *testing.T) {
	testlog.Start(t)
	addr, _ := serveKV(t)
	common := []string{"--addr", addr, "--namespace", "kv", "--timeout", "5s"}

	out, err := runCtl(t, append([]string{"call", "--service", "put", "--json", `{"key":"a","value":"1"}`}, common...)...)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if strings.TrimSpace(out) != "true" {
		t.Fatalf("unexpected put output %q", out)
	}

	out, err = runCtl(t, append([]string{"call", "--service", "get", "--json", `{"key":"a"}`}, common...)...)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out, `"value": "1"`) || !strings.Contains(out, `"found": true`) {
		t.Fatalf("unexpected get output %q", out)
	}

	out, err = runCtl(t, append([]string{"send", "--service", "put", "--json", `{"key":"b","value":"2"}`}, common...)...)
	if err != nil || strings.TrimSpace(out) != "sent" {
		t.Fatalf("send out=%q err=%v", out, err)
	}
}

func TestCallErrors(t *testing.T) {
	testlog.Start(t)
	addr, _ := serveKV(t)

	_, err := runCtl(t, "call", "--addr", addr, "--namespace", "kv", "--service", "nope", "--timeout", "5s")
	if err == nil || !strings.Contains(err.Error(), "unknown_service") {
		t.Fatalf("expected unknown_service, got %v", err)
	}
	if _, err := runCtl(t, "call", "--addr", addr, "--namespace", "kv"); err == nil {
		t.Fatalf("expected missing service error")
	}
	if _, err := runCtl(t, "call", "--addr", addr, "--namespace", "kv", "--service", "get", "--json", "{"); err == nil {
		t.Fatalf("expected invalid json error")
	}
	if _, err := runCtl(t, "call", "--addr", addr, "--namespace", "kv", "--service", "get", "--codec", "xml"); err == nil {
		t.Fatalf("expected unknown codec error")
	}
	start := time.Now()
	if _, err := runCtl(t, "call", "--addr", "127.0.0.1:1", "--namespace", "kv", "--service", "get", "--timeout", "2s"); err == nil {
		t.Fatalf("expected dial error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("dial error took too long")
	}
}
