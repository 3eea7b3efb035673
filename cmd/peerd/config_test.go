package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/peerwire/internal/config"
	"github.com/danmuck/peerwire/internal/protocol/payload"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
)

func TestLoadNodeConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadNodeConfig("ex.config.toml", overrides{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "edge.local" {
		t.Fatalf("unexpected name: %q", cfg.Name)
	}
	if cfg.Admin.Token != "change-me" {
		t.Fatalf("unexpected token: %q", cfg.Admin.Token)
	}
	if cfg.Peer.CallTimeout != 10*time.Second || cfg.Peer.EventCapacity != 32 {
		t.Fatalf("unexpected peer config: %+v", cfg.Peer)
	}
	if cfg.Backoff.Multiplier != 2.0 || !cfg.Backoff.Jitter {
		t.Fatalf("backoff defaults lost: %+v", cfg.Backoff)
	}
	if len(cfg.Upstream) != 1 || len(cfg.Upstream[0].Relay) != 2 {
		t.Fatalf("unexpected upstreams: %+v", cfg.Upstream)
	}

	regs, err := buildRegistries(cfg)
	if err != nil {
		t.Fatalf("build registries: %v", err)
	}
	if len(regs) != 1 || regs[0].Namespace() != "kv" || regs[0].Codec().Name() != payload.NameJSONSnappy {
		t.Fatalf("unexpected registries: %+v", regs)
	}
	if len(regs[0].Services()) != 4 {
		t.Fatalf("kv registry should expose 4 services, got %d", len(regs[0].Services()))
	}
}

func TestLoadNodeConfigOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadNodeConfig("", overrides{
		name:   "cli",
		admin:  "127.0.0.1:0",
		listen: []string{"ws://127.0.0.1:0/wire", "quic://127.0.0.1:0"},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "cli" || cfg.Admin.Addr != "127.0.0.1:0" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Listen) != 2 || cfg.Listen[0].Kind != "ws" || cfg.Listen[0].Path != "/wire" || cfg.Listen[1].Kind != "quic" {
		t.Fatalf("unexpected listeners: %+v", cfg.Listen)
	}
	if def := config.DefaultConfig(); len(def.Listen) != 1 || def.Listen[0].Addr != ":7400" {
		t.Fatalf("overrides leaked into defaults: %+v", def.Listen)
	}

	if _, err := loadNodeConfig("", overrides{listen: []string{"127.0.0.1:7400"}}); err == nil {
		t.Fatalf("expected bad listen flag error")
	}
	if _, err := loadNodeConfig("", overrides{listen: []string{"udp://127.0.0.1:1"}}); err == nil {
		t.Fatalf("expected unknown transport error")
	}
}

func TestInitAndValidateCommands(t *testing.T) {
	testlog.Start(t)
	path := t.TempDir() + "/relay.toml"

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"init", "--kind", "relay", "--output", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "name=beta") || !strings.Contains(out.String(), "upstreams=1") {
		t.Fatalf("unexpected validate output: %q", out.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadNodeConfig("", overrides{admin: "127.0.0.1:0", listen: []string{"tcp://127.0.0.1:0"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, cfg) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop")
	}
}
