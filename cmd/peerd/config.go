package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/peerwire/internal/config"
	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/plugins"
	"github.com/danmuck/peerwire/internal/services"
)

// overrides are command-line settings applied on top of the config file.
type overrides struct {
	name   string
	admin  string
	token  string
	listen []string
}

func loadNodeConfig(path string, o overrides) (config.NodeConfig, error) {
	cfg := config.DefaultConfig()
	if strings.TrimSpace(path) != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.NodeConfig{}, err
		}
		cfg = loaded
	}

	if v := strings.TrimSpace(o.name); v != "" {
		cfg.Name = v
	}
	if o.admin != "" {
		cfg.Admin.Addr = strings.TrimSpace(o.admin)
	}
	if o.token != "" {
		cfg.Admin.Token = o.token
	}
	if len(o.listen) > 0 {
		cfg.Listen = cfg.Listen[:0:0]
		for _, raw := range o.listen {
			lc, err := parseListenFlag(raw)
			if err != nil {
				return config.NodeConfig{}, err
			}
			cfg.Listen = append(cfg.Listen, lc)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.NodeConfig{}, err
	}
	return cfg, nil
}

// parseListenFlag reads "kind://host:port[/path]".
func parseListenFlag(raw string) (config.ListenConfig, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return config.ListenConfig{}, fmt.Errorf("invalid --listen %q: want kind://host:port", raw)
	}
	return config.ListenConfig{Kind: u.Scheme, Addr: u.Host, Path: u.Path}, nil
}

// buildRegistries creates one registry per enabled service namespace.
func buildRegistries(cfg config.NodeConfig) ([]*services.Registry, error) {
	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	catalog := plugins.Builtin()
	out := make([]*services.Registry, 0, len(cfg.Services.Enable))
	for _, name := range cfg.Services.Enable {
		reg, err := catalog.Build(name, codec)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

func serviceMaps(regs []*services.Registry) []peer.ServiceMap {
	out := make([]peer.ServiceMap, 0, len(regs))
	for _, r := range regs {
		out = append(out, r)
	}
	return out
}
