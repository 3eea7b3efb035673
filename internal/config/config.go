// Package config loads the TOML configuration of a peerwire node.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/payload"
)

var (
	ErrUnknownKey     = errors.New("config: unknown key")
	ErrUnknownService = errors.New("config: unknown service")
	ErrRelayEntry     = errors.New("config: invalid relay entry")
	ErrFrameLimit     = errors.New("config: peer.max_frame_bytes below frame header size")
)

type NodeConfig struct {
	Name     string
	Admin    AdminConfig
	Peer     PeerConfig
	Services ServicesConfig
	Backoff  BackoffConfig
	Listen   []ListenConfig
	Upstream []UpstreamConfig
}

type AdminConfig struct {
	// Addr disables the admin surface when empty.
	Addr  string
	Token string
}

type PeerConfig struct {
	MaxFrameBytes uint64
	CallTimeout   time.Duration
	EventCapacity int
}

type ServicesConfig struct {
	Enable []string
	Codec  string
}

type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type ListenConfig struct {
	Kind         string    `toml:"kind"`
	Addr         string    `toml:"addr"`
	Path         string    `toml:"path"`
	SecurityMode string    `toml:"security_mode"`
	TLS          TLSConfig `toml:"tls"`
}

type UpstreamConfig struct {
	Name         string
	Kind         string
	Addr         string
	Path         string
	SecurityMode string
	TLS          TLSConfig
	// Relay entries are "namespace/Name" or a 32-digit hex service id.
	Relay       []string
	MaxAttempts int
	DialTimeout time.Duration
}

func DefaultConfig() NodeConfig {
	return NodeConfig{
		Name:  "peerd",
		Admin: AdminConfig{Addr: "127.0.0.1:7480"},
		Peer: PeerConfig{
			MaxFrameBytes: 8 << 20,
			CallTimeout:   30 * time.Second,
			EventCapacity: 16,
		},
		Services: ServicesConfig{Enable: []string{"sum", "kv"}, Codec: payload.NameJSON},
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Listen: []ListenConfig{{Kind: "tcp", Addr: ":7400"}},
	}
}

type fileConfig struct {
	Name  string `toml:"name"`
	Admin struct {
		Addr  string `toml:"addr"`
		Token string `toml:"token"`
	} `toml:"admin"`
	Peer struct {
		MaxFrameBytes int64  `toml:"max_frame_bytes"`
		CallTimeout   string `toml:"call_timeout"`
		EventCapacity int    `toml:"event_capacity"`
	} `toml:"peer"`
	Services struct {
		Enable []string `toml:"enable"`
		Codec  string   `toml:"codec"`
	} `toml:"services"`
	Backoff struct {
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"backoff"`
	Listen   []ListenConfig `toml:"listen"`
	Upstream []fileUpstream `toml:"upstream"`
}

type fileUpstream struct {
	Name         string    `toml:"name"`
	Kind         string    `toml:"kind"`
	Addr         string    `toml:"addr"`
	Path         string    `toml:"path"`
	SecurityMode string    `toml:"security_mode"`
	TLS          TLSConfig `toml:"tls"`
	Relay        []string  `toml:"relay"`
	MaxAttempts  int       `toml:"max_attempts"`
	DialTimeout  string    `toml:"dial_timeout"`
}

// Load reads path over DefaultConfig. Keys absent from the file keep their
// defaults; unknown keys are rejected.
func Load(path string) (NodeConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := apply(DefaultConfig(), raw, meta)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Decode is Load for an in-memory document.
func Decode(doc string) (NodeConfig, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := apply(DefaultConfig(), raw, meta)
	if err != nil {
		return NodeConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func apply(cfg NodeConfig, raw fileConfig, meta toml.MetaData) (NodeConfig, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return NodeConfig{}, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = raw.Admin.Token
	}

	if meta.IsDefined("peer", "max_frame_bytes") {
		if raw.Peer.MaxFrameBytes < frame.HeaderLen {
			return NodeConfig{}, fmt.Errorf("%w: %d", ErrFrameLimit, raw.Peer.MaxFrameBytes)
		}
		cfg.Peer.MaxFrameBytes = uint64(raw.Peer.MaxFrameBytes)
	}
	if meta.IsDefined("peer", "call_timeout") {
		d, err := parseDuration("peer.call_timeout", raw.Peer.CallTimeout)
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.Peer.CallTimeout = d
	}
	if meta.IsDefined("peer", "event_capacity") {
		cfg.Peer.EventCapacity = raw.Peer.EventCapacity
	}

	if meta.IsDefined("services", "enable") {
		cfg.Services.Enable = normalizeList(raw.Services.Enable)
	}
	if meta.IsDefined("services", "codec") {
		cfg.Services.Codec = strings.TrimSpace(raw.Services.Codec)
	}

	if meta.IsDefined("backoff", "initial_delay") {
		d, err := parseDuration("backoff.initial_delay", raw.Backoff.InitialDelay)
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.Backoff.InitialDelay = d
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "max_delay") {
		d, err := parseDuration("backoff.max_delay", raw.Backoff.MaxDelay)
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.Backoff.MaxDelay = d
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	if meta.IsDefined("listen") {
		cfg.Listen = append([]ListenConfig(nil), raw.Listen...)
	}
	if meta.IsDefined("upstream") {
		cfg.Upstream = make([]UpstreamConfig, 0, len(raw.Upstream))
		for i, u := range raw.Upstream {
			up := UpstreamConfig{
				Name:         strings.TrimSpace(u.Name),
				Kind:         u.Kind,
				Addr:         strings.TrimSpace(u.Addr),
				Path:         u.Path,
				SecurityMode: u.SecurityMode,
				TLS:          u.TLS,
				Relay:        normalizeList(u.Relay),
				MaxAttempts:  u.MaxAttempts,
			}
			if strings.TrimSpace(u.DialTimeout) != "" {
				d, err := parseDuration(fmt.Sprintf("upstream[%d].dial_timeout", i), u.DialTimeout)
				if err != nil {
					return NodeConfig{}, err
				}
				up.DialTimeout = d
			}
			cfg.Upstream = append(cfg.Upstream, up)
		}
	}
	return cfg, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration", key)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
