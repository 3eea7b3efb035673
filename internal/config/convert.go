package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/peerwire/internal/node"
	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/plugins"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/ids"
	"github.com/danmuck/peerwire/internal/protocol/payload"
	"github.com/danmuck/peerwire/internal/server"
	"github.com/danmuck/peerwire/internal/transport"
)

func (c NodeConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("node config missing name")
	}
	for _, svc := range c.Services.Enable {
		if !plugins.Builtin().Has(svc) {
			return fmt.Errorf("%w: %q", ErrUnknownService, svc)
		}
	}
	if _, err := payload.ByName(c.Services.Codec); err != nil {
		return fmt.Errorf("services.codec: %w", err)
	}
	if c.Peer.MaxFrameBytes != 0 && c.Peer.MaxFrameBytes < frame.HeaderLen {
		return fmt.Errorf("%w: %d", ErrFrameLimit, c.Peer.MaxFrameBytes)
	}
	if c.Peer.EventCapacity < 0 {
		return fmt.Errorf("peer.event_capacity must not be negative")
	}
	if len(c.Listen) == 0 && len(c.Upstream) == 0 {
		return fmt.Errorf("node config needs at least one listen or upstream entry")
	}
	nc, err := c.Node()
	if err != nil {
		return err
	}
	return nc.Validate()
}

// Node converts c into the node supervisor's configuration.
func (c NodeConfig) Node() (node.Config, error) {
	out := node.Config{
		Name: c.Name,
		Peer: peer.Config{
			Limits:             frame.Limits{MaxFrameBytes: c.Peer.MaxFrameBytes},
			CallTimeout:        c.Peer.CallTimeout,
			RelayEventCapacity: c.Peer.EventCapacity,
		},
		Backoff: node.BackoffConfig{
			InitialDelay: c.Backoff.InitialDelay,
			Multiplier:   c.Backoff.Multiplier,
			MaxDelay:     c.Backoff.MaxDelay,
			Jitter:       c.Backoff.Jitter,
		},
	}
	for i, l := range c.Listen {
		kind, err := transport.ParseKind(l.Kind)
		if err != nil {
			return node.Config{}, fmt.Errorf("listen[%d]: %w", i, err)
		}
		out.Listen = append(out.Listen, transport.ListenConfig{
			Kind:         kind,
			Addr:         strings.TrimSpace(l.Addr),
			Path:         l.Path,
			SecurityMode: transport.SecurityMode(l.SecurityMode),
			TLS:          l.TLS.transport(),
		})
	}
	for _, u := range c.Upstream {
		kind, err := transport.ParseKind(u.Kind)
		if err != nil {
			return node.Config{}, fmt.Errorf("upstream %s: %w", u.Name, err)
		}
		relay, err := RelayIDs(u.Relay)
		if err != nil {
			return node.Config{}, fmt.Errorf("upstream %s: %w", u.Name, err)
		}
		out.Upstreams = append(out.Upstreams, node.Upstream{
			Name: u.Name,
			Dial: transport.DialConfig{
				Kind:         kind,
				Addr:         u.Addr,
				Path:         u.Path,
				SecurityMode: transport.SecurityMode(u.SecurityMode),
				TLS:          u.TLS.transport(),
				Timeout:      u.DialTimeout,
			},
			Relay:       relay,
			MaxAttempts: u.MaxAttempts,
		})
	}
	return out, nil
}

func (c NodeConfig) Server() server.Config {
	return server.Config{Addr: c.Admin.Addr, Token: c.Admin.Token}
}

func (c NodeConfig) Codec() (payload.Codec, error) {
	return payload.ByName(c.Services.Codec)
}

// RelayIDs resolves relay entries to service ids.
func RelayIDs(entries []string) ([]ids.ServiceID, error) {
	out := make([]ids.ServiceID, 0, len(entries))
	for _, e := range entries {
		sid, err := ParseRelay(e)
		if err != nil {
			return nil, err
		}
		out = append(out, sid)
	}
	return out, nil
}

// ParseRelay accepts "namespace/Name" or a hex service id.
func ParseRelay(entry string) (ids.ServiceID, error) {
	entry = strings.TrimSpace(entry)
	if ns, name, ok := strings.Cut(entry, "/"); ok {
		ns, name = strings.TrimSpace(ns), strings.TrimSpace(name)
		if ns == "" || name == "" {
			return ids.NullService, fmt.Errorf("%w: %q", ErrRelayEntry, entry)
		}
		return ids.ServiceIDFromName(ns, name), nil
	}
	sid, err := ids.ParseServiceID(entry)
	if err != nil || sid.IsNull() {
		return ids.NullService, fmt.Errorf("%w: %q", ErrRelayEntry, entry)
	}
	return sid, nil
}

func (t TLSConfig) transport() transport.TLSConfig {
	return transport.TLSConfig{
		Enabled:            t.Enabled,
		Mutual:             t.Mutual,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		CAFile:             t.CAFile,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
}
