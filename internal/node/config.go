package node

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/peerwire/internal/peer"
	"github.com/danmuck/peerwire/internal/protocol/ids"
	"github.com/danmuck/peerwire/internal/transport"
)

var (
	ErrNameRequired      = errors.New("node: name required")
	ErrUpstreamName      = errors.New("node: upstream name required")
	ErrDuplicateUpstream = errors.New("node: duplicate upstream")
	ErrRelayConflict     = errors.New("node: service relayed to more than one upstream")
)

// Upstream is a peer this node dials and keeps connected.
type Upstream struct {
	Name string
	Dial transport.DialConfig
	// Relay lists services accepted peers forward to this upstream.
	Relay []ids.ServiceID
	// MaxAttempts stops redialing after that many failures in a row. Zero retries forever.
	MaxAttempts int
}

type Config struct {
	Name      string
	Peer      peer.Config
	Listen    []transport.ListenConfig
	Upstreams []Upstream
	Backoff   BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Name:    "peerd",
		Peer:    peer.DefaultConfig(),
		Backoff: DefaultBackoff(),
	}
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = DefaultConfig().Name
	}
	c.Peer = c.Peer.WithDefaults()
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff()
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrNameRequired
	}
	for i, lc := range c.Listen {
		if strings.TrimSpace(lc.Addr) == "" {
			return fmt.Errorf("listen[%d]: %w", i, transport.ErrAddrRequired)
		}
		if err := lc.Validate(); err != nil {
			return fmt.Errorf("listen[%d]: %w", i, err)
		}
	}
	names := make(map[string]struct{}, len(c.Upstreams))
	routes := make(map[ids.ServiceID]string)
	for i, up := range c.Upstreams {
		name := strings.TrimSpace(up.Name)
		if name == "" {
			return fmt.Errorf("upstream[%d]: %w", i, ErrUpstreamName)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateUpstream, name)
		}
		names[name] = struct{}{}
		if strings.TrimSpace(up.Dial.Addr) == "" {
			return fmt.Errorf("upstream %s: %w", name, transport.ErrAddrRequired)
		}
		if err := up.Dial.Validate(); err != nil {
			return fmt.Errorf("upstream %s: %w", name, err)
		}
		for _, sid := range up.Relay {
			if sid.IsNull() {
				return fmt.Errorf("upstream %s: null service id in relay list", name)
			}
			if other, ok := routes[sid]; ok && other != name {
				return fmt.Errorf("%w: %s via %s and %s", ErrRelayConflict, sid, other, name)
			}
			routes[sid] = name
		}
	}
	return nil
}
