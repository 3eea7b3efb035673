package peer

import (
	"time"

	"github.com/danmuck/peerwire/internal/protocol/frame"
)

// Config tunes one peer.
type Config struct {
	// Name is a local label used in logs and errors.
	Name   string
	Limits frame.Limits
	// CallTimeout bounds calls whose context carries no deadline. Zero disables it.
	CallTimeout time.Duration
	// RelayEventCapacity sizes the event queue used to watch relay peers.
	RelayEventCapacity int
}

func DefaultConfig() Config {
	return Config{
		Limits:             frame.DefaultLimits(),
		CallTimeout:        30 * time.Second,
		RelayEventCapacity: 16,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Limits = c.Limits.WithDefaults()
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	if c.RelayEventCapacity <= 0 {
		c.RelayEventCapacity = d.RelayEventCapacity
	}
	return c
}
