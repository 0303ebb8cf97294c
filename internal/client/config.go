package client

import (
	"time"

	"github.com/danmuck/dbgwire/internal/protocol/transport"
)

// Config controls dialing and buffering for a Client.
type Config struct {
	ConnectTimeout time.Duration
	// MaxConnectAttempts <= 0 retries until ctx is done.
	MaxConnectAttempts int
	Backoff            BackoffConfig
	// EventBuffer bounds unsolicited packets waiting in Events.
	EventBuffer int
	Transport   transport.Config
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		MaxConnectAttempts: 1,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		EventBuffer: 64,
		Transport:   transport.DefaultConfig(),
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	c.Transport = c.Transport.WithDefaults()
	return c
}
