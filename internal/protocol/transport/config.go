package transport

import (
	"time"

	"github.com/danmuck/dbgwire/internal/protocol/frame"
)

// Config defines per-transport buffering.
type Config struct {
	// ReadBufferBytes is the size of each read from the input stream.
	ReadBufferBytes int
	// FlushTimeout bounds how long Close waits for queued frames to be
	// written before the streams are shut regardless.
	FlushTimeout time.Duration
	Limits       frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ReadBufferBytes: 32 * 1024,
		FlushTimeout:    time.Second,
		Limits:          frame.DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = def.ReadBufferBytes
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = def.FlushTimeout
	}
	return c
}
