package server

import "github.com/danmuck/dbgwire/internal/protocol/transport"

// Config gates and shapes the listening side of the server.
type Config struct {
	// RemoteEnabled allows OpenListener at all.
	RemoteEnabled bool
	// ForceLocal binds listeners to the loopback interface only.
	ForceLocal bool
	Transport  transport.Config
}

func DefaultConfig() Config {
	return Config{
		RemoteEnabled: true,
		ForceLocal:    true,
		Transport:     transport.DefaultConfig(),
	}
}

// WithDefaults fills zero transport settings.
func (c Config) WithDefaults() Config {
	c.Transport = c.Transport.WithDefaults()
	return c
}
