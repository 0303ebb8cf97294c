package config

import (
	"github.com/danmuck/dbgwire/internal/actors"
	"github.com/danmuck/dbgwire/internal/admin"
	"github.com/danmuck/dbgwire/internal/auth"
	"github.com/danmuck/dbgwire/internal/protocol/transport"
	"github.com/danmuck/dbgwire/internal/server"
)

func (c ServerConfig) Server() server.Config {
	cfg := server.DefaultConfig()
	cfg.RemoteEnabled = c.RemoteEnabled
	cfg.ForceLocal = c.ForceLocal
	cfg.Transport = c.Transport()
	return cfg
}

func (c ServerConfig) Transport() transport.Config {
	cfg := transport.DefaultConfig()
	if c.ReadBufferBytes > 0 {
		cfg.ReadBufferBytes = c.ReadBufferBytes
	}
	cfg.Limits.MaxFrameBytes = c.MaxFrameBytes
	return cfg
}

func (c ServerConfig) Root() actors.RootConfig {
	cfg := actors.DefaultRootConfig()
	cfg.ApplicationType = c.ApplicationType
	return cfg
}

// Policy admits up to MaxConnections live connections, or everyone.
func (c ServerConfig) Policy(srv *server.Server) server.Policy {
	if c.MaxConnections > 0 {
		return server.MaxConnections(srv, c.MaxConnections)
	}
	return server.AllowAll
}

func (c ServerConfig) AdminOptions() []admin.Option {
	if c.AdminToken == "" {
		return nil
	}
	return []admin.Option{admin.WithValidator(auth.StaticToken{Token: c.AdminToken})}
}
