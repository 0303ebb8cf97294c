package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dbgwire/internal/logging"
)

const (
	DefaultPort            = 6080
	DefaultName            = "dbgserver"
	DefaultApplicationType = "dbgwire"
)

// ServerConfig is the resolved configuration of a dbgserver process.
type ServerConfig struct {
	Name             string
	Port             int
	RemoteEnabled    bool
	ForceLocal       bool
	WebSocketAddr    string
	AdminAddr        string
	AdminCORSOrigins []string
	// AdminToken, when set, is required as a bearer token on mutating
	// admin routes.
	AdminToken string
	// MaxConnections caps live connections. Zero admits everyone.
	MaxConnections  int
	ApplicationType string
	LogLevel        string
	MaxFrameBytes   uint64
	ReadBufferBytes int
}

func Default() ServerConfig {
	return ServerConfig{
		Name:            DefaultName,
		Port:            DefaultPort,
		RemoteEnabled:   true,
		ForceLocal:      true,
		ApplicationType: DefaultApplicationType,
		LogLevel:        "info",
	}
}

type fileConfig struct {
	Name             string   `toml:"name"`
	Port             int      `toml:"port"`
	RemoteEnabled    bool     `toml:"remote_enabled"`
	ForceLocal       bool     `toml:"force_local"`
	WebSocketAddr    string   `toml:"websocket_addr"`
	AdminAddr        string   `toml:"admin_addr"`
	AdminCORSOrigins []string `toml:"admin_cors_origins"`
	AdminToken       string   `toml:"admin_token"`
	MaxConnections   int      `toml:"max_connections"`
	ApplicationType  string   `toml:"application_type"`
	LogLevel         string   `toml:"log_level"`
	MaxFrameBytes    int64    `toml:"max_frame_bytes"`
	ReadBufferBytes  int      `toml:"read_buffer_bytes"`
}

// Load overlays the keys present in the file at path onto Default and
// validates the result.
func Load(path string) (ServerConfig, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServerConfig{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("remote_enabled") {
		cfg.RemoteEnabled = raw.RemoteEnabled
	}
	if meta.IsDefined("force_local") {
		cfg.ForceLocal = raw.ForceLocal
	}
	if meta.IsDefined("websocket_addr") {
		cfg.WebSocketAddr = strings.TrimSpace(raw.WebSocketAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_cors_origins") {
		cfg.AdminCORSOrigins = normalizeList(raw.AdminCORSOrigins)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("application_type") {
		cfg.ApplicationType = strings.TrimSpace(raw.ApplicationType)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("max_frame_bytes") {
		if raw.MaxFrameBytes < 0 {
			return ServerConfig{}, fmt.Errorf("config %s: max_frame_bytes must not be negative", path)
		}
		cfg.MaxFrameBytes = uint64(raw.MaxFrameBytes)
	}
	if meta.IsDefined("read_buffer_bytes") {
		cfg.ReadBufferBytes = raw.ReadBufferBytes
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if c.ReadBufferBytes < 0 {
		return fmt.Errorf("read_buffer_bytes must not be negative")
	}
	if strings.TrimSpace(c.ApplicationType) == "" {
		return fmt.Errorf("application_type is required")
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	for key, addr := range map[string]string{
		"websocket_addr": c.WebSocketAddr,
		"admin_addr":     c.AdminAddr,
	} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s %q: %w", key, addr, err)
		}
	}
	return nil
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
