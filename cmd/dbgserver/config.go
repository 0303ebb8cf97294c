package main

import (
	"fmt"
	"io"

	"github.com/danmuck/dbgwire/internal/config"
	"github.com/spf13/pflag"
)

type options struct {
	configPath  string
	writeConfig string
	force       bool
	cfg         config.ServerConfig
}

// parseOptions loads the config file, when given, and applies the flags
// that were set on top of it.
func parseOptions(args []string, stderr io.Writer) (options, error) {
	var (
		opts          options
		port          int
		remote        bool
		forceLocal    bool
		wsAddr        string
		adminAddr     string
		adminToken    string
		maxConns      int
		logLevel      string
		appType       string
		maxFrameBytes uint64
	)

	fs := pflag.NewFlagSet("dbgserver", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	fs.StringVar(&opts.writeConfig, "write-config", "", "write a config template to this path and exit")
	fs.BoolVar(&opts.force, "force", false, "overwrite an existing file with --write-config")
	fs.IntVarP(&port, "port", "p", config.DefaultPort, "debugger listener port (0 picks a free port)")
	fs.BoolVar(&remote, "remote", true, "allow the socket listener")
	fs.BoolVar(&forceLocal, "force-local", true, "bind listeners to loopback only")
	fs.StringVar(&wsAddr, "websocket", "", "websocket listen address, empty disables")
	fs.StringVar(&adminAddr, "admin", "", "admin HTTP listen address, empty disables")
	fs.StringVar(&adminToken, "admin-token", "", "bearer token required by mutating admin routes")
	fs.IntVar(&maxConns, "max-connections", 0, "maximum live connections, 0 for unlimited")
	fs.StringVar(&logLevel, "log-level", "", "log level override")
	fs.StringVar(&appType, "application-type", "", "applicationType announced in the hello")
	fs.Uint64Var(&maxFrameBytes, "max-frame-bytes", 0, "largest accepted frame body, 0 for unlimited")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	opts.cfg = config.Default()
	if opts.configPath != "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return options{}, err
		}
		opts.cfg = cfg
	}

	if fs.Changed("port") {
		opts.cfg.Port = port
	}
	if fs.Changed("remote") {
		opts.cfg.RemoteEnabled = remote
	}
	if fs.Changed("force-local") {
		opts.cfg.ForceLocal = forceLocal
	}
	if fs.Changed("websocket") {
		opts.cfg.WebSocketAddr = wsAddr
	}
	if fs.Changed("admin") {
		opts.cfg.AdminAddr = adminAddr
	}
	if fs.Changed("admin-token") {
		opts.cfg.AdminToken = adminToken
	}
	if fs.Changed("max-connections") {
		opts.cfg.MaxConnections = maxConns
	}
	if fs.Changed("log-level") {
		opts.cfg.LogLevel = logLevel
	}
	if fs.Changed("application-type") {
		opts.cfg.ApplicationType = appType
	}
	if fs.Changed("max-frame-bytes") {
		opts.cfg.MaxFrameBytes = maxFrameBytes
	}

	if err := opts.cfg.Validate(); err != nil {
		return options{}, err
	}
	return opts, nil
}
