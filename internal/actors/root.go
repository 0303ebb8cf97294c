package actors

import (
	"sync"

	"github.com/danmuck/dbgwire/internal/actor"
	"github.com/danmuck/dbgwire/internal/protocol"
	"github.com/danmuck/dbgwire/internal/server"
)

// ProtocolName is advertised in every hello.
const ProtocolName = "dbgwire"

// RootConfig is what the root actor tells peers about this server.
type RootConfig struct {
	ApplicationType string
	Traits          map[string]any
}

func DefaultRootConfig() RootConfig {
	return RootConfig{
		ApplicationType: "dbgwire",
		Traits:          map[string]any{"longStrings": true},
	}
}

// RootActor is the "root" actor every connection starts with.
type RootActor struct {
	actor.Base

	srv     *server.Server
	conn    *server.Connection
	cfg     RootConfig
	strings *stringCache

	mu      sync.Mutex
	globals *actor.Pool
	byName  map[string]actor.Actor
}

// NewRootFactory builds root actors for srv.
func NewRootFactory(srv *server.Server, cfg RootConfig) server.RootFactory {
	if cfg.ApplicationType == "" {
		cfg.ApplicationType = DefaultRootConfig().ApplicationType
	}
	return func(conn *server.Connection) server.RootActor {
		return &RootActor{
			srv:     srv,
			conn:    conn,
			cfg:     cfg,
			strings: newStringCache(),
			byName:  make(map[string]actor.Actor),
		}
	}
}

// SayHello is the first packet of every connection.
func (r *RootActor) SayHello() protocol.Packet {
	traits := make(map[string]any, len(r.cfg.Traits))
	for k, v := range r.cfg.Traits {
		traits[k] = v
	}
	return protocol.Packet{
		protocol.KeyFrom:  protocol.RootActorID,
		"applicationType": r.cfg.ApplicationType,
		"traits":          traits,
		"protocol":        ProtocolName,
	}
}

func (r *RootActor) RequestTypes() actor.RequestTypes {
	return actor.RequestTypes{
		"echo":       r.onEcho,
		"listActors": r.onListActors,
		"ping":       r.onPing,
	}
}

// onEcho returns value; long strings come back as grips.
func (r *RootActor) onEcho(req protocol.Packet) (protocol.Packet, error) {
	v := req["value"]
	if s, ok := v.(string); ok && IsLongString(s) {
		return protocol.Packet{"value": r.LongStringGrip(s)}, nil
	}
	return protocol.Packet{"value": v}, nil
}

func (r *RootActor) onPing(protocol.Packet) (protocol.Packet, error) {
	return protocol.Packet{"pong": true}, nil
}

// onListActors instantiates each global actor once for this connection,
// in a pool of their own, and maps names to ids.
func (r *RootActor) onListActors(protocol.Packet) (protocol.Packet, error) {
	ids := make(map[string]any)
	if r.srv == nil || r.srv.TransportOnly() {
		return protocol.Packet{"actors": ids}, nil
	}
	factories := r.srv.GlobalActorFactories()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.globals == nil {
		r.globals = actor.NewPool(r.conn)
		r.conn.AddActorPool(r.globals)
	}
	for _, f := range factories {
		a, ok := r.byName[f.Name]
		if !ok || actor.PoolOf(a) != r.globals {
			a = f.Factory(r.conn)
			r.globals.Add(a)
			r.byName[f.Name] = a
		}
		ids[f.Name] = actor.ID(a)
	}
	return protocol.Packet{"actors": ids}, nil
}

// LongStringGrip registers s with this connection and returns its grip.
// The same string always yields the same actor until it is released.
func (r *RootActor) LongStringGrip(s string) protocol.Packet {
	return r.strings.grip(s, r.conn.DefaultPool())
}
