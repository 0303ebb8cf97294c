package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/danmuck/dbgwire/internal/actor"
	"github.com/danmuck/dbgwire/internal/observability"
	"github.com/danmuck/dbgwire/internal/protocol"
	"github.com/danmuck/dbgwire/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInitialized   = errors.New("server: not initialized")
	ErrRemoteDisabled   = errors.New("server: remote connections disabled")
	ErrAlreadyListening = errors.New("server: already listening")
	ErrRefused          = errors.New("server: connection refused by policy")
	ErrReservedName     = errors.New("server: reserved global actor name")
	ErrDuplicateName    = errors.New("server: global actor already registered")
	ErrNoRootFactory    = errors.New("server: no root actor factory")
	ErrShuttingDown     = errors.New("server: shutting down")
)

// RootActor is the first actor of every connection. Its hello packet is
// the first thing the peer receives.
type RootActor interface {
	actor.Actor
	SayHello() protocol.Packet
}

// RootFactory builds the root actor for a new connection. It runs with the
// connection table locked and must not call back into the Server.
type RootFactory func(conn *Connection) RootActor

// GlobalActorFactory builds one instance of a global actor for a connection.
type GlobalActorFactory func(conn *Connection) actor.Actor

// Names the root actor already uses in its listActors reply.
var reservedGlobalNames = []string{"from", "tabs", "selected"}

// Server admits connections and gives each a root actor.
type Server struct {
	cfg  Config
	root RootFactory

	mu            sync.Mutex
	initialized   bool
	transportOnly bool
	shuttingDown  bool
	policy        Policy
	conns         map[string]*Connection
	nextConn      int
	globals       map[string]GlobalActorFactory
	globalOrder   []string

	listener net.Listener
	ws       *http.Server
	wg       sync.WaitGroup
}

func New(cfg Config, root RootFactory) *Server {
	return &Server{
		cfg:     cfg.WithDefaults(),
		root:    root,
		globals: make(map[string]GlobalActorFactory),
	}
}

func (s *Server) Config() Config { return s.cfg }

// SetRootFactory replaces the root factory; for factories that need the
// server itself.
func (s *Server) SetRootFactory(root RootFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = root
}

// Init stores the admission policy and prepares the connection table.
// Later calls are no-ops. A nil policy admits everything.
func (s *Server) Init(policy Policy) {
	s.init(policy, false)
}

// InitTransport is Init for embedders that only need the transport
// layer; global actors are not offered to peers.
func (s *Server) InitTransport(policy Policy) {
	s.init(policy, true)
}

func (s *Server) init(policy Policy, transportOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return
	}
	if policy == nil {
		policy = AllowAll
	}
	s.initialized = true
	s.transportOnly = transportOnly
	s.shuttingDown = false
	s.policy = policy
	s.conns = make(map[string]*Connection)
	s.nextConn = 0
	log.Debug().Bool("transport_only", transportOnly).Msg("server initialized")
}

func (s *Server) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// TransportOnly reports whether the server was set up with InitTransport.
// Root actors then advertise no global actors.
func (s *Server) TransportOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportOnly
}

// ConnectPipe wires a fresh in-process connection and returns the client
// end. The client transport is not ready: install hooks, then call Ready.
func (s *Server) ConnectPipe() (*transport.Transport, error) {
	if !s.Initialized() {
		return nil, ErrNotInitialized
	}
	serverSide, clientSide := transport.Pipe(s.cfg.Transport)
	conn, err := s.AcceptConnection(serverSide)
	if err != nil {
		clientSide.Close()
		return nil, err
	}
	if conn == nil {
		clientSide.Close()
		return nil, ErrRefused
	}
	return clientSide, nil
}

// AcceptConnection admits t, registers a new Connection with its root
// actor, sends the hello and starts reading. A refused transport is
// closed without a word and nil is returned.
func (s *Server) AcceptConnection(t *transport.Transport) (*Connection, error) {
	s.mu.Lock()
	if err := s.admissibleLocked(); err != nil {
		s.mu.Unlock()
		t.Close()
		return nil, err
	}
	policy, rootFactory := s.policy, s.root
	s.mu.Unlock()
	if rootFactory == nil {
		t.Close()
		return nil, ErrNoRootFactory
	}

	if !policy() {
		observability.RecordConnection(observability.ConnRefused)
		log.Info().Str("remote", t.RemoteAddr()).Msg("connection refused by policy")
		t.Close()
		return nil, nil
	}

	s.mu.Lock()
	if err := s.admissibleLocked(); err != nil {
		s.mu.Unlock()
		t.Close()
		return nil, err
	}
	prefix := "conn" + strconv.Itoa(s.nextConn) + "."
	s.nextConn++
	conn := newConnection(s, prefix, t)
	t.SetHooks(conn)
	root := rootFactory(conn)
	actor.SetID(root, protocol.RootActorID)
	conn.root = root
	conn.pool.Add(root)
	s.conns[prefix] = conn
	s.mu.Unlock()

	observability.RecordConnection(observability.ConnAccepted)
	observability.ConnectionOpened()
	log.Info().Str("conn", prefix).Str("session", conn.session).Str("remote", t.RemoteAddr()).Msg("connection accepted")

	if err := conn.send(root.SayHello(), false); err != nil {
		t.Close()
		return nil, fmt.Errorf("server: send hello: %w", err)
	}
	if err := t.Ready(); err != nil {
		t.Close()
		return nil, fmt.Errorf("server: start transport: %w", err)
	}
	return conn, nil
}

func (s *Server) admissibleLocked() error {
	switch {
	case !s.initialized:
		return ErrNotInitialized
	case s.shuttingDown:
		return ErrShuttingDown
	}
	return nil
}

func (s *Server) connectionClosed(c *Connection) {
	s.mu.Lock()
	cur, ok := s.conns[c.prefix]
	if ok && cur == c {
		delete(s.conns, c.prefix)
	}
	s.mu.Unlock()
	if ok && cur == c {
		observability.ConnectionClosed()
	}
}

// Connections returns the open connections ordered by prefix.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].prefix < out[j].prefix })
	return out
}

func (s *Server) Connection(prefix string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[prefix]
	return c, ok
}

func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// AddGlobalActor registers a factory instantiated once per connection
// on demand (see the root actor's listActors).
func (s *Server) AddGlobalActor(name string, factory GlobalActorFactory) error {
	if slices.Contains(reservedGlobalNames, name) {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.globals[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	s.globals[name] = factory
	s.globalOrder = append(s.globalOrder, name)
	return nil
}

// RemoveGlobalActor reports whether name was registered.
func (s *Server) RemoveGlobalActor(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.globals[name]; !ok {
		return false
	}
	delete(s.globals, name)
	s.globalOrder = slices.DeleteFunc(s.globalOrder, func(n string) bool { return n == name })
	return true
}

// NamedFactory pairs a global actor name with its factory.
type NamedFactory struct {
	Name    string
	Factory GlobalActorFactory
}

// GlobalActorFactories returns the registered factories in registration
// order.
func (s *Server) GlobalActorFactories() []NamedFactory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NamedFactory, 0, len(s.globalOrder))
	for _, name := range s.globalOrder {
		out = append(out, NamedFactory{Name: name, Factory: s.globals[name]})
	}
	return out
}

// Destroy resets the server once no connection is left. It reports
// whether the reset happened.
func (s *Server) Destroy() bool {
	s.mu.Lock()
	if !s.initialized || len(s.conns) > 0 {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.CloseListener()
	s.closeWebSocket(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.transportOnly = false
	s.shuttingDown = false
	s.policy = nil
	s.conns = nil
	s.globals = make(map[string]GlobalActorFactory)
	s.globalOrder = nil
	log.Debug().Msg("server destroyed")
	return true
}

// Shutdown stops listening, closes every connection and waits for their
// teardown or ctx. Connections arriving after it starts are refused with
// ErrShuttingDown until Destroy resets the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	s.CloseListener()
	s.closeWebSocket(ctx)

	conns := s.Connections()
	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
