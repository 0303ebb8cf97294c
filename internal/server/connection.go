package server

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/dbgwire/internal/actor"
	"github.com/danmuck/dbgwire/internal/observability"
	"github.com/danmuck/dbgwire/internal/protocol"
	"github.com/danmuck/dbgwire/internal/protocol/frame"
	"github.com/danmuck/dbgwire/internal/protocol/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrConnectionClosed = errors.New("server: connection closed")

// State is the lifecycle position of a Connection.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a point-in-time view of one connection.
type ConnectionInfo struct {
	Prefix     string          `json:"prefix"`
	Session    string          `json:"session"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	State      string          `json:"state"`
	OpenedAt   time.Time       `json:"opened_at"`
	Pools      int             `json:"pools"`
	Actors     int             `json:"actors"`
	Pending    map[string]int  `json:"pending_replies,omitempty"`
	Stats      transport.Stats `json:"stats"`
}

// Connection routes packets from one transport to the actors it owns.
//
// Invariants:
//   - Dispatch happens only on the transport's reader goroutine.
//   - Once Closed, no handler runs and every pool has been torn down once.
type Connection struct {
	server    *Server
	prefix    string
	session   string
	transport *transport.Transport
	openedAt  time.Time

	mu      sync.Mutex
	state   State
	nextID  int
	pool    *actor.Pool
	pools   []*actor.Pool
	root    actor.Actor
	pending map[string]int

	// inflight is the actor whose handler is running; earlySettle records
	// a Send from it before the handler returned.
	inflight    string
	earlySettle bool
}

func newConnection(srv *Server, prefix string, t *transport.Transport) *Connection {
	c := &Connection{
		server:    srv,
		prefix:    prefix,
		session:   uuid.NewString(),
		transport: t,
		openedAt:  time.Now(),
		pending:   make(map[string]int),
	}
	c.pool = actor.NewPool(c)
	return c
}

// Prefix is the "conn<N>." namespace of every id allocated here.
func (c *Connection) Prefix() string { return c.prefix }

// Session is a random id that stays unique across server restarts.
func (c *Connection) Session() string { return c.session }

func (c *Connection) Server() *Server { return c.server }

func (c *Connection) Transport() *transport.Transport { return c.transport }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AllocID returns "<connPrefix><prefix><n>", with n counting from 1.
func (c *Connection) AllocID(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.prefix + prefix + strconv.Itoa(c.nextID)
}

// DefaultPool holds the root actor and anything added through AddActor.
func (c *Connection) DefaultPool() *actor.Pool { return c.pool }

// Root is the connection's root actor.
func (c *Connection) Root() actor.Actor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

func (c *Connection) AddActor(a actor.Actor) {
	c.pool.Add(a)
}

func (c *Connection) RemoveActor(a actor.Actor) {
	c.pool.RemoveActor(a)
}

// AddActorPool appends an auxiliary pool consulted after the default one.
func (c *Connection) AddActorPool(p *actor.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools = append(c.pools, p)
}

// RemoveActorPool drops the most recently added instance of p, tearing it
// down first when cleanup is set.
func (c *Connection) RemoveActorPool(p *actor.Pool, cleanup bool) {
	c.mu.Lock()
	idx := -1
	for i := len(c.pools) - 1; i >= 0; i-- {
		if c.pools[i] == p {
			idx = i
			break
		}
	}
	if idx >= 0 {
		c.pools = slices.Delete(c.pools, idx, idx+1)
	}
	c.mu.Unlock()
	if idx >= 0 && cleanup {
		p.Cleanup()
	}
}

// GetActor resolves id against the default pool, then the auxiliary pools
// in registration order, and finally "root".
func (c *Connection) GetActor(id string) (actor.Actor, bool) {
	if a, ok := c.pool.Get(id); ok {
		return a, true
	}
	c.mu.Lock()
	pools := slices.Clone(c.pools)
	root := c.root
	c.mu.Unlock()
	for _, p := range pools {
		if a, ok := p.Get(id); ok {
			return a, true
		}
	}
	if id == protocol.RootActorID && root != nil {
		return root, true
	}
	return nil, false
}

// Send queues p on the transport. Actors use it for unsolicited packets
// and deferred replies; a packet from an actor with a deferred reply
// outstanding settles the oldest one. A Send made while the actor's own
// handler is still running settles the reply that handler defers.
func (c *Connection) Send(p protocol.Packet) error {
	return c.send(p, true)
}

func (c *Connection) send(p protocol.Packet, settle bool) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if from := p.From(); settle {
		switch {
		case c.pending[from] > 0:
			c.pending[from]--
			if c.pending[from] == 0 {
				delete(c.pending, from)
			}
		case from != "" && from == c.inflight && !c.earlySettle:
			c.earlySettle = true
		}
	}
	c.mu.Unlock()

	if err := c.transport.Send(p); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrConnectionClosed
		}
		return err
	}
	observability.RecordPacket(observability.DirectionOut)
	if kind := p.Error(); kind != "" {
		observability.RecordProtocolError(string(kind))
	}
	return nil
}

// Close shuts the transport; teardown follows from OnClosed.
func (c *Connection) Close() {
	c.transport.Close()
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.transport.Done()
}

func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	info := ConnectionInfo{
		Prefix:     c.prefix,
		Session:    c.session,
		RemoteAddr: c.transport.RemoteAddr(),
		State:      c.state.String(),
		OpenedAt:   c.openedAt,
		Pools:      1 + len(c.pools),
		Actors:     c.pool.Len(),
		Stats:      c.transport.Stats(),
	}
	for _, p := range c.pools {
		info.Actors += p.Len()
	}
	if len(c.pending) > 0 {
		info.Pending = make(map[string]int, len(c.pending))
		for id, n := range c.pending {
			info.Pending[id] = n
		}
	}
	c.mu.Unlock()
	return info
}

// OnPacket dispatches one inbound packet to its target actor.
func (c *Connection) OnPacket(pkt protocol.Packet, err error) {
	if err != nil {
		var decErr *frame.DecodeError
		if errors.As(err, &decErr) {
			log.Warn().Str("conn", c.prefix).Int("length", decErr.Length).Err(decErr.Err).Msg("skipping malformed frame")
		} else {
			log.Warn().Str("conn", c.prefix).Err(err).Msg("skipping malformed frame")
		}
		observability.RecordFrameError("body")
		return
	}
	if c.State() == StateClosed {
		return
	}
	observability.RecordPacket(observability.DirectionIn)

	to := pkt.To()
	target, ok := c.GetActor(to)
	if !ok {
		from := to
		if from == "" {
			from = protocol.RootActorID
		}
		c.reply(protocol.ErrorPacket(from, protocol.ErrNoSuchActor, ""))
		return
	}

	id := actor.ID(target)
	typ := pkt.Type()
	handler, ok := target.RequestTypes()[typ]
	if !ok {
		c.reply(protocol.ErrorPacket(id, protocol.ErrUnrecognizedPacketType,
			fmt.Sprintf("Actor %q does not recognize the packet type %q", id, typ)))
		return
	}

	c.mu.Lock()
	c.inflight, c.earlySettle = id, false
	c.mu.Unlock()

	start := time.Now()
	resp, herr := c.invoke(id, handler, pkt)
	observability.RecordDispatch(typ, time.Since(start))

	c.mu.Lock()
	settled := c.earlySettle
	c.inflight, c.earlySettle = "", false
	if errors.Is(herr, actor.ReplyLater) && !settled && c.state != StateClosed {
		c.pending[id]++
	}
	c.mu.Unlock()

	switch {
	case errors.Is(herr, actor.ReplyLater):
		return
	case herr != nil:
		var perr *protocol.Error
		if errors.As(herr, &perr) {
			c.reply(perr.Packet(id))
			return
		}
		log.Error().Str("conn", c.prefix).Str("actor", id).Str("type", typ).Err(herr).Msg("request failed")
		c.reply(protocol.ErrorPacket(id, protocol.ErrUnknownError,
			fmt.Sprintf("error occurred while processing '%s' request: %v", typ, herr)))
		return
	}

	if resp == nil {
		resp = protocol.Packet{}
	}
	if !resp.Has(protocol.KeyFrom) {
		resp = resp.With(protocol.KeyFrom, id)
	}
	c.reply(resp)
}

// invoke runs h, turning a panic into an error.
func (c *Connection) invoke(id string, h actor.Handler, pkt protocol.Packet) (resp protocol.Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("conn", c.prefix).
				Str("actor", id).
				Str("type", pkt.Type()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("request handler panicked")
			resp, err = nil, fmt.Errorf("%v", r)
		}
	}()
	return h(pkt)
}

func (c *Connection) reply(p protocol.Packet) {
	if err := c.send(p, false); err != nil && !errors.Is(err, ErrConnectionClosed) {
		log.Error().Str("conn", c.prefix).Err(err).Msg("reply not sent")
	}
}

// OnClosed tears every pool down and leaves the server table.
func (c *Connection) OnClosed(status transport.CloseStatus) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	pools := c.pools
	c.pools = nil
	pending := c.pending
	c.pending = make(map[string]int)
	c.mu.Unlock()

	event := log.Info()
	if !status.Clean() {
		event = log.Warn().Err(status.Err)
	}
	switch {
	case errors.Is(status.Err, frame.ErrMalformedPrefix):
		observability.RecordFrameError("prefix")
	case errors.Is(status.Err, frame.ErrFrameTooLarge):
		observability.RecordFrameError("too_large")
	}
	event.Str("conn", c.prefix).Str("session", c.session).Str("status", status.String()).Msg("connection closed")
	for id, n := range pending {
		log.Warn().Str("conn", c.prefix).Str("actor", id).Int("pending", n).Msg("discarding deferred replies")
	}

	c.pool.Cleanup()
	for _, p := range pools {
		p.Cleanup()
	}
	if c.server != nil {
		c.server.connectionClosed(c)
	}
}
