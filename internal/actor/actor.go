package actor

import (
	"errors"
	"sync"

	"github.com/danmuck/dbgwire/internal/protocol"
)

// ReplyLater is returned by a Handler that will send its reply itself,
// through Base.Send, once it has one.
var ReplyLater = errors.New("actor: reply later")

var ErrNotRegistered = errors.New("actor: not registered with a connection")

// Handler serves one request type. A *protocol.Error is sent to the peer
// as is; any other error is reported as unknownError.
type Handler func(req protocol.Packet) (protocol.Packet, error)

// RequestTypes maps a packet type to its handler.
type RequestTypes map[string]Handler

// Actor is an addressable protocol endpoint. Implementations embed Base.
type Actor interface {
	RequestTypes() RequestTypes
	base() *Base
}

// Cleanup is implemented by actors that hold resources beyond their pool.
type Cleanup interface {
	Disconnect()
}

// Conn is the connection side an actor needs: id allocation, sending and
// pool registration.
type Conn interface {
	Prefix() string
	AllocID(prefix string) string
	Send(p protocol.Packet) error
	AddActorPool(p *Pool)
	RemoveActorPool(p *Pool, cleanup bool)
}

// Base carries identity and ownership for an actor.
type Base struct {
	// Prefix is folded into auto-assigned ids: conn0.<Prefix><n>.
	Prefix string

	mu   sync.Mutex
	id   string
	conn Conn
	pool *Pool
}

func (b *Base) base() *Base { return b }

func (b *Base) ActorID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// SetActorID fixes the id before the actor is pooled. Pools never
// reassign an id that is already set.
func (b *Base) SetActorID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id = id
}

func (b *Base) ActorPrefix() string { return b.Prefix }

// Conn is the owning connection, nil until the actor is pooled.
func (b *Base) Conn() Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// Pool is the pool the actor is currently registered with, or nil.
func (b *Base) Pool() *Pool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pool
}

// Send emits an unsolicited packet or a deferred reply from this actor.
// The from field is filled in when absent.
func (b *Base) Send(p protocol.Packet) error {
	b.mu.Lock()
	conn, id := b.conn, b.id
	b.mu.Unlock()
	if conn == nil {
		return ErrNotRegistered
	}
	if !p.Has(protocol.KeyFrom) {
		p = p.With(protocol.KeyFrom, id)
	}
	return conn.Send(p)
}

// ID returns the id of any actor.
func ID(a Actor) string {
	return a.base().ActorID()
}

// SetID fixes the id of any actor.
func SetID(a Actor, id string) {
	a.base().SetActorID(id)
}

// PoolOf returns the pool a is registered with, or nil.
func PoolOf(a Actor) *Pool {
	return a.base().Pool()
}
