package actor

import (
	"reflect"
	"strconv"
	"sync"
	"testing"

	"github.com/danmuck/dbgwire/internal/protocol"
	"github.com/danmuck/dbgwire/internal/testutil/testlog"
)

type fakeConn struct {
	mu    sync.Mutex
	next  int
	sent  []protocol.Packet
	pools []*Pool
}

func (c *fakeConn) Prefix() string { return "conn0." }

func (c *fakeConn) AllocID(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return c.Prefix() + prefix + strconv.Itoa(c.next)
}

func (c *fakeConn) Send(p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeConn) AddActorPool(p *Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools = append(c.pools, p)
}

func (c *fakeConn) RemoveActorPool(p *Pool, cleanup bool) {
	if cleanup {
		p.Cleanup()
	}
}

type plainActor struct {
	Base
}

func (a *plainActor) RequestTypes() RequestTypes { return nil }

type cleanupActor struct {
	Base
	disconnects int
	onDisconnect func()
}

func (a *cleanupActor) RequestTypes() RequestTypes { return nil }

func (a *cleanupActor) Disconnect() {
	a.disconnects++
	if a.onDisconnect != nil {
		a.onDisconnect()
	}
}

func TestPoolAssignsIDs(t *testing.T) {
	testlog.Start(t)
	conn := &fakeConn{}
	pool := NewPool(conn)
	a := &plainActor{Base: Base{Prefix: "thread"}}
	b := &plainActor{Base: Base{Prefix: "thread"}}
	pool.Add(a)
	pool.Add(b)

	if a.ActorID() != "conn0.thread1" || b.ActorID() != "conn0.thread2" {
		t.Fatalf("unexpected ids: %q %q", a.ActorID(), b.ActorID())
	}
	if a.Conn() != Conn(conn) || a.Pool() != pool {
		t.Fatalf("back references not set")
	}
	if got := pool.IDs(); !reflect.DeepEqual(got, []string{"conn0.thread1", "conn0.thread2"}) {
		t.Fatalf("unexpected ids: %v", got)
	}
	if got, ok := pool.Get("conn0.thread2"); !ok || got != Actor(b) {
		t.Fatalf("lookup failed")
	}
}

func TestPoolKeepsFixedID(t *testing.T) {
	testlog.Start(t)
	pool := NewPool(&fakeConn{})
	root := &plainActor{}
	root.SetActorID(protocol.RootActorID)
	pool.Add(root)
	if !pool.Has("root") || root.ActorID() != "root" {
		t.Fatalf("fixed id not kept: %q", root.ActorID())
	}
}

func TestPoolReparent(t *testing.T) {
	testlog.Start(t)
	conn := &fakeConn{}
	first, second := NewPool(conn), NewPool(conn)
	a := &cleanupActor{Base: Base{Prefix: "obj"}}
	first.Add(a)
	second.Add(a)

	if first.Has(a.ActorID()) || !first.IsEmpty() {
		t.Fatalf("actor still registered with previous pool")
	}
	if !second.Has(a.ActorID()) || PoolOf(a) != second {
		t.Fatalf("actor not registered with new pool")
	}
	first.Cleanup()
	if a.disconnects != 0 {
		t.Fatalf("old pool ran cleanup for a re-parented actor")
	}
	second.Cleanup()
	if a.disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", a.disconnects)
	}
}

func TestPoolCleanupOnce(t *testing.T) {
	testlog.Start(t)
	pool := NewPool(&fakeConn{})
	a := &cleanupActor{Base: Base{Prefix: "obj"}}
	p := &plainActor{Base: Base{Prefix: "obj"}}
	pool.Add(a)
	pool.Add(p)

	pool.Cleanup()
	pool.Cleanup()
	if a.disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", a.disconnects)
	}
	if !pool.IsEmpty() || a.Pool() != nil || p.Pool() != nil {
		t.Fatalf("pool not cleared after cleanup")
	}
}

func TestPoolCleanupHookRemovesSibling(t *testing.T) {
	testlog.Start(t)
	pool := NewPool(&fakeConn{})
	a := &cleanupActor{Base: Base{Prefix: "a"}}
	b := &cleanupActor{Base: Base{Prefix: "b"}}
	pool.Add(a)
	pool.Add(b)
	// a sorts first; its hook unregisters b, so b's hook must not run.
	a.onDisconnect = func() { pool.RemoveActor(b) }

	pool.Cleanup()
	if a.disconnects != 1 || b.disconnects != 0 {
		t.Fatalf("unexpected disconnects a=%d b=%d", a.disconnects, b.disconnects)
	}
}

func TestPoolCleanupHookRemovesItself(t *testing.T) {
	testlog.Start(t)
	pool := NewPool(&fakeConn{})
	a := &cleanupActor{Base: Base{Prefix: "a"}}
	pool.Add(a)
	a.onDisconnect = func() { pool.Remove(a.ActorID()) }

	pool.Cleanup()
	if a.disconnects != 1 || !pool.IsEmpty() {
		t.Fatalf("unexpected state disconnects=%d len=%d", a.disconnects, pool.Len())
	}
}

func TestPoolRemove(t *testing.T) {
	testlog.Start(t)
	pool := NewPool(&fakeConn{})
	a := &cleanupActor{Base: Base{Prefix: "obj"}}
	pool.Add(a)
	pool.Remove(a.ActorID())
	pool.Remove("conn0.missing")
	pool.Cleanup()
	if a.disconnects != 0 || a.Pool() != nil {
		t.Fatalf("removed actor still owned: disconnects=%d", a.disconnects)
	}
}

func TestBaseSendStampsFrom(t *testing.T) {
	testlog.Start(t)
	conn := &fakeConn{}
	a := &plainActor{Base: Base{Prefix: "obj"}}
	if err := a.Send(protocol.Packet{"x": 1}); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	NewPool(conn).Add(a)
	if err := a.Send(protocol.Packet{"x": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send(protocol.Packet{"from": "other"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if conn.sent[0].From() != "conn0.obj1" || conn.sent[1].From() != "other" {
		t.Fatalf("unexpected from fields: %#v", conn.sent)
	}
}
