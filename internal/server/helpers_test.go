package server

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/dbgwire/internal/actor"
	"github.com/danmuck/dbgwire/internal/protocol"
	"github.com/danmuck/dbgwire/internal/protocol/transport"
)

type testRoot struct {
	actor.Base
	deferred chan protocol.Packet
}

func newTestRoot(conn *Connection) RootActor {
	return &testRoot{deferred: make(chan protocol.Packet, 8)}
}

func (r *testRoot) SayHello() protocol.Packet {
	return protocol.Packet{"from": protocol.RootActorID, "applicationType": "test"}
}

func (r *testRoot) RequestTypes() actor.RequestTypes {
	return actor.RequestTypes{
		"echo": func(req protocol.Packet) (protocol.Packet, error) {
			return protocol.Packet{"value": req["value"]}, nil
		},
		"empty": func(protocol.Packet) (protocol.Packet, error) {
			return nil, nil
		},
		"fail": func(protocol.Packet) (protocol.Packet, error) {
			return nil, protocol.NewError(protocol.ErrWrongState, "not now")
		},
		"boom": func(protocol.Packet) (protocol.Packet, error) {
			return nil, errors.New("kaput")
		},
		"panic": func(protocol.Packet) (protocol.Packet, error) {
			panic("oh no")
		},
		"later": func(req protocol.Packet) (protocol.Packet, error) {
			r.deferred <- req
			return nil, actor.ReplyLater
		},
		"replyFirst": func(req protocol.Packet) (protocol.Packet, error) {
			sent := make(chan error, 1)
			go func() { sent <- r.Send(protocol.Packet{"token": req["token"]}) }()
			if err := <-sent; err != nil {
				return nil, err
			}
			return nil, actor.ReplyLater
		},
		"spawn": func(protocol.Packet) (protocol.Packet, error) {
			child := &childActor{Base: actor.Base{Prefix: "child"}}
			r.Conn().(*Connection).AddActor(child)
			return protocol.Packet{"actor": child.ActorID()}, nil
		},
	}
}

type childActor struct {
	actor.Base
	disconnects atomic.Int64
}

func (c *childActor) RequestTypes() actor.RequestTypes {
	return actor.RequestTypes{
		"whoami": func(protocol.Packet) (protocol.Packet, error) {
			return protocol.Packet{"id": c.ActorID()}, nil
		},
	}
}

func (c *childActor) Disconnect() {
	c.disconnects.Add(1)
}

func newTestServer(t *testing.T, policy Policy) *Server {
	t.Helper()
	srv := New(DefaultConfig(), newTestRoot)
	srv.Init(policy)
	return srv
}

// peer is the client end of a connection, collecting what the server sends.
type peer struct {
	t       *testing.T
	tr      *transport.Transport
	packets chan protocol.Packet
	closed  chan transport.CloseStatus
}

func newPeer(t *testing.T, tr *transport.Transport) *peer {
	t.Helper()
	p := &peer{
		t:       t,
		tr:      tr,
		packets: make(chan protocol.Packet, 64),
		closed:  make(chan transport.CloseStatus, 1),
	}
	tr.SetHooks(transport.HookFuncs{
		Packet: func(pkt protocol.Packet, err error) {
			if err == nil {
				p.packets <- pkt
			}
		},
		Closed: func(status transport.CloseStatus) {
			p.closed <- status
		},
	})
	if err := tr.Ready(); err != nil {
		t.Fatalf("peer ready: %v", err)
	}
	t.Cleanup(tr.Close)
	return p
}

func pipePeer(t *testing.T, srv *Server) *peer {
	t.Helper()
	tr, err := srv.ConnectPipe()
	if err != nil {
		t.Fatalf("connect pipe: %v", err)
	}
	p := newPeer(t, tr)
	if hello := p.next(); hello.From() != protocol.RootActorID {
		t.Fatalf("expected hello first, got %#v", hello)
	}
	return p
}

func (p *peer) next() protocol.Packet {
	p.t.Helper()
	select {
	case pkt := <-p.packets:
		return pkt
	case <-time.After(2 * time.Second):
		p.t.Fatalf("timed out waiting for packet")
		return nil
	}
}

func (p *peer) expectNone() {
	p.t.Helper()
	select {
	case pkt := <-p.packets:
		p.t.Fatalf("unexpected packet %#v", pkt)
	case <-time.After(50 * time.Millisecond):
	}
}

func (p *peer) request(pkt protocol.Packet) protocol.Packet {
	p.t.Helper()
	if err := p.tr.Send(pkt); err != nil {
		p.t.Fatalf("send: %v", err)
	}
	return p.next()
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s to close", c.Prefix())
	}
}

func onlyConnection(t *testing.T, srv *Server) *Connection {
	t.Helper()
	conns := srv.Connections()
	if len(conns) != 1 {
		t.Fatalf("expected one connection, got %d", len(conns))
	}
	return conns[0]
}
