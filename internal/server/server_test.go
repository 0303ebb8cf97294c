package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/dbgwire/internal/actor"
	"github.com/danmuck/dbgwire/internal/protocol"
	"github.com/danmuck/dbgwire/internal/protocol/frame"
	"github.com/danmuck/dbgwire/internal/protocol/transport"
	"github.com/danmuck/dbgwire/internal/testutil/testlog"
)

// readPacket pulls exactly one frame off a raw stream.
func readPacket(t *testing.T, c net.Conn, buf *[]byte) protocol.Packet {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	chunk := make([]byte, 4096)
	for {
		pkt, n, err := frame.TryDecode(*buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n > 0 {
			*buf = (*buf)[n:]
			return pkt
		}
		m, err := c.Read(chunk)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		*buf = append(*buf, chunk[:m]...)
	}
}

func TestNotInitialized(t *testing.T) {
	testlog.Start(t)
	srv := New(DefaultConfig(), newTestRoot)
	if err := srv.OpenListener(0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := srv.ConnectPipe(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if srv.Destroy() {
		t.Fatalf("destroy should fail on an uninitialized server")
	}
}

func TestInitIsIdempotent(t *testing.T) {
	testlog.Start(t)
	srv := New(DefaultConfig(), newTestRoot)
	srv.Init(DenyAll)
	srv.Init(AllowAll)
	if _, err := srv.ConnectPipe(); !errors.Is(err, ErrRefused) {
		t.Fatalf("second Init should not replace the policy, got %v", err)
	}

	transportOnly := New(DefaultConfig(), newTestRoot)
	transportOnly.InitTransport(nil)
	if !transportOnly.TransportOnly() {
		t.Fatalf("expected transport-only server")
	}
	_ = pipePeer(t, transportOnly)
}

func TestAdmissionPolicy(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, DenyAll)
	if _, err := srv.ConnectPipe(); !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
	if srv.ConnectionCount() != 0 {
		t.Fatalf("refused connection registered")
	}

	limited := New(DefaultConfig(), newTestRoot)
	limited.Init(MaxConnections(limited, 1))
	_ = pipePeer(t, limited)
	if _, err := limited.ConnectPipe(); !errors.Is(err, ErrRefused) {
		t.Fatalf("expected second connection refused, got %v", err)
	}
}

func TestRefusedSocketGetsNoPacket(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, DenyAll)
	if err := srv.OpenListener(0); err != nil {
		t.Fatalf("open listener: %v", err)
	}
	defer srv.CloseListener()

	c, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(make([]byte, 16))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected silent close, got n=%d err=%v", n, err)
	}
}

func TestListenerLifecycle(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, nil)
	if err := srv.OpenListener(0); err != nil {
		t.Fatalf("open listener: %v", err)
	}
	addr, ok := srv.ListenAddr().(*net.TCPAddr)
	if !ok || !addr.IP.IsLoopback() {
		t.Fatalf("expected loopback listener, got %v", srv.ListenAddr())
	}
	if err := srv.OpenListener(0); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("expected ErrAlreadyListening, got %v", err)
	}
	if !srv.CloseListener() {
		t.Fatalf("expected listener closed")
	}
	if srv.CloseListener() {
		t.Fatalf("second close should report nothing to close")
	}
	if srv.ListenAddr() != nil {
		t.Fatalf("listen addr after close")
	}

	cfg := DefaultConfig()
	cfg.RemoteEnabled = false
	disabled := New(cfg, newTestRoot)
	disabled.Init(nil)
	if err := disabled.OpenListener(0); !errors.Is(err, ErrRemoteDisabled) {
		t.Fatalf("expected ErrRemoteDisabled, got %v", err)
	}
}

func TestEchoOverTCP(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, nil)
	if err := srv.OpenListener(0); err != nil {
		t.Fatalf("open listener: %v", err)
	}
	defer srv.CloseListener()

	c, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := newPeer(t, transport.NewConn(c, transport.DefaultConfig()))
	if hello := p.next(); hello.From() != "root" || hello["applicationType"] != "test" {
		t.Fatalf("unexpected hello: %#v", hello)
	}
	got := p.request(protocol.Packet{"to": "root", "type": "echo", "value": 42})
	if got.From() != "root" || got["value"] != float64(42) {
		t.Fatalf("unexpected reply: %#v", got)
	}
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, nil)
	if err := srv.OpenListener(0); err != nil {
		t.Fatalf("open listener: %v", err)
	}
	defer srv.CloseListener()

	c, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	var buf []byte
	if hello := readPacket(t, c, &buf); hello.From() != "root" {
		t.Fatalf("unexpected hello: %#v", hello)
	}

	echo, err := frame.Encode(protocol.Packet{"to": "root", "type": "echo", "value": "after"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Write(append([]byte("7:{broken"), echo...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readPacket(t, c, &buf); got["value"] != "after" {
		t.Fatalf("stream blocked by malformed frame: %#v", got)
	}
}

func TestMalformedPrefixClosesConnection(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, nil)
	if err := srv.OpenListener(0); err != nil {
		t.Fatalf("open listener: %v", err)
	}
	defer srv.CloseListener()

	c, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	var buf []byte
	_ = readPacket(t, c, &buf)
	conn := onlyConnection(t, srv)

	if _, err := c.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitClosed(t, conn)
	if srv.ConnectionCount() != 0 {
		t.Fatalf("connection not removed")
	}
}

func TestDestroy(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, nil)
	if err := srv.AddGlobalActor("console", func(*Connection) actor.Actor { return &childActor{} }); err != nil {
		t.Fatalf("add global: %v", err)
	}
	p := pipePeer(t, srv)
	if srv.Destroy() {
		t.Fatalf("destroy must refuse while connections are open")
	}

	conn := onlyConnection(t, srv)
	p.tr.Close()
	waitClosed(t, conn)
	if !srv.Destroy() {
		t.Fatalf("destroy should succeed with no connections")
	}
	if srv.Initialized() || len(srv.GlobalActorFactories()) != 0 {
		t.Fatalf("destroy left state behind")
	}

	srv.Init(nil)
	_ = pipePeer(t, srv)
	if onlyConnection(t, srv).Prefix() != "conn0." {
		t.Fatalf("prefix counter not reset")
	}
}

func TestGlobalActorRegistry(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, nil)
	factory := func(*Connection) actor.Actor { return &childActor{} }

	for _, name := range []string{"from", "tabs", "selected"} {
		if err := srv.AddGlobalActor(name, factory); !errors.Is(err, ErrReservedName) {
			t.Fatalf("%s: expected ErrReservedName, got %v", name, err)
		}
	}
	if err := srv.AddGlobalActor("console", factory); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := srv.AddGlobalActor("profiler", factory); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := srv.AddGlobalActor("console", factory); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	got := srv.GlobalActorFactories()
	if len(got) != 2 || got[0].Name != "console" || got[1].Name != "profiler" {
		t.Fatalf("unexpected registry: %+v", got)
	}
	if !srv.RemoveGlobalActor("console") || srv.RemoveGlobalActor("console") {
		t.Fatalf("remove should report presence once")
	}
	if got := srv.GlobalActorFactories(); len(got) != 1 || got[0].Name != "profiler" {
		t.Fatalf("unexpected registry after remove: %+v", got)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, nil)
	if err := srv.OpenListener(0); err != nil {
		t.Fatalf("open listener: %v", err)
	}
	a := pipePeer(t, srv)
	b := pipePeer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.ConnectionCount() != 0 || srv.ListenAddr() != nil {
		t.Fatalf("shutdown left connections or listener")
	}
	for _, p := range []*peer{a, b} {
		select {
		case status := <-p.closed:
			if status.Reason != transport.ClosedByPeer {
				t.Fatalf("unexpected client status %s", status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client not closed")
		}
	}
}

func TestShutdownRefusesLateConnections(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if _, err := srv.ConnectPipe(); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	serverSide, clientSide := transport.Pipe(transport.DefaultConfig())
	late := newPeer(t, clientSide)
	if conn, err := srv.AcceptConnection(serverSide); conn != nil || !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected late accept to fail, got %v, %v", conn, err)
	}
	select {
	case <-late.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("late transport left open")
	}
	if srv.ConnectionCount() != 0 {
		t.Fatalf("late connection registered")
	}

	if !srv.Destroy() {
		t.Fatalf("destroy after shutdown should reset")
	}
	srv.Init(nil)
	pipePeer(t, srv)
	if srv.ConnectionCount() != 1 {
		t.Fatalf("expected reinitialized server to admit")
	}
}
