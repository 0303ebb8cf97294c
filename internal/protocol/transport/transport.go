package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/dbgwire/internal/protocol"
	"github.com/danmuck/dbgwire/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed  = errors.New("transport: closed")
	ErrNoHooks = errors.New("transport: hooks not installed")
)

// Stats counts traffic on one transport.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	DecodeErrors    uint64
}

// Transport carries framed packets over an input and an output stream.
//
// Invariants:
//   - Frames leave in the order Send was called.
//   - Nothing is read or written before Ready.
//   - Close is idempotent; OnClosed fires exactly once.
//   - Once closed, no further OnPacket calls are made.
type Transport struct {
	in     io.ReadCloser
	out    io.WriteCloser
	shared bool // in and out are the same handle
	remote string
	cfg    Config

	mu       sync.Mutex
	hooks    Hooks
	outgoing [][]byte
	writing  bool // the writer holds a batch taken from outgoing
	ready    bool
	closed   bool
	status   CloseStatus

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	closeOnce   sync.Once
	handlesOnce sync.Once
	notifyOnce  sync.Once

	// incoming is owned by the reader goroutine.
	incoming []byte

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	decodeErrors    atomic.Uint64
}

// New builds a transport over separate input and output handles.
func New(in io.ReadCloser, out io.WriteCloser, cfg Config) *Transport {
	return &Transport{
		in:   in,
		out:  out,
		cfg:  cfg.WithDefaults(),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// NewConn builds a transport over a single full-duplex connection.
func NewConn(conn net.Conn, cfg Config) *Transport {
	t := New(conn, conn, cfg)
	t.shared = true
	if addr := conn.RemoteAddr(); addr != nil {
		t.remote = addr.String()
	}
	return t
}

// Pipe returns the two ends of an in-process duplex channel.
func Pipe(cfg Config) (*Transport, *Transport) {
	a, b := net.Pipe()
	return NewConn(a, cfg), NewConn(b, cfg)
}

// RemoteAddr is the peer address when known, "" otherwise.
func (t *Transport) RemoteAddr() string {
	return t.remote
}

// SetHooks installs the packet and close callbacks. Call before Ready.
func (t *Transport) SetHooks(h Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = h
}

// Send frames p and queues it for the writer.
func (t *Transport) Send(p protocol.Packet) error {
	b, err := frame.Encode(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	idle := len(t.outgoing) == 0
	t.outgoing = append(t.outgoing, b)
	t.mu.Unlock()

	if idle {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Ready starts reading and flushes anything queued by earlier Sends.
func (t *Transport) Ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.hooks == nil {
		return ErrNoHooks
	}
	if t.ready {
		return nil
	}
	t.ready = true
	go t.writeLoop()
	go t.readLoop()
	return nil
}

// Close shuts both streams. Safe to call any number of times.
//
// Frames queued by earlier Sends on a ready transport are written before
// the streams close, bounded by Config.FlushTimeout. Frames queued before
// Ready are dropped.
func (t *Transport) Close() {
	t.shutdown(CloseStatus{Reason: ClosedLocally})
}

// Done is closed after OnClosed has returned.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Closed reports whether the transport has been shut down.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Status returns the close status once the transport has been shut down.
func (t *Transport) Status() (CloseStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.closed
}

func (t *Transport) Stats() Stats {
	return Stats{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		DecodeErrors:    t.decodeErrors.Load(),
	}
}

func (t *Transport) shutdown(status CloseStatus) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.status = status
		reading := t.ready
		flush := reading && status.Reason == ClosedLocally && (len(t.outgoing) > 0 || t.writing)
		if !flush {
			t.outgoing = nil
		}
		t.mu.Unlock()

		close(t.stop)
		if flush {
			// The writer closes the streams once the queue drains.
			time.AfterFunc(t.cfg.FlushTimeout, t.closeHandles)
		} else {
			t.closeHandles()
		}
		log.Debug().
			Str("remote", t.remote).
			Str("status", status.String()).
			Bool("flush", flush).
			Msg("transport closed")

		// The reader goroutine notifies once it has unwound so OnClosed
		// never overlaps an OnPacket call.
		if !reading {
			t.notifyClosed()
		}
	})
}

func (t *Transport) closeHandles() {
	t.handlesOnce.Do(func() {
		_ = t.in.Close()
		if !t.shared {
			_ = t.out.Close()
		}
	})
}

func (t *Transport) notifyClosed() {
	t.notifyOnce.Do(func() {
		t.mu.Lock()
		hooks := t.hooks
		status := t.status
		t.mu.Unlock()
		if hooks != nil {
			hooks.OnClosed(status)
		}
		close(t.done)
	})
}

func (t *Transport) writeLoop() {
	for {
		for {
			t.mu.Lock()
			batch := t.outgoing
			t.outgoing = nil
			t.writing = len(batch) > 0
			closed := t.closed
			t.mu.Unlock()
			if len(batch) == 0 {
				if closed {
					t.closeHandles()
					return
				}
				break
			}
			for _, b := range batch {
				if _, err := t.out.Write(b); err != nil {
					if !t.Closed() {
						t.shutdown(CloseStatus{Reason: ClosedOnError, Err: err})
					}
					t.closeHandles()
					return
				}
				t.packetsSent.Add(1)
				t.bytesSent.Add(uint64(len(b)))
			}
		}
		select {
		case <-t.stop:
		case <-t.wake:
		}
	}
}

func (t *Transport) readLoop() {
	defer t.notifyClosed()
	buf := make([]byte, t.cfg.ReadBufferBytes)
	for {
		n, err := t.in.Read(buf)
		if n > 0 {
			t.bytesReceived.Add(uint64(n))
			if ferr := t.feed(buf[:n]); ferr != nil {
				t.shutdown(CloseStatus{Reason: ClosedOnError, Err: ferr})
				return
			}
		}
		if err != nil {
			if t.Closed() {
				return
			}
			if errors.Is(err, io.EOF) {
				t.shutdown(CloseStatus{Reason: ClosedByPeer})
			} else {
				t.shutdown(CloseStatus{Reason: ClosedOnError, Err: err})
			}
			return
		}
	}
}

// feed appends chunk to the incoming buffer and delivers every complete
// frame. It returns an error only for unrecoverable framing failures.
func (t *Transport) feed(chunk []byte) error {
	t.incoming = append(t.incoming, chunk...)
	for !t.Closed() {
		pkt, n, err := frame.TryDecodeLimits(t.incoming, t.cfg.Limits)
		var decErr *frame.DecodeError
		switch {
		case errors.As(err, &decErr):
			t.incoming = t.incoming[n:]
			t.decodeErrors.Add(1)
			t.deliver(nil, err)
			continue
		case err != nil:
			return err
		case n == 0:
			if len(t.incoming) == 0 {
				t.incoming = nil
			}
			return nil
		}
		t.incoming = t.incoming[n:]
		t.packetsReceived.Add(1)
		t.deliver(pkt, nil)
	}
	return nil
}

func (t *Transport) deliver(pkt protocol.Packet, err error) {
	t.mu.Lock()
	hooks := t.hooks
	t.mu.Unlock()
	if hooks == nil {
		log.Debug().Str("remote", t.remote).Msg("transport dropped packet without hooks")
		return
	}
	hooks.OnPacket(pkt, err)
}
