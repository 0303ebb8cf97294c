package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/danmuck/dbgwire/internal/protocol"
	"github.com/danmuck/dbgwire/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed     = errors.New("client: closed")
	ErrNotStarted = errors.New("client: not started")
)

type result struct {
	pkt protocol.Packet
	err error
}

// Client talks to a debugging server. Replies are matched to requests per
// actor in FIFO order: a packet from actor X answers the oldest request
// still waiting on X. Anything else is an event.
type Client struct {
	tr  *transport.Transport
	cfg Config

	// cancel releases a websocket dial context, when there is one.
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	pending map[string][]chan result
	hello   protocol.Packet
	status  transport.CloseStatus

	helloReady chan struct{}
	events     chan protocol.Packet
	done       chan struct{}
}

// New wraps a transport that is not yet ready and installs the client as
// its hooks. Call Start to begin.
func New(t *transport.Transport, cfg Config) *Client {
	cfg = cfg.WithDefaults()
	c := &Client{
		tr:         t,
		cfg:        cfg,
		pending:    make(map[string][]chan result),
		helloReady: make(chan struct{}),
		events:     make(chan protocol.Packet, cfg.EventBuffer),
		done:       make(chan struct{}),
	}
	t.SetHooks(c)
	return c
}

// Dial connects over TCP, retrying with backoff, and starts the client.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			c := New(transport.NewConn(conn, cfg.Transport), cfg)
			if err := c.Start(); err != nil {
				return nil, err
			}
			return c, nil
		}
		log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("dial failed")
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}
		if err := sleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

// DialWebSocket connects to a server's websocket endpoint.
func DialWebSocket(ctx context.Context, url string, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer dialCancel()
	ws, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c := New(transport.NewConn(websocket.NetConn(connCtx, ws, websocket.MessageBinary), cfg.Transport), cfg)
	c.cancel = cancel
	if err := c.Start(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// Start begins reading; the hello is the first packet expected.
func (c *Client) Start() error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	if err := c.tr.Ready(); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Hello waits for the server's greeting.
func (c *Client) Hello(ctx context.Context) (protocol.Packet, error) {
	select {
	case <-c.helloReady:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.hello, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Request sends p and waits for the reply from p's target. An error reply
// is returned together with a *protocol.Error. A cancelled wait keeps its
// place in line so later replies still match their requests.
func (c *Client) Request(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	to := p.To()
	ch := make(chan result, 1)

	c.mu.Lock()
	switch {
	case !c.started:
		c.mu.Unlock()
		return nil, ErrNotStarted
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[to] = append(c.pending[to], ch)
	c.mu.Unlock()

	if err := c.tr.Send(p); err != nil {
		c.drop(to, ch)
		if errors.Is(err, transport.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}

	select {
	case res := <-ch:
		return res.pkt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send emits p without waiting for anything.
func (c *Client) Send(p protocol.Packet) error {
	if err := c.tr.Send(p); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Events carries unsolicited packets. It is closed with the client.
func (c *Client) Events() <-chan protocol.Packet {
	return c.events
}

// Close shuts the transport and waits for pending requests to fail.
func (c *Client) Close() {
	c.tr.Close()
	<-c.done
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Status is the transport close status once Done is closed.
func (c *Client) Status() transport.CloseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) drop(to string, ch chan result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.pending[to]
	for i, q := range queue {
		if q == ch {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.pending, to)
	} else {
		c.pending[to] = queue
	}
}

func (c *Client) OnPacket(pkt protocol.Packet, err error) {
	if err != nil {
		log.Warn().Err(err).Msg("client skipped malformed frame")
		return
	}
	from := pkt.From()

	c.mu.Lock()
	if c.hello == nil && from == protocol.RootActorID {
		c.hello = pkt
		c.mu.Unlock()
		close(c.helloReady)
		return
	}
	var waiter chan result
	if queue := c.pending[from]; len(queue) > 0 {
		waiter = queue[0]
		if len(queue) == 1 {
			delete(c.pending, from)
		} else {
			c.pending[from] = queue[1:]
		}
	}
	c.mu.Unlock()

	if waiter != nil {
		res := result{pkt: pkt}
		if kind := pkt.Error(); kind != "" {
			res.err = &protocol.Error{Kind: kind, Message: pkt.Message()}
		}
		waiter <- res
		return
	}
	select {
	case c.events <- pkt:
	default:
		log.Warn().Str("from", from).Msg("client event buffer full, dropping packet")
	}
}

func (c *Client) OnClosed(status transport.CloseStatus) {
	c.mu.Lock()
	c.closed = true
	c.status = status
	pending := c.pending
	c.pending = make(map[string][]chan result)
	c.mu.Unlock()

	for _, queue := range pending {
		for _, ch := range queue {
			ch <- result{err: ErrClosed}
		}
	}
	close(c.events)
	close(c.done)
	log.Debug().Str("status", status.String()).Msg("client closed")
}
