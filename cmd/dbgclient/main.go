package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/dbgwire/internal/client"
	"github.com/danmuck/dbgwire/internal/logging"
	"github.com/danmuck/dbgwire/internal/protocol"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "dbgclient: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	var (
		addr     string
		wsURL    string
		requests []string
		timeout  time.Duration
		attempts int
		logLevel string
	)
	fs := pflag.NewFlagSet("dbgclient", pflag.ContinueOnError)
	fs.StringVarP(&addr, "addr", "a", "127.0.0.1:6080", "debugger address")
	fs.StringVar(&wsURL, "ws", "", "websocket URL, used instead of --addr when set")
	fs.StringArrayVarP(&requests, "request", "r", nil, "JSON packet to send, repeatable; stdin is read when absent")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	fs.IntVar(&attempts, "attempts", 1, "connect attempts, 0 retries forever")
	fs.StringVar(&logLevel, "log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logging.ConfigureRuntime()
	logging.SetLevel(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := client.DefaultConfig()
	cfg.MaxConnectAttempts = attempts
	var (
		c   *client.Client
		err error
	)
	if wsURL != "" {
		c, err = client.DialWebSocket(ctx, wsURL, cfg)
	} else {
		c, err = client.Dial(ctx, addr, cfg)
	}
	if err != nil {
		return err
	}
	defer c.Close()

	var source io.Reader = in
	if len(requests) > 0 {
		source = strings.NewReader(strings.Join(requests, "\n"))
	}
	return session(ctx, c, source, out, timeout)
}

// session prints the hello, then sends one packet per input line and prints
// each reply. Unsolicited packets are printed as they arrive.
func session(ctx context.Context, c *client.Client, in io.Reader, out io.Writer, timeout time.Duration) error {
	p := &printer{out: out}

	helloCtx, cancel := context.WithTimeout(ctx, timeout)
	hello, err := c.Hello(helloCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	p.print("hello", hello)

	events := make(chan struct{})
	go func() {
		defer close(events)
		for ev := range c.Events() {
			p.print("event", ev)
		}
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var pkt protocol.Packet
		if err := json.Unmarshal([]byte(line), &pkt); err != nil {
			return fmt.Errorf("parse request %q: %w", line, err)
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := c.Request(reqCtx, pkt)
		cancel()
		var perr *protocol.Error
		switch {
		case errors.As(err, &perr):
			p.print("error", reply)
		case err != nil:
			return err
		default:
			p.print("reply", reply)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	c.Close()
	<-events
	return nil
}

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) print(kind string, pkt protocol.Packet) {
	body, err := json.Marshal(pkt)
	if err != nil {
		body = []byte(fmt.Sprintf("%q", err.Error()))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", kind, body)
}
