package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/danmuck/dbgwire/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler upgrades each request to a websocket and runs it as a
// connection. Frames travel as binary messages; message boundaries carry
// no meaning, the stream is reassembled as bytes.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Initialized() {
			http.Error(w, "not initialized", http.StatusServiceUnavailable)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		t := transport.NewConn(websocket.NetConn(ctx, ws, websocket.MessageBinary), s.cfg.Transport)
		conn, err := s.AcceptConnection(t)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket connection not accepted")
			return
		}
		if conn == nil {
			return
		}
		select {
		case <-conn.Done():
		case <-ctx.Done():
			conn.Close()
			<-conn.Done()
		}
	})
}

// ServeWebSocket listens on addr and serves WebSocketHandler until the
// server shuts down. It returns once the listener is bound.
func (s *Server) ServeWebSocket(addr string) (net.Addr, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if s.ws != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyListening
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	srv := &http.Server{
		Handler:           s.WebSocketHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.ws = srv
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("websocket listener failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("websocket listening")
	return ln.Addr(), nil
}

func (s *Server) closeWebSocket(ctx context.Context) {
	s.mu.Lock()
	srv := s.ws
	s.ws = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
}
