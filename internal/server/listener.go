package server

import (
	"errors"
	"net"
	"strconv"

	"github.com/danmuck/dbgwire/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

// OpenListener binds a TCP listener on port and accepts connections on it
// in the background. Port 0 picks a free port; see ListenAddr.
func (s *Server) OpenListener(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if !s.cfg.RemoteEnabled {
		return ErrRemoteDisabled
	}
	if s.listener != nil {
		return ErrAlreadyListening
	}

	host := ""
	if s.cfg.ForceLocal {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)
	log.Info().Str("addr", ln.Addr().String()).Bool("force_local", s.cfg.ForceLocal).Msg("listening")
	return nil
}

// ListenAddr is the bound address of the open listener, or nil.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// CloseListener unbinds the listener. It reports whether one was open.
// Established connections stay up.
func (s *Server) CloseListener() bool {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return false
	}
	_ = ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("listener closed")
	return true
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("accept failed")
			return
		}
		t := transport.NewConn(c, s.cfg.Transport)
		if _, err := s.AcceptConnection(t); err != nil {
			log.Warn().Err(err).Str("remote", c.RemoteAddr().String()).Msg("connection not accepted")
		}
	}
}
