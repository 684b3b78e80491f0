package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server is a running control API listener.
type Server struct {
	srv  *http.Server
	addr net.Addr
	tls  bool
	done chan struct{}
	err  error
}

// Addr returns the bound address, useful with ":0".
func (s *Server) Addr() net.Addr { return s.addr }

// URL returns the base URL of the listener.
func (s *Server) URL() string {
	scheme := "http"
	if s.tls {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, s.addr.String())
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	select {
	case <-s.done:
		if s.err != nil && err == nil {
			err = s.err
		}
	case <-ctx.Done():
	}
	return err
}

const (
	defaultWriteTimeout = 60 * time.Second
	writeMargin         = 10 * time.Second
)

// ServerOption tunes the underlying http.Server.
type ServerOption func(*http.Server)

// WithWriteTimeout overrides the response write timeout; non-positive
// values keep the default.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *http.Server) {
		if d > 0 {
			s.WriteTimeout = d
		}
	}
}

// WriteTimeoutFor returns a write timeout that outlasts a handler blocking
// for up to longest, never below the default.
func WriteTimeoutFor(longest time.Duration) time.Duration {
	if d := longest + writeMargin; d > defaultWriteTimeout {
		return d
	}
	return defaultWriteTimeout
}

// NewServer binds addr and serves h on it in the background. A non-nil
// tlsCfg serves HTTPS. Bind errors are returned synchronously.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config, log *slog.Logger, opts ...ServerOption) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	for _, o := range opts {
		o(srv)
	}
	s := &Server{srv: srv, addr: ln.Addr(), tls: tlsCfg != nil, done: make(chan struct{})}
	if tlsCfg != nil {
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			log.Error("http server stopped", "addr", s.addr.String(), "error", err)
		}
		s.err = err
		close(s.done)
	}()
	log.Info("http server listening", "addr", s.URL())
	return s, nil
}
