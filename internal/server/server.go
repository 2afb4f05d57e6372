// Package server runs the interlock HTTP API on a TCP address and,
// optionally, a unix socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const (
	readHeaderTimeout      = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

type Config struct {
	Addr            string
	SocketPath      string
	Handler         http.Handler
	Logger          *log.Logger
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg    Config
	log    *log.Logger
	http   *http.Server
	tcpLn  net.Listener
	unix   *http.Server
	unixLn net.Listener
}

// New binds the listeners immediately so the caller learns about a busy port
// before anything else starts.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s := &Server{
		cfg:   cfg,
		log:   logger,
		http:  &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout},
		tcpLn: ln,
	}

	if cfg.SocketPath != "" {
		// A socket file left by a previous run blocks Listen.
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			ln.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		uln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0o660); err != nil {
			uln.Close()
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = uln
		s.unix = &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout}
	}
	return s, nil
}

// Addr is the bound TCP address, useful when Config.Addr used port 0.
func (s *Server) Addr() string { return s.tcpLn.Addr().String() }

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string { return s.cfg.SocketPath }

// Serve blocks until ctx is cancelled or a listener fails, then shuts both
// servers down within the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("api listening", "addr", s.Addr())
		return serveErr(s.http.Serve(s.tcpLn))
	})
	if s.unix != nil {
		g.Go(func() error {
			s.log.Info("api listening", "socket", s.cfg.SocketPath)
			return serveErr(s.unix.Serve(s.unixLn))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutCtx)
	})
	return g.Wait()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		os.Remove(s.cfg.SocketPath)
	}
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func serveErr(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close releases the listeners of a server that was never served.
func (s *Server) Close() error {
	err := s.tcpLn.Close()
	if s.unixLn != nil {
		s.unixLn.Close()
		os.Remove(s.cfg.SocketPath)
	}
	return err
}
