// Package embedded runs an interlock coordinator and its HTTP API inside
// another process, the same way `interlock serve` does.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
	httpapi "github.com/mistakeknot/interlock/internal/http"
	"github.com/mistakeknot/interlock/internal/liveness"
	"github.com/mistakeknot/interlock/internal/recovery"
	"github.com/mistakeknot/interlock/internal/server"
	"github.com/mistakeknot/interlock/internal/watch"
	"github.com/mistakeknot/interlock/internal/ws"
)

// Config selects the project and overrides its serve settings.
type Config struct {
	// Root is the project directory. Settings come from its
	// .interlock/config.yaml and INTERLOCK_* variables.
	Root string

	// Addr overrides serve.addr; "127.0.0.1:0" picks a free port.
	Addr string

	// Socket, if set, also serves the API on a unix socket.
	Socket string

	Logger *log.Logger
}

// Server is a coordinator plus its HTTP API.
type Server struct {
	cfg  config.Config
	log  *log.Logger
	mgr  *coord.Manager
	hub  *ws.Hub
	http *server.Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan error
}

// New loads the project's configuration and binds the API listeners.
func New(cfg Config) (*Server, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root required")
	}
	c, err := config.Load(cfg.Root)
	if err != nil {
		return nil, err
	}
	if cfg.Addr != "" {
		c.Serve.Addr = cfg.Addr
	}
	if cfg.Socket != "" {
		c.Serve.Socket = cfg.Socket
	}
	return NewFromConfig(c, cfg.Logger)
}

// NewFromConfig is New for callers that already resolved a config.Config.
func NewFromConfig(cfg config.Config, logger *log.Logger) (*Server, error) {
	return newServer(cfg, logger, nil)
}

func newServer(cfg config.Config, logger *log.Logger, checker liveness.Checker) (*Server, error) {
	if logger == nil {
		logger = cfg.Logger()
	}
	opts := []coord.Option{coord.WithLogger(logger)}
	if checker != nil {
		opts = append(opts, coord.WithChecker(checker))
	}
	mgr, err := coord.Open(cfg, opts...)
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(logger, ws.WithFileResolver(mgr.Canonicalize))
	mgr.Subscribe(hub)

	ring := auth.NewKeyring(cfg.Serve.AllowLocalhost, cfg.Serve.Tokens)
	svc := httpapi.NewService(mgr).WithLogger(logger)
	router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(ring))

	srv, err := server.New(server.Config{
		Addr:       cfg.Serve.Addr,
		SocketPath: cfg.Serve.Socket,
		Handler:    router,
		Logger:     logger,
	})
	if err != nil {
		mgr.Close()
		return nil, err
	}
	return &Server{cfg: cfg, log: logger, mgr: mgr, hub: hub, http: srv}, nil
}

// Run serves until ctx is cancelled. The stale-lock sweeper and the
// unprotected-write watcher run alongside when configured.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.Serve.SweepInterval > 0 {
		sweeper := recovery.NewSweeper(s.mgr.Reclaimer(), s.cfg.Serve.SweepInterval)
		sweeper.Start(gctx)
		defer sweeper.Stop()
	}

	if len(s.cfg.Serve.Watch) > 0 {
		w, err := s.watcher()
		if err != nil {
			s.http.Close()
			return err
		}
		defer w.Close()
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	g.Go(func() error { return s.http.Serve(gctx) })
	return g.Wait()
}

func (s *Server) watcher() (*watch.Watcher, error) {
	w, err := watch.New(s.mgr, s.hub, s.log, s.cfg.StateDir())
	if err != nil {
		return nil, fmt.Errorf("file watcher: %w", err)
	}
	for _, dir := range s.cfg.Serve.Watch {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(s.cfg.Root, dir)
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	s.mgr.Subscribe(w)
	return w, nil
}

// Start runs the server in the background. Stop ends it.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() {
		err := s.Run(ctx)
		if err != nil {
			s.log.Error("embedded interlock server stopped", "err", err)
		}
		s.done <- err
	}()
	return nil
}

// Stop shuts a started server down and closes the coordinator.
func (s *Server) Stop() error {
	s.mu.Lock()
	started := s.started
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	var runErr error
	if started {
		cancel()
		runErr = <-done
	} else {
		s.http.Close()
	}
	return errors.Join(runErr, s.mgr.Close())
}

// Close releases everything after Run has returned, or when it never ran.
func (s *Server) Close() error {
	s.http.Close()
	return s.mgr.Close()
}

// Addr returns the bound TCP address.
func (s *Server) Addr() string { return s.http.Addr() }

// URL returns the base URL for the server.
func (s *Server) URL() string { return "http://" + s.http.Addr() }

// Subscribers is the number of connected event-stream clients.
func (s *Server) Subscribers() int { return s.hub.Count() }

// Coordinator exposes the in-process coordinator.
func (s *Server) Coordinator() *coord.Manager { return s.mgr }

// ProtectedWrite runs fn on path while holding its lock, after a backup.
// kind is one of the agent kinds (analyzer, refactorer, formatter,
// documenter, tester, operator); agent defaults to kind.
func (s *Server) ProtectedWrite(ctx context.Context, path, agent, kind string, fn func(ctx context.Context, path string) error) error {
	k, err := core.ParseAgentKind(kind)
	if err != nil {
		return err
	}
	_, err = s.mgr.WithProtectedWrite(ctx, core.WriteRequest{
		Path:   path,
		Holder: core.Holder{Agent: agent},
		Kind:   k,
	}, fn)
	return err
}
